package scanner

import "time"

// Front page display modes from the site's reading settings.
const (
	ShowOnFrontPosts = "posts"
	ShowOnFrontPage  = "page"
)

// PostStatusPublish is the only post status visible to the scanner.
const PostStatusPublish = "publish"

// ReadingSettings mirrors the site's "your homepage displays" options.
type ReadingSettings struct {
	ShowOnFront  string `json:"show_on_front" yaml:"show_on_front"`
	PageOnFront  int64  `json:"page_on_front" yaml:"page_on_front"`
	PageForPosts int64  `json:"page_for_posts" yaml:"page_for_posts"`
}

// ContentType describes a public post type or taxonomy.
type ContentType struct {
	Name  string `json:"name" yaml:"name"`
	Label string `json:"label" yaml:"label"`
}

// Post is a published content item.
type Post struct {
	ID         int64     `json:"id" yaml:"id"`
	PostType   string    `json:"post_type" yaml:"post_type"`
	Title      string    `json:"title" yaml:"title"`
	Slug       string    `json:"slug" yaml:"slug"`
	Status     string    `json:"status" yaml:"status"`
	Date       time.Time `json:"date" yaml:"date"`
	AuthorID   int64     `json:"author_id" yaml:"author_id"`
	AMPEnabled bool      `json:"amp_enabled" yaml:"amp_enabled"`
	TermIDs    []int64   `json:"term_ids" yaml:"term_ids"`
	Link       string    `json:"link,omitempty" yaml:"link"`
}

// Term is a taxonomy term.
type Term struct {
	ID       int64  `json:"id" yaml:"id"`
	Taxonomy string `json:"taxonomy" yaml:"taxonomy"`
	Name     string `json:"name" yaml:"name"`
	Slug     string `json:"slug" yaml:"slug"`
	Link     string `json:"link,omitempty" yaml:"link"`
}

// User is a site author.
type User struct {
	ID          int64  `json:"id" yaml:"id"`
	Login       string `json:"login" yaml:"login"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Link        string `json:"link,omitempty" yaml:"link"`
}

// PostQuery selects published posts ordered by descending ID.
type PostQuery struct {
	PostType       string
	Offset         int
	Limit          int
	Exclude        []int64
	AMPEnabledOnly bool
}

// TermQuery selects terms of a taxonomy that have at least one published post.
type TermQuery struct {
	Taxonomy string
	Offset   int
	Limit    int
}

// UserQuery selects users that have at least one published post.
type UserQuery struct {
	Offset int
	Limit  int
}
