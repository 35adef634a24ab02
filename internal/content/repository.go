package content

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// Repository serves a manifest as a scanner.ContentRepository.
type Repository struct {
	mu       sync.RWMutex
	manifest *Manifest
	posts    map[int64]scanner.Post
	digest   string
}

// NewRepository indexes m.
func NewRepository(m *Manifest) (*Repository, error) {
	r := &Repository{}
	if err := r.Replace(m); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the served manifest, e.g. after the file changed on disk.
// Post IDs must be unique across post types.
func (r *Repository) Replace(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("content repository requires a manifest")
	}
	posts := make(map[int64]scanner.Post)
	owners := make(map[int64]string)
	for _, pt := range m.PostTypes {
		for _, p := range pt.Items {
			if prev, dup := owners[p.ID]; dup {
				return fmt.Errorf("content repository: post id %d used by %s and %s", p.ID, prev, pt.Name)
			}
			owners[p.ID] = pt.Name
			posts[p.ID] = p
		}
	}
	digest, err := m.Digest()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.manifest = m
	r.posts = posts
	r.digest = digest
	r.mu.Unlock()
	return nil
}

// Digest identifies the served manifest's content.
func (r *Repository) Digest() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.digest
}

// ReadingSettings implements scanner.ContentRepository.
func (r *Repository) ReadingSettings(context.Context) (scanner.ReadingSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifest.Reading, nil
}

// PublicPostTypes implements scanner.ContentRepository.
func (r *Repository) PublicPostTypes(context.Context) ([]scanner.ContentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []scanner.ContentType
	for _, pt := range r.manifest.PostTypes {
		if pt.Public {
			out = append(out, scanner.ContentType{Name: pt.Name, Label: pt.Label})
		}
	}
	return out, nil
}

// PublicTaxonomies implements scanner.ContentRepository.
func (r *Repository) PublicTaxonomies(context.Context) ([]scanner.ContentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []scanner.ContentType
	for _, tax := range r.manifest.Taxonomies {
		if tax.Public {
			out = append(out, scanner.ContentType{Name: tax.Name, Label: tax.Label})
		}
	}
	return out, nil
}

// GetPost implements scanner.ContentRepository.
func (r *Repository) GetPost(_ context.Context, id int64) (scanner.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.posts[id]
	if !ok {
		return scanner.Post{}, fmt.Errorf("post %d: %w", id, scanner.ErrNotFound)
	}
	return p, nil
}

// ListPosts returns published posts of one type, newest ID first.
func (r *Repository) ListPosts(_ context.Context, q scanner.PostQuery) ([]scanner.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []scanner.Post
	for _, pt := range r.manifest.PostTypes {
		if pt.Name != q.PostType {
			continue
		}
		for _, p := range pt.Items {
			if p.Status != StatusPublish || slices.Contains(q.Exclude, p.ID) {
				continue
			}
			if q.AMPEnabledOnly && !p.AMPEnabled {
				continue
			}
			matched = append(matched, p)
		}
	}
	slices.SortStableFunc(matched, func(a, b scanner.Post) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		default:
			return 0
		}
	})
	return page(matched, q.Offset, q.Limit), nil
}

// ListTerms returns terms of a taxonomy that have at least one published post.
func (r *Repository) ListTerms(_ context.Context, q scanner.TermQuery) ([]scanner.Term, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	used := make(map[int64]struct{})
	for _, p := range r.posts {
		if p.Status != StatusPublish {
			continue
		}
		for _, id := range p.TermIDs {
			used[id] = struct{}{}
		}
	}
	var matched []scanner.Term
	for _, tax := range r.manifest.Taxonomies {
		if tax.Name != q.Taxonomy {
			continue
		}
		for _, term := range tax.Terms {
			if _, ok := used[term.ID]; ok {
				matched = append(matched, term)
			}
		}
	}
	return page(matched, q.Offset, q.Limit), nil
}

// ListUsers returns users with at least one published post.
func (r *Repository) ListUsers(_ context.Context, q scanner.UserQuery) ([]scanner.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	authors := make(map[int64]struct{})
	for _, p := range r.posts {
		if p.Status == StatusPublish {
			authors[p.AuthorID] = struct{}{}
		}
	}
	var matched []scanner.User
	for _, u := range r.manifest.Users {
		if _, ok := authors[u.ID]; ok {
			matched = append(matched, u)
		}
	}
	return page(matched, q.Offset, q.Limit), nil
}

// LatestPublishedYear implements scanner.ContentRepository.
func (r *Repository) LatestPublishedYear(context.Context) (int, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	year, found := 0, false
	for _, p := range r.posts {
		if p.Status != StatusPublish || p.Date.IsZero() {
			continue
		}
		if y := p.Date.Year(); !found || y > year {
			year, found = y, true
		}
	}
	return year, found, nil
}

// HomeURL joins path onto the site root.
func (r *Repository) HomeURL(path string) string {
	r.mu.RLock()
	base := r.manifest.BaseURL
	r.mu.RUnlock()
	return base + "/" + strings.TrimPrefix(path, "/")
}

// PostLink returns the permalink of p.
func (r *Repository) PostLink(p scanner.Post) string {
	if p.Link != "" {
		return p.Link
	}
	if p.Slug == "" {
		return r.HomeURL("?p=" + strconv.FormatInt(p.ID, 10))
	}
	switch p.PostType {
	case "post", "page", "":
		return r.HomeURL(p.Slug + "/")
	default:
		return r.HomeURL(p.PostType + "/" + p.Slug + "/")
	}
}

// TermLink returns the archive link of t.
func (r *Repository) TermLink(t scanner.Term) string {
	if t.Link != "" {
		return t.Link
	}
	base := t.Taxonomy
	if base == "post_tag" {
		base = "tag"
	}
	return r.HomeURL(base + "/" + t.Slug + "/")
}

// AuthorLink returns the author archive link of u.
func (r *Repository) AuthorLink(u scanner.User) string {
	if u.Link != "" {
		return u.Link
	}
	return r.HomeURL("author/" + u.Login + "/")
}

// YearLink returns the yearly date archive link.
func (r *Repository) YearLink(year int) string {
	return r.HomeURL(strconv.Itoa(year) + "/")
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
