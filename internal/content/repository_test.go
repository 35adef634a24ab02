package content

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

func loadTestRepo(t *testing.T) *Repository {
	t.Helper()
	m, err := LoadManifest(afero.NewOsFs(), "testdata/site.yaml")
	require.NoError(t, err)
	repo, err := NewRepository(m)
	require.NoError(t, err)
	return repo
}

func TestLoadManifestNormalizes(t *testing.T) {
	t.Parallel()

	repo := loadTestRepo(t)
	ctx := context.Background()

	settings, err := repo.ReadingSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, scanner.ReadingSettings{ShowOnFront: "page", PageOnFront: 2, PageForPosts: 3}, settings)

	types, err := repo.PublicPostTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []scanner.ContentType{{Name: "post", Label: "Posts"}, {Name: "page", Label: "Pages"}}, types)

	post, err := repo.GetPost(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, "post", post.PostType)
	assert.Equal(t, "draft", post.Status)

	_, err = repo.GetPost(ctx, 999)
	assert.True(t, errors.Is(err, scanner.ErrNotFound))
}

func TestListPostsOrdersAndFilters(t *testing.T) {
	t.Parallel()

	repo := loadTestRepo(t)
	ctx := context.Background()

	all, err := repo.ListPosts(ctx, scanner.PostQuery{PostType: "post"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(11), all[0].ID)
	assert.Equal(t, int64(10), all[1].ID)

	amp, err := repo.ListPosts(ctx, scanner.PostQuery{PostType: "post", AMPEnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, amp, 1)
	assert.Equal(t, int64(10), amp[0].ID)

	pages, err := repo.ListPosts(ctx, scanner.PostQuery{PostType: "page", Exclude: []int64{2, 3}})
	require.NoError(t, err)
	assert.Empty(t, pages)

	second, err := repo.ListPosts(ctx, scanner.PostQuery{PostType: "post", Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(10), second[0].ID)

	past, err := repo.ListPosts(ctx, scanner.PostQuery{PostType: "post", Offset: 5, Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestListTermsAndUsersNeedPublishedPosts(t *testing.T) {
	t.Parallel()

	repo := loadTestRepo(t)
	ctx := context.Background()

	cats, err := repo.ListTerms(ctx, scanner.TermQuery{Taxonomy: "category"})
	require.NoError(t, err)
	assert.Len(t, cats, 2)

	tags, err := repo.ListTerms(ctx, scanner.TermQuery{Taxonomy: "post_tag"})
	require.NoError(t, err)
	assert.Empty(t, tags, "tag only used by a draft")

	users, err := repo.ListUsers(ctx, scanner.UserQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Login)

	year, ok, err := repo.LatestPublishedYear(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2024, year)
}

func TestLinks(t *testing.T) {
	t.Parallel()

	repo := loadTestRepo(t)

	assert.Equal(t, "https://news.example.com/", repo.HomeURL("/"))
	assert.Equal(t, "https://news.example.com/?s=example", repo.HomeURL("?s=example"))
	assert.Equal(t, "https://news.example.com/first/", repo.PostLink(scanner.Post{PostType: "post", Slug: "first"}))
	assert.Equal(t, "https://news.example.com/event/gala/", repo.PostLink(scanner.Post{PostType: "event", Slug: "gala"}))
	assert.Equal(t, "https://news.example.com/?p=7", repo.PostLink(scanner.Post{ID: 7}))
	assert.Equal(t, "https://news.example.com/tag/go/", repo.TermLink(scanner.Term{Taxonomy: "post_tag", Slug: "go"}))
	assert.Equal(t, "https://news.example.com/category/news/", repo.TermLink(scanner.Term{Taxonomy: "category", Slug: "news"}))
	assert.Equal(t, "https://news.example.com/author/alice/", repo.AuthorLink(scanner.User{Login: "alice"}))
	assert.Equal(t, "https://elsewhere.test/me", repo.AuthorLink(scanner.User{Link: "https://elsewhere.test/me"}))
	assert.Equal(t, "https://news.example.com/2024/", repo.YearLink(2024))
}

func TestParseManifestRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"relative base":  "base_url: /site\n",
		"bad front mode": "base_url: https://x.test\nreading:\n  show_on_front: blog\n",
		"dup ids": `base_url: https://x.test
post_types:
  - name: post
    items: [{id: 1}]
  - name: page
    items: [{id: 1}]
`,
		"not yaml": "base_url: [",
	}
	for name, raw := range tests {
		_, err := ParseManifest([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestRepositoryDigest(t *testing.T) {
	t.Parallel()

	oldRaw := []byte("base_url: https://x.test\npost_types:\n  - name: post\n    public: true\n    items: [{id: 1, slug: old}]\n")
	newRaw := []byte("base_url: https://x.test\npost_types:\n  - name: post\n    public: true\n    items: [{id: 1, slug: new}]\n")

	oldA, err := ParseManifest(oldRaw)
	require.NoError(t, err)
	oldB, err := ParseManifest(oldRaw)
	require.NoError(t, err)
	fresh, err := ParseManifest(newRaw)
	require.NoError(t, err)

	a, err := NewRepository(oldA)
	require.NoError(t, err)
	b, err := NewRepository(oldB)
	require.NoError(t, err)
	require.NotEmpty(t, a.Digest())
	require.Equal(t, a.Digest(), b.Digest(), "same content, same digest in another process")

	require.NoError(t, b.Replace(fresh))
	require.NotEqual(t, a.Digest(), b.Digest())
	require.Error(t, b.Replace(nil))

	built := &Manifest{BaseURL: "https://x.test"}
	c, err := NewRepository(built)
	require.NoError(t, err)
	require.NotEmpty(t, c.Digest())
}

func TestRepositoryRejectsDuplicatePostIDs(t *testing.T) {
	t.Parallel()

	m := &Manifest{
		BaseURL: "https://x.test",
		PostTypes: []PostTypeManifest{
			{Name: "post", Items: []scanner.Post{{ID: 7}}},
			{Name: "page", Items: []scanner.Post{{ID: 7}}},
		},
	}
	_, err := NewRepository(m)
	require.ErrorContains(t, err, "post id 7")
}
