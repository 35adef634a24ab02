package targets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/compliance-scanner/internal/content"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

const blogManifest = `
base_url: https://blog.example.com
reading:
  show_on_front: posts
post_types:
  - name: post
    label: Posts
    public: true
    items:
      - id: 1
        slug: one
        date: 2023-06-01T00:00:00Z
        author_id: 7
        amp_enabled: true
        term_ids: [50]
      - id: 2
        slug: two
        date: 2024-03-01T00:00:00Z
        author_id: 7
        amp_enabled: true
        term_ids: [50]
      - id: 3
        slug: three
        date: 2024-09-01T00:00:00Z
        author_id: 7
        amp_enabled: true
taxonomies:
  - name: category
    label: Categories
    public: true
    terms:
      - id: 50
        name: News
        slug: news
`

func newRepo(t *testing.T, manifest string) *content.Repository {
	t.Helper()
	m, err := content.ParseManifest([]byte(manifest))
	require.NoError(t, err)
	repo, err := content.NewRepository(m)
	require.NoError(t, err)
	return repo
}

func countByType(targets []scanner.ScanTarget) map[string]int {
	out := make(map[string]int)
	for _, t := range targets {
		out[t.Type]++
	}
	return out
}

func TestGetTargetsEndToEndScenario(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(newRepo(t, blogManifest))
	require.NoError(t, err)

	got, err := p.GetTargets(context.Background(), 1, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, []scanner.ScanTarget{
		{URL: "https://blog.example.com/", Type: "is_home", Label: "Homepage"},
		{URL: "https://blog.example.com/three/", Type: "is_singular[post]", Label: "Posts"},
		{URL: "https://blog.example.com/category/news/", Type: "is_tax[category]", Label: "Categories"},
		{URL: "https://blog.example.com/2024/", Type: "is_date", Label: "Date Archive"},
		{URL: "https://blog.example.com/?s=example", Type: "is_search", Label: "Search Results"},
	}, got)
}

func TestGetTargetsZeroLimitKeepsOnlyUnboundedTypes(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(newRepo(t, blogManifest))
	require.NoError(t, err)

	// The homepage counts against the per-type bound like any other type.
	got, err := p.GetTargets(context.Background(), 0, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []scanner.ScanTarget{
		{URL: "https://blog.example.com/2024/", Type: "is_date", Label: "Date Archive"},
		{URL: "https://blog.example.com/?s=example", Type: "is_search", Label: "Search Results"},
	}, got)
}

func TestGetTargetsBoundPerType(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("base_url: https://big.example.com\npost_types:\n  - name: post\n    public: true\n    items:\n")
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&b, "      - id: %d\n        slug: p%d\n        author_id: %d\n        amp_enabled: true\n        term_ids: [%d]\n", i, i, i%4, 100+i%5)
	}
	b.WriteString("taxonomies:\n  - name: category\n    public: true\n    terms:\n")
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "      - id: %d\n        slug: c%d\n", 100+i, i)
	}
	b.WriteString("users:\n")
	for i := 0; i < 4; i++ {
		fmt.Fprintf(&b, "  - id: %d\n    login: u%d\n", i, i)
	}

	p, err := NewProvider(newRepo(t, b.String()))
	require.NoError(t, err)

	for _, k := range []int{0, 1, 3, 10} {
		got, err := p.GetTargets(context.Background(), k, nil, 0)
		require.NoError(t, err)
		for typ, n := range countByType(got) {
			if typ == scanner.TypeDate || typ == scanner.TypeSearch {
				assert.Equal(t, 1, n, typ)
				continue
			}
			assert.LessOrEqual(t, n, k, "k=%d type=%s", k, typ)
		}
	}

	got, err := p.GetTargets(context.Background(), 3, nil, 0)
	require.NoError(t, err)
	counts := countByType(got)
	assert.Equal(t, 3, counts["is_singular[post]"])
	assert.Equal(t, 3, counts["is_tax[category]"])
	assert.Equal(t, 3, counts["is_author"])
}

func TestGetTargetsOffsetPages(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(newRepo(t, blogManifest))
	require.NoError(t, err)

	got, err := p.GetTargets(context.Background(), 1, []string{"is_singular", "is_date"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []scanner.ScanTarget{
		{URL: "https://blog.example.com/one/", Type: "is_singular[post]", Label: "Posts"},
		{URL: "https://blog.example.com/2024/", Type: "is_date", Label: "Date Archive"},
	}, got)

	past, err := p.GetTargets(context.Background(), 2, []string{"is_singular[post]"}, 10)
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestGetTargetsStaticFrontPage(t *testing.T) {
	t.Parallel()

	const manifest = `
base_url: https://shop.example.com
reading:
  show_on_front: page
  page_on_front: 10
  page_for_posts: 11
post_types:
  - name: page
    label: Pages
    public: true
    items:
      - id: 10
        slug: welcome
        amp_enabled: true
      - id: 11
        slug: journal
        amp_enabled: false
      - id: 12
        slug: about
        amp_enabled: true
`
	p, err := NewProvider(newRepo(t, manifest))
	require.NoError(t, err)

	got, err := p.GetTargets(context.Background(), 5, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []scanner.ScanTarget{
		{URL: "https://shop.example.com/welcome/", Type: "is_front_page", Label: "Homepage"},
		{URL: "https://shop.example.com/about/", Type: "is_singular[page]", Label: "Pages"},
		{URL: "https://shop.example.com/?s=example", Type: "is_search", Label: "Search Results"},
	}, got, "posts page is not AMP-enabled and front page is excluded from singular targets")
}

func TestGetTargetsSupportedTypes(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(newRepo(t, blogManifest), WithSupportedTypes([]string{"is_home", "is_tax"}))
	require.NoError(t, err)

	got, err := p.GetTargets(context.Background(), 1, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"is_home": 1, "is_tax[category]": 1}, countByType(got))

	got, err = p.GetTargets(context.Background(), 1, []string{"is_tax", "is_search"}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"is_tax[category]": 1}, countByType(got))
}

type brokenRepo struct {
	*content.Repository
}

func (brokenRepo) ListPosts(context.Context, scanner.PostQuery) ([]scanner.Post, error) {
	return nil, errors.New("database is down")
}

func (brokenRepo) LatestPublishedYear(context.Context) (int, bool, error) {
	return 0, false, errors.New("database is down")
}

func TestGetTargetsRepositoryErrorsContributeNothing(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(brokenRepo{newRepo(t, blogManifest)})
	require.NoError(t, err)

	got, err := p.GetTargets(context.Background(), 1, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"is_home": 1, "is_tax[category]": 1, "is_search": 1}, countByType(got))
}

func TestGetTargetsCanceled(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(newRepo(t, blogManifest))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.GetTargets(ctx, 1, nil, 0)
	require.ErrorIs(t, err, context.Canceled)
}
