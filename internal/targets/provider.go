// Package targets selects a bounded, representative sample of URLs to
// validate: the home page, up to N items per public post type, taxonomy and
// author archive, plus one date archive and one search results page.
package targets

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

var tracer = otel.Tracer("github.com/JakeFAU/compliance-scanner/internal/targets")

// SearchPath is the query used for the search results target.
const SearchPath = "?s=example"

// Provider discovers scan targets from a content repository.
type Provider struct {
	repo      scanner.ContentRepository
	supported map[string]bool
	logger    *zap.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithSupportedTypes restricts the template types the site can serve.
// Entries may be exact types (is_singular[page]) or base types (is_tax).
// Without this option every type is supported.
func WithSupportedTypes(types []string) Option {
	return func(p *Provider) {
		if types == nil {
			return
		}
		p.supported = make(map[string]bool, len(types))
		for _, t := range types {
			p.supported[t] = true
		}
	}
}

// WithLogger sets the provider logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvider builds a Provider over repo.
func NewProvider(repo scanner.ContentRepository, opts ...Option) (*Provider, error) {
	if repo == nil {
		return nil, fmt.Errorf("target provider requires a content repository")
	}
	p := &Provider{repo: repo, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("targets")
	return p, nil
}

// GetTargets returns at most limitPerType targets for every enabled type,
// starting at offset within each type. The date archive and search targets
// are added once regardless of limitPerType and offset. Content that cannot
// be read contributes no targets; only context cancellation is an error.
func (p *Provider) GetTargets(ctx context.Context, limitPerType int, includeTypes []string, offset int) ([]scanner.ScanTarget, error) {
	ctx, span := tracer.Start(ctx, "targets.GetTargets")
	defer span.End()

	if offset < 0 {
		offset = 0
	}
	sel := selection{provider: p, include: includeTypes}
	var out []scanner.ScanTarget

	settings, err := p.repo.ReadingSettings(ctx)
	if err != nil {
		p.logger.Warn("reading settings unavailable", zap.Error(err))
	}
	// Home and front-page targets count against limitPerType too.
	if limitPerType > 0 {
		out = append(out, p.homeTargets(ctx, sel, settings)...)
	}

	postTypes, err := p.repo.PublicPostTypes(ctx)
	if err != nil {
		p.logger.Warn("post types unavailable", zap.Error(err))
	}
	taxonomies, err := p.repo.PublicTaxonomies(ctx)
	if err != nil {
		p.logger.Warn("taxonomies unavailable", zap.Error(err))
	}
	exclude := excludedPages(settings)

	for i := 0; i < limitPerType; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("get targets: %w", err)
		}
		at := offset + i
		for _, pt := range postTypes {
			if t, ok := p.postTarget(ctx, sel, pt, at, exclude); ok {
				out = append(out, t)
			}
		}
		for _, tax := range taxonomies {
			if t, ok := p.termTarget(ctx, sel, tax, at); ok {
				out = append(out, t)
			}
		}
		if t, ok := p.authorTarget(ctx, sel, at); ok {
			out = append(out, t)
		}
	}

	if t, ok := p.dateTarget(ctx, sel); ok {
		out = append(out, t)
	}
	if sel.enabled(scanner.TypeSearch) {
		out = append(out, scanner.ScanTarget{
			URL:   p.repo.HomeURL(SearchPath),
			Type:  scanner.TypeSearch,
			Label: "Search Results",
		})
	}

	span.SetAttributes(attribute.Int("targets.count", len(out)))
	return out, nil
}

func (p *Provider) homeTargets(ctx context.Context, sel selection, settings scanner.ReadingSettings) []scanner.ScanTarget {
	if settings.ShowOnFront != scanner.ShowOnFrontPage {
		if !sel.enabled(scanner.TypeHome) {
			return nil
		}
		return []scanner.ScanTarget{{URL: p.repo.HomeURL("/"), Type: scanner.TypeHome, Label: "Homepage"}}
	}

	var out []scanner.ScanTarget
	if settings.PageOnFront > 0 && sel.enabled(scanner.TypeFrontPage) {
		if page, ok := p.ampPage(ctx, settings.PageOnFront); ok {
			out = append(out, scanner.ScanTarget{URL: p.repo.PostLink(page), Type: scanner.TypeFrontPage, Label: "Homepage"})
		}
	}
	if settings.PageForPosts > 0 && sel.enabled(scanner.TypeHome) {
		if page, ok := p.ampPage(ctx, settings.PageForPosts); ok {
			out = append(out, scanner.ScanTarget{URL: p.repo.PostLink(page), Type: scanner.TypeHome, Label: "Blog"})
		}
	}
	return out
}

func (p *Provider) ampPage(ctx context.Context, id int64) (scanner.Post, bool) {
	page, err := p.repo.GetPost(ctx, id)
	if err != nil {
		p.logger.Debug("configured page unavailable", zap.Int64("id", id), zap.Error(err))
		return scanner.Post{}, false
	}
	if page.Status != scanner.PostStatusPublish || !page.AMPEnabled {
		return scanner.Post{}, false
	}
	return page, true
}

func (p *Provider) postTarget(ctx context.Context, sel selection, pt scanner.ContentType, at int, exclude []int64) (scanner.ScanTarget, bool) {
	targetType := scanner.SingularType(pt.Name)
	if !sel.enabled(targetType) {
		return scanner.ScanTarget{}, false
	}
	posts, err := p.repo.ListPosts(ctx, scanner.PostQuery{
		PostType:       pt.Name,
		Offset:         at,
		Limit:          1,
		Exclude:        exclude,
		AMPEnabledOnly: true,
	})
	if err != nil {
		p.logger.Warn("list posts", zap.String("post_type", pt.Name), zap.Error(err))
		return scanner.ScanTarget{}, false
	}
	if len(posts) == 0 {
		return scanner.ScanTarget{}, false
	}
	return scanner.ScanTarget{URL: p.repo.PostLink(posts[0]), Type: targetType, Label: labelOf(pt)}, true
}

func (p *Provider) termTarget(ctx context.Context, sel selection, tax scanner.ContentType, at int) (scanner.ScanTarget, bool) {
	targetType := scanner.TaxonomyType(tax.Name)
	if !sel.enabled(targetType) {
		return scanner.ScanTarget{}, false
	}
	terms, err := p.repo.ListTerms(ctx, scanner.TermQuery{Taxonomy: tax.Name, Offset: at, Limit: 1})
	if err != nil {
		p.logger.Warn("list terms", zap.String("taxonomy", tax.Name), zap.Error(err))
		return scanner.ScanTarget{}, false
	}
	if len(terms) == 0 {
		return scanner.ScanTarget{}, false
	}
	return scanner.ScanTarget{URL: p.repo.TermLink(terms[0]), Type: targetType, Label: labelOf(tax)}, true
}

func (p *Provider) authorTarget(ctx context.Context, sel selection, at int) (scanner.ScanTarget, bool) {
	if !sel.enabled(scanner.TypeAuthor) {
		return scanner.ScanTarget{}, false
	}
	users, err := p.repo.ListUsers(ctx, scanner.UserQuery{Offset: at, Limit: 1})
	if err != nil {
		p.logger.Warn("list users", zap.Error(err))
		return scanner.ScanTarget{}, false
	}
	if len(users) == 0 {
		return scanner.ScanTarget{}, false
	}
	return scanner.ScanTarget{URL: p.repo.AuthorLink(users[0]), Type: scanner.TypeAuthor, Label: "Author Archive"}, true
}

func (p *Provider) dateTarget(ctx context.Context, sel selection) (scanner.ScanTarget, bool) {
	if !sel.enabled(scanner.TypeDate) {
		return scanner.ScanTarget{}, false
	}
	year, ok, err := p.repo.LatestPublishedYear(ctx)
	if err != nil {
		p.logger.Warn("latest published year", zap.Error(err))
		return scanner.ScanTarget{}, false
	}
	if !ok {
		return scanner.ScanTarget{}, false
	}
	return scanner.ScanTarget{URL: p.repo.YearLink(year), Type: scanner.TypeDate, Label: "Date Archive"}, true
}

func excludedPages(settings scanner.ReadingSettings) []int64 {
	var ids []int64
	if settings.PageOnFront > 0 {
		ids = append(ids, settings.PageOnFront)
	}
	if settings.PageForPosts > 0 {
		ids = append(ids, settings.PageForPosts)
	}
	return ids
}

func labelOf(ct scanner.ContentType) string {
	if ct.Label != "" {
		return ct.Label
	}
	return ct.Name
}

// selection intersects the site's supported types with the caller's filter.
type selection struct {
	provider *Provider
	include  []string
}

func (s selection) enabled(targetType string) bool {
	if s.provider.supported != nil && !s.provider.supported[targetType] && !s.provider.supported[scanner.BaseType(targetType)] {
		return false
	}
	if len(s.include) == 0 {
		return true
	}
	base := scanner.BaseType(targetType)
	for _, t := range s.include {
		if t == targetType || t == base {
			return true
		}
	}
	return false
}
