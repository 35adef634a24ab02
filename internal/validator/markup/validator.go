// Package markup validates fetched pages with a small set of structural
// rules evaluated over the parsed document.
package markup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/compliance-scanner/internal/dimension"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// Error codes reported by the built-in rules.
const (
	CodeMissingAMPAttribute = "missing_amp_attribute"
	CodeDisallowedScript    = "disallowed_script"
	CodeImgNotAMPImg        = "img_not_amp_img"
	CodeInlineStyle         = "inline_style_attribute"
	CodeMissingCanonical    = "missing_canonical"

	// CodeMissingImageDimensions is reported per image URL whose size is
	// neither in the markup nor known to the DimensionResolver.
	CodeMissingImageDimensions = "missing_image_dimensions"
)

// DefaultRuntimeHost serves the only scripts a valid page may load.
const DefaultRuntimeHost = "cdn.ampproject.org"

// Rule inspects a document and returns the codes it violates.
type Rule func(doc *goquery.Document) []string

// DimensionResolver looks up image sizes. URLs it cannot size are left out
// of the returned map.
type DimensionResolver interface {
	Resolve(ctx context.Context, urls []string) map[string]dimension.Dimensions
}

// Validator fetches a page and applies Rules.
type Validator struct {
	fetcher scanner.Fetcher
	rules   []Rule
	dims    DimensionResolver
}

// New builds a Validator with the default rules, or rules when given.
func New(fetcher scanner.Fetcher, runtimeHost string, rules ...Rule) (*Validator, error) {
	if fetcher == nil {
		return nil, errors.New("markup validator requires a fetcher")
	}
	if runtimeHost == "" {
		runtimeHost = DefaultRuntimeHost
	}
	if len(rules) == 0 {
		rules = DefaultRules(runtimeHost)
	}
	return &Validator{fetcher: fetcher, rules: rules}, nil
}

// WithDimensions enables the image size check. Images that leave width or
// height out of the markup are sized from the rendered page when the fetcher
// reports it, then through r. Whatever stays unknown is reported.
func (v *Validator) WithDimensions(r DimensionResolver) *Validator {
	v.dims = r
	return v
}

// DefaultRules returns the built-in rule set.
func DefaultRules(runtimeHost string) []Rule {
	return []Rule{
		requireAMPAttribute,
		disallowScripts(runtimeHost),
		requireAMPImg,
		disallowInlineStyle,
		requireCanonical,
	}
}

// Validate implements scanner.Validator.
func (v *Validator) Validate(ctx context.Context, pageURL string) (scanner.ValidationResult, error) {
	resp, err := v.fetcher.Fetch(ctx, scanner.FetchRequest{URL: pageURL})
	if err != nil {
		return scanner.ValidationResult{}, fmt.Errorf("fetch page: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return scanner.ValidationResult{}, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return scanner.ValidationResult{}, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	result := scanner.ValidationResult{URL: pageURL}
	for _, rule := range v.rules {
		for _, code := range rule(doc) {
			result.Errors = append(result.Errors, scanner.ValidationError{Code: code})
		}
	}
	if v.dims != nil {
		base := resp.URL
		if base == "" {
			base = pageURL
		}
		for _, src := range v.unsizedImages(ctx, doc, base, resp.Images) {
			result.Errors = append(result.Errors, scanner.ValidationError{
				Code:   CodeMissingImageDimensions,
				Detail: src,
			})
		}
	}
	return result, nil
}

// unsizedImages returns the absolute URLs of images that declare no size and
// that neither the rendered page nor the resolver could size, in document
// order.
func (v *Validator) unsizedImages(ctx context.Context, doc *goquery.Document, pageURL string, rendered map[string]scanner.ImageSize) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	var pending []string
	seen := make(map[string]struct{})
	doc.Find("img, amp-img").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("noscript").Length() > 0 || hasSize(s) {
			return
		}
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" {
			return
		}
		ref, err := base.Parse(src)
		if err != nil || (ref.Scheme != "http" && ref.Scheme != "https") {
			return
		}
		abs := ref.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		if _, ok := rendered[abs]; ok {
			return
		}
		pending = append(pending, abs)
	})
	if len(pending) == 0 {
		return nil
	}
	found := v.dims.Resolve(ctx, pending)
	missing := pending[:0]
	for _, u := range pending {
		if _, ok := found[u]; !ok {
			missing = append(missing, u)
		}
	}
	return missing
}

// hasSize reports whether the element fixes its own box. amp-img layouts
// that fill or hide the element need no intrinsic size.
func hasSize(s *goquery.Selection) bool {
	switch strings.ToLower(s.AttrOr("layout", "")) {
	case "fill", "flex-item", "nodisplay":
		return true
	}
	return strings.TrimSpace(s.AttrOr("width", "")) != "" && strings.TrimSpace(s.AttrOr("height", "")) != ""
}

func requireAMPAttribute(doc *goquery.Document) []string {
	html := doc.Find("html").First()
	if _, ok := html.Attr("amp"); ok {
		return nil
	}
	if _, ok := html.Attr("⚡"); ok {
		return nil
	}
	return []string{CodeMissingAMPAttribute}
}

func disallowScripts(runtimeHost string) Rule {
	return func(doc *goquery.Document) []string {
		var codes []string
		doc.Find("script").Each(func(_ int, s *goquery.Selection) {
			typ, _ := s.Attr("type")
			switch strings.ToLower(typ) {
			case "application/json", "application/ld+json", "text/plain":
				return
			}
			if src, ok := s.Attr("src"); ok && strings.Contains(src, "://"+runtimeHost+"/") {
				return
			}
			codes = append(codes, CodeDisallowedScript)
		})
		return codes
	}
}

func requireAMPImg(doc *goquery.Document) []string {
	var codes []string
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("noscript").Length() > 0 {
			return
		}
		codes = append(codes, CodeImgNotAMPImg)
	})
	return codes
}

func disallowInlineStyle(doc *goquery.Document) []string {
	var codes []string
	doc.Find("body [style]").Each(func(int, *goquery.Selection) {
		codes = append(codes, CodeInlineStyle)
	})
	return codes
}

func requireCanonical(doc *goquery.Document) []string {
	if doc.Find(`link[rel="canonical"][href]`).Length() > 0 {
		return nil
	}
	return []string{CodeMissingCanonical}
}
