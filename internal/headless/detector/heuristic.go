// Package detector decides when a fetched page must be re-fetched through
// a headless renderer before its markup can be judged.
package detector

import (
	"bytes"
	"net/http"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// DefaultBodyThreshold is the body size under which a script-heavy page is
// assumed to be a client-rendered shell.
const DefaultBodyThreshold = 2048

// scriptShare is the percentage of the body that scripts must cover.
const scriptShare = 25

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyThreshold int
}

// NewHeuristic creates a detector. A non-positive threshold uses the default.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultBodyThreshold
	}
	return &Heuristic{BodyThreshold: threshold}
}

var shellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

var ampMarkers = [][]byte{
	[]byte("<html amp"),
	[]byte("<html ⚡"),
}

// ShouldPromote reports whether resp looks like a client-rendered shell.
// AMP documents are served fully formed and never promoted.
func (h *Heuristic) ShouldPromote(resp scanner.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.Rendered {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range ampMarkers {
		if bytes.Contains(lower, marker) {
			return false
		}
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < h.BodyThreshold && scriptHeavy(body)
}

// scriptHeavy reports whether inline script text covers at least scriptShare
// percent of the body.
func scriptHeavy(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	covered := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		covered += len(s.Text())
	})
	return covered > 0 && covered*100/len(body) >= scriptShare
}
