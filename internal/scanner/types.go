package scanner

import (
	"net/http"
	"strings"
	"time"
)

// Target type identifiers that do not carry a sub-type.
const (
	TypeHome      = "is_home"
	TypeFrontPage = "is_front_page"
	TypeAuthor    = "is_author"
	TypeDate      = "is_date"
	TypeSearch    = "is_search"
)

// SingularType returns the target type for single items of a post type.
func SingularType(postType string) string {
	return "is_singular[" + postType + "]"
}

// TaxonomyType returns the target type for term archives of a taxonomy.
func TaxonomyType(taxonomy string) string {
	return "is_tax[" + taxonomy + "]"
}

// BaseType strips the bracketed sub-type, e.g. is_tax[category] -> is_tax.
func BaseType(targetType string) string {
	if i := strings.IndexByte(targetType, '['); i > 0 {
		return targetType[:i]
	}
	return targetType
}

// ScanTarget is one URL selected for validation together with its template type.
type ScanTarget struct {
	URL   string `json:"url"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

// ValidationError is one markup problem reported by a Validator.
type ValidationError struct {
	Code     string `json:"code"`
	Accepted bool   `json:"accepted"`
	// Detail names the offending resource when a code applies to one.
	Detail string `json:"detail,omitempty"`
}

// ValidationResult is what a Validator returns for a single URL.
type ValidationResult struct {
	URL    string            `json:"url"`
	Errors []ValidationError `json:"errors"`
}

// ValidationOutcome is the per-target summary derived from a ValidationResult.
type ValidationOutcome struct {
	URL                  string    `json:"url"`
	Type                 string    `json:"type"`
	ErrorCount           uint      `json:"error_count"`
	UnacceptedErrorCount uint      `json:"unaccepted_error_count"`
	ValidatedAt          time.Time `json:"validated_at"`
	ErrorText            string    `json:"error_text,omitempty"`
}

// Valid reports whether the target had no unaccepted errors.
func (o ValidationOutcome) Valid() bool {
	return o.ErrorText == "" && o.UnacceptedErrorCount == 0
}

// TypeValidity counts valid and total targets for one template type.
type TypeValidity struct {
	Valid uint `json:"valid"`
	Total uint `json:"total"`
}

// RunStatistics aggregates the outcomes of a single validation run.
type RunStatistics struct {
	TotalErrors      uint                    `json:"total_errors"`
	UnacceptedErrors uint                    `json:"unaccepted_errors"`
	NumberValidated  uint                    `json:"number_validated"`
	Failed           uint                    `json:"failed"`
	ValidityByType   map[string]TypeValidity `json:"validity_by_type"`
}

// NewRunStatistics returns zeroed statistics with an initialized map.
func NewRunStatistics() RunStatistics {
	return RunStatistics{ValidityByType: make(map[string]TypeValidity)}
}

// Clone returns a deep copy so callers cannot mutate runner state.
func (s RunStatistics) Clone() RunStatistics {
	out := s
	out.ValidityByType = make(map[string]TypeValidity, len(s.ValidityByType))
	for k, v := range s.ValidityByType {
		out.ValidityByType[k] = v
	}
	return out
}

// RunStatus is the terminal state of a scan run.
type RunStatus string

// Run statuses persisted with run summaries.
const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// RunSummary is persisted once per completed scan run.
type RunSummary struct {
	ID         string        `json:"id"`
	Status     RunStatus     `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Targets    int           `json:"targets"`
	Stats      RunStatistics `json:"stats"`
	ErrorText  string        `json:"error_text,omitempty"`
	ReportURI  string        `json:"report_uri,omitempty"`
}

// FetchRequest captures everything needed to fetch a page.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool

	// Images holds the intrinsic size of every image the browser loaded,
	// keyed by absolute URL. Only rendered responses carry it.
	Images map[string]ImageSize
}

// ImageSize is the natural size of a loaded image in pixels.
type ImageSize struct {
	Width  uint
	Height uint
}
