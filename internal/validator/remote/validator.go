// Package remote validates pages by asking the site itself for its
// validation report (the page URL plus a validate query parameter).
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// DefaultQueryParam is the query parameter that asks the site for a report.
const DefaultQueryParam = "amp_validate"

// Config controls the remote validator.
type Config struct {
	Token      string
	QueryParam string
}

// Validator implements scanner.Validator over a scanner.Fetcher.
type Validator struct {
	fetcher scanner.Fetcher
	cfg     Config
}

type report struct {
	Errors []scanner.ValidationError `json:"errors"`
}

// New builds a remote Validator.
func New(fetcher scanner.Fetcher, cfg Config) (*Validator, error) {
	if fetcher == nil {
		return nil, errors.New("remote validator requires a fetcher")
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = DefaultQueryParam
	}
	return &Validator{fetcher: fetcher, cfg: cfg}, nil
}

// Validate implements scanner.Validator.
func (v *Validator) Validate(ctx context.Context, pageURL string) (scanner.ValidationResult, error) {
	reportURL, err := v.reportURL(pageURL)
	if err != nil {
		return scanner.ValidationResult{}, err
	}
	resp, err := v.fetcher.Fetch(ctx, scanner.FetchRequest{
		URL:     reportURL,
		Headers: http.Header{"Accept": {"application/json"}},
	})
	if err != nil {
		return scanner.ValidationResult{}, fmt.Errorf("fetch validation report: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return scanner.ValidationResult{}, fmt.Errorf("validation report for %s: status %d", pageURL, resp.StatusCode)
	}
	var r report
	if err := json.Unmarshal(resp.Body, &r); err != nil {
		return scanner.ValidationResult{}, fmt.Errorf("decode validation report for %s: %w", pageURL, err)
	}
	return scanner.ValidationResult{URL: pageURL, Errors: r.Errors}, nil
}

func (v *Validator) reportURL(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("validate %q: %w", pageURL, scanner.ErrInvalidTarget)
	}
	q := u.Query()
	q.Set(v.cfg.QueryParam, v.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
