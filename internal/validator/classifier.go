// Package validator holds the error classification shared by validator
// implementations; the validators themselves live in subpackages.
package validator

import "github.com/JakeFAU/compliance-scanner/internal/scanner"

// Classifier accepts an error when the validator flagged it as accepted or
// its code has been reviewed and listed as tolerated.
type Classifier struct {
	accepted map[string]struct{}
}

// NewClassifier builds a Classifier tolerating codes.
func NewClassifier(codes []string) *Classifier {
	c := &Classifier{accepted: make(map[string]struct{}, len(codes))}
	for _, code := range codes {
		if code != "" {
			c.accepted[code] = struct{}{}
		}
	}
	return c
}

// Accepted implements scanner.ErrorClassifier.
func (c *Classifier) Accepted(err scanner.ValidationError) bool {
	if err.Accepted {
		return true
	}
	_, ok := c.accepted[err.Code]
	return ok
}
