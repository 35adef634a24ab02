package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

func TestClassifier(t *testing.T) {
	t.Parallel()

	c := NewClassifier([]string{"inline_style_attribute", ""})

	tests := []struct {
		name string
		in   scanner.ValidationError
		want bool
	}{
		{"flagged by validator", scanner.ValidationError{Code: "x", Accepted: true}, true},
		{"reviewed code", scanner.ValidationError{Code: "inline_style_attribute"}, true},
		{"unreviewed code", scanner.ValidationError{Code: "disallowed_script"}, false},
		{"empty code", scanner.ValidationError{}, false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Accepted(tc.in))
		})
	}
}
