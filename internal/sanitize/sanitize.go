// Package sanitize classifies and tokenizes sensitive spans of skill input
// before it reaches sandboxed code.
package sanitize

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"go.uber.org/zap"
)

// Data classes recognized by the classifier.
const (
	ClassEmail  = "email"
	ClassPhone  = "phone"
	ClassAPIKey = "api_key"
	ClassSSN    = "ssn"
)

// Classification reports which sensitivity classes appear in an input.
type Classification struct {
	Sensitive bool
	Classes   []string
	// Fields maps input field names to the classes found in them.
	Fields map[string][]string
}

// patterns ordered so longer, more specific spans are replaced first.
var patterns = []struct {
	class string
	re    *regexp.Regexp
}{
	{ClassAPIKey, regexp.MustCompile(`\b(?:sk|pk|key)[-_][A-Za-z0-9]{16,}\b`)},
	{ClassEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{ClassSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{ClassPhone, regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)},
}

var tokenFormat = map[string]string{
	ClassEmail:  "EMAIL",
	ClassPhone:  "PHONE",
	ClassAPIKey: "KEY",
	ClassSSN:    "SSN",
}

// Classifier detects sensitive spans in string fields of an input payload.
type Classifier struct {
	logger *zap.Logger
}

func NewClassifier(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger}
}

// Classify walks string values in the input and reports every data class
// found. Non-string values are ignored.
func (c *Classifier) Classify(ctx context.Context, input map[string]any) (Classification, error) {
	cls := Classification{Fields: make(map[string][]string)}
	seen := make(map[string]struct{})

	for field, v := range input {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, p := range patterns {
			if p.re.MatchString(s) {
				cls.Fields[field] = append(cls.Fields[field], p.class)
				if _, dup := seen[p.class]; !dup {
					seen[p.class] = struct{}{}
					cls.Classes = append(cls.Classes, p.class)
				}
			}
		}
	}
	sort.Strings(cls.Classes)
	cls.Sensitive = len(cls.Classes) > 0
	if cls.Sensitive {
		c.logger.Debug("sensitive input classified", zap.Strings("classes", cls.Classes))
	}
	return cls, nil
}

// Sanitizer substitutes placeholder tokens for classified sensitive spans.
type Sanitizer struct {
	logger *zap.Logger
}

func NewSanitizer(logger *zap.Logger) *Sanitizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sanitizer{logger: logger}
}

// Sanitize returns a copy of input with sensitive spans replaced by tokens
// like [EMAIL_1], plus the list of tokens used. Input with no sensitive
// classification passes through untouched with an empty token list.
func (s *Sanitizer) Sanitize(ctx context.Context, input map[string]any, cls Classification) (map[string]any, []string, error) {
	if !cls.Sensitive {
		return input, nil, nil
	}

	out := make(map[string]any, len(input))
	counters := make(map[string]int)
	var tokens []string

	// Deterministic field order so token numbering is stable.
	fields := make([]string, 0, len(input))
	for f := range input {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		v := input[field]
		str, ok := v.(string)
		if !ok || len(cls.Fields[field]) == 0 {
			out[field] = v
			continue
		}
		for _, p := range patterns {
			if !containsClass(cls.Fields[field], p.class) {
				continue
			}
			str = p.re.ReplaceAllStringFunc(str, func(string) string {
				counters[p.class]++
				tok := fmt.Sprintf("[%s_%d]", tokenFormat[p.class], counters[p.class])
				tokens = append(tokens, tok)
				return tok
			})
		}
		out[field] = str
	}

	s.logger.Debug("input sanitized", zap.Int("tokens", len(tokens)))
	return out, tokens, nil
}

func containsClass(classes []string, class string) bool {
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}
