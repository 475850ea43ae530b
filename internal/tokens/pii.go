package tokens

import (
	"regexp"
	"strconv"
	"strings"
)

// piiRule pairs a pattern with its placeholder. validate, when set,
// confirms a match before it is replaced so that near-misses (fake card
// numbers, out-of-range octets) survive untouched.
type piiRule struct {
	name        string
	re          *regexp.Regexp
	placeholder string
	validate    func(match string) bool
}

// Order matters: SSN runs before the US phone pattern, which overlaps
// it, and tokens run last.
var piiRules = []piiRule{
	{
		name:        "email",
		re:          regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		placeholder: "[email]",
	},
	{
		name:        "ssn",
		re:          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		placeholder: "[ssn]",
	},
	{
		name:        "card",
		re:          regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`),
		placeholder: "[card]",
		validate:    luhnValid,
	},
	{
		name:        "ip",
		re:          regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
		placeholder: "[ip]",
		validate:    octetsInRange,
	},
	{
		name:        "phone-intl",
		re:          regexp.MustCompile(`\+\d{1,3}[ .-]?\d{1,4}(?:[ .-]?\d{2,4}){1,3}\b`),
		placeholder: "[phone]",
	},
	{
		name:        "phone-us",
		re:          regexp.MustCompile(`\(\d{3}\)[ .-]?\d{3}[ .-]?\d{4}\b|\b\d{3}[ .-]\d{3}[ .-]\d{4}\b`),
		placeholder: "[phone]",
	},
	{
		name:        "token",
		re:          regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*|\beyJ[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]*`),
		placeholder: "[token]",
	},
}

// ScrubPII replaces personal data in s with bracketed placeholders.
// Applied to query-parameter examples and example URLs before anything
// reaches a skill file.
func ScrubPII(s string) string {
	if s == "" {
		return s
	}
	out := s
	for _, rule := range piiRules {
		rule := rule
		out = rule.re.ReplaceAllStringFunc(out, func(match string) string {
			if rule.validate != nil && !rule.validate(match) {
				return match
			}
			return rule.placeholder
		})
	}
	return out
}

// luhnValid runs the Luhn checksum over the digits of a candidate card
// number.
func luhnValid(match string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, match)
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func octetsInRange(match string) bool {
	for _, part := range strings.Split(match, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}
