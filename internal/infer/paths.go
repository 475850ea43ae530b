// Package infer derives endpoint structure from observed requests:
// which path segments are parameters and how an endpoint paginates.
package infer

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	numericSegmentRe = regexp.MustCompile(`^\d+$`)
	digitRunRe       = regexp.MustCompile(`\d{8,}`)
	alnumRe          = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	nextDataRe       = regexp.MustCompile(`^/_next/data/[^/]+`)
)

// ParameterizePath collapses variable path segments into placeholders:
// numeric and UUID segments become :id, a segment carrying an 8+ digit
// run becomes :slug (this rule runs before the hash rule), and a
// segment of 12+ mixed letters and digits becomes :hash. /users/17 and
// /users/42 therefore share one endpoint. Idempotent.
func ParameterizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		switch {
		case numericSegmentRe.MatchString(seg):
			segments[i] = ":id"
		case isUUIDSegment(seg):
			segments[i] = ":id"
		case digitRunRe.MatchString(seg):
			segments[i] = ":slug"
		case isHashSegment(seg):
			segments[i] = ":hash"
		}
	}
	return strings.Join(segments, "/")
}

// CleanFrameworkPath strips framework routing artifacts: the
// /_next/data/<buildId>/ prefix and a trailing .json. An emptied path
// becomes /.
func CleanFrameworkPath(path string) string {
	cleaned := nextDataRe.ReplaceAllString(path, "")
	cleaned = strings.TrimSuffix(cleaned, ".json")
	if cleaned == "" {
		return "/"
	}
	return cleaned
}

func isUUIDSegment(seg string) bool {
	return len(seg) == 36 && uuid.Validate(seg) == nil
}

// isHashSegment reports whether a segment is 12+ alphanumerics mixing
// letters and digits once separators are stripped.
func isHashSegment(seg string) bool {
	stripped := strings.NewReplacer("-", "", "_", "").Replace(seg)
	if len(stripped) < 12 || !alnumRe.MatchString(stripped) {
		return false
	}
	hasLetter := strings.ContainsFunc(stripped, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	})
	hasDigit := strings.ContainsFunc(stripped, func(r rune) bool {
		return r >= '0' && r <= '9'
	})
	return hasLetter && hasDigit
}
