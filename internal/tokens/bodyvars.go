package tokens

import (
	"regexp"

	"github.com/tidwall/gjson"
)

// Key-name families that mark a field as per-request rather than
// structural. Matching is case-insensitive on the field name alone.
var (
	timeKeyRe       = regexp.MustCompile(`(?i)^(timestamp|time|date|datetime|created_?at|updated_?at|expires?_?(at|in)?|ts)$`)
	paginationKeyRe = regexp.MustCompile(`(?i)^(page|offset|cursor|limit|per_?page|page_?size|skip|after|before|next_?cursor|starting_?after)$`)
	identityKeyRe   = regexp.MustCompile(`(?i)(^id$|_id$|^uuid$|_uuid$|^guid$|^request_?id$|^trace_?id$)`)
	sessionKeyRe    = regexp.MustCompile(`(?i)(session|csrf|nonce|xsrf|state)`)
	geoKeyRe        = regexp.MustCompile(`(?i)^(lat|latitude|lng|lon|longitude|geohash|location)$`)
	inputKeyRe      = regexp.MustCompile(`(?i)^(q|query|search|term|keyword|text|message|input|prompt)$`)
)

// Value shapes that are dynamic no matter what the key is called.
var (
	epochSecondsRe = regexp.MustCompile(`^1[5-9]\d{8}$`)
	epochMillisRe  = regexp.MustCompile(`^1[5-9]\d{11}$`)
	isoDateRe      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?)?$`)
	prefixedIDRe   = regexp.MustCompile(`^[a-z]{2,8}_[A-Za-z0-9]{6,}$`)
	longDigitsRe   = regexp.MustCompile(`^\d{4,}$`)
)

// DetectBodyVariables returns the dotted paths of request-body fields
// whose values change between calls: timestamps, pagination cursors,
// identifiers, session material, coordinates, and user input. These
// become the substitutable variables of a stored body template.
func DetectBodyVariables(body []byte) []string {
	if !gjson.ValidBytes(body) {
		return nil
	}
	var paths []string
	seen := make(map[string]bool)
	walkJSON(gjson.ParseBytes(body), "", func(path, key string, value gjson.Result) {
		if !isDynamicField(key, value) {
			return
		}
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	})
	return paths
}

func isDynamicField(key string, value gjson.Result) bool {
	if matchesDynamicKey(key) {
		return true
	}
	switch value.Type {
	case gjson.String:
		return matchesDynamicStringValue(value.Str)
	case gjson.Number:
		// All bare numbers are candidates; the template keeps the
		// observed value as the default.
		return true
	default:
		return false
	}
}

func matchesDynamicKey(key string) bool {
	return timeKeyRe.MatchString(key) ||
		paginationKeyRe.MatchString(key) ||
		identityKeyRe.MatchString(key) ||
		sessionKeyRe.MatchString(key) ||
		geoKeyRe.MatchString(key) ||
		inputKeyRe.MatchString(key)
}

func matchesDynamicStringValue(v string) bool {
	if epochSecondsRe.MatchString(v) || epochMillisRe.MatchString(v) {
		return true
	}
	if isoDateRe.MatchString(v) {
		return true
	}
	if prefixedIDRe.MatchString(v) {
		return true
	}
	// Fallback shapes: UUIDs, opaque blobs, long digit runs.
	if isUUID(v) {
		return true
	}
	if len(v) >= 20 && base64ishValueRe.MatchString(v) {
		return true
	}
	return longDigitsRe.MatchString(v)
}
