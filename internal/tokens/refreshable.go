package tokens

import (
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"
)

var (
	refreshableNameRe    = regexp.MustCompile(`(?i)csrf|token|nonce|xsrf|_token$`)
	refreshableExcludeRe = regexp.MustCompile(`(?i)access.?token|auth.?token|api.?token|bearer`)
	hexValueRe           = regexp.MustCompile(`^[0-9a-fA-F]{32,64}$`)
	base64ishValueRe     = regexp.MustCompile(`^[A-Za-z0-9+/_-]{20,}={0,2}$`)
)

// IsRefreshableToken reports whether a name/value pair looks like a
// session-generated token the server re-issues (CSRF, nonce). Long-term
// credentials such as access tokens and API keys are excluded; those
// belong in the vault, not in a replayed body.
func IsRefreshableToken(name, value string) bool {
	if !refreshableNameRe.MatchString(name) {
		return false
	}
	if refreshableExcludeRe.MatchString(name) {
		return false
	}
	return hexValueRe.MatchString(value) || base64ishValueRe.MatchString(value)
}

// DetectRefreshableTokens scans a JSON body and returns the dotted
// paths of refreshable-token fields, e.g. "data.csrf_token".
func DetectRefreshableTokens(body []byte) []string {
	if !gjson.ValidBytes(body) {
		return nil
	}
	var paths []string
	walkJSON(gjson.ParseBytes(body), "", func(path, key string, value gjson.Result) {
		if value.Type == gjson.String && IsRefreshableToken(key, value.Str) {
			paths = append(paths, path)
		}
	})
	return paths
}

// walkJSON visits every leaf of a gjson tree with its dotted path and
// the key of the immediately enclosing field. Array elements use the
// numeric index as a path segment, which keeps paths usable with sjson.
func walkJSON(value gjson.Result, prefix string, visit func(path, key string, value gjson.Result)) {
	if value.IsObject() {
		value.ForEach(func(k, v gjson.Result) bool {
			walkJSON(v, joinPath(prefix, k.Str), visit)
			return true
		})
		return
	}
	if value.IsArray() {
		i := 0
		value.ForEach(func(_, v gjson.Result) bool {
			walkJSON(v, joinPath(prefix, strconv.Itoa(i)), visit)
			i++
			return true
		})
		return
	}
	if prefix == "" {
		return
	}
	visit(prefix, lastSegment(prefix), value)
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + "." + segment
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return path
}
