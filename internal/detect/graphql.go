// Package detect recognizes two special request families in captured
// traffic: GraphQL operations and OAuth token-endpoint calls.
package detect

import (
	"net/url"
	"regexp"
	"strings"

	"apitap/internal/models"

	"github.com/tidwall/gjson"
)

// AnonymousOperation names GraphQL requests whose operation cannot be
// determined from the body.
const AnonymousOperation = "Anonymous"

var gqlOperationRe = regexp.MustCompile(`\b(query|mutation|subscription)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// IsGraphQL reports whether an exchange is a GraphQL request: the path
// mentions /graphql, the request content type is application/graphql,
// or the body is JSON carrying a string query field.
func IsGraphQL(ex *models.CapturedExchange) bool {
	if u, err := url.Parse(ex.URL); err == nil && strings.Contains(u.Path, "/graphql") {
		return true
	}
	if ex.RequestContentType() == "application/graphql" {
		return true
	}
	if gjson.ValidBytes(ex.RequestBody) {
		return gjson.GetBytes(ex.RequestBody, "query").Type == gjson.String
	}
	return false
}

// GraphQLOperationName extracts the operation name of a GraphQL
// exchange: the body's operationName, else the first named
// query/mutation/subscription in the query text, else Anonymous.
func GraphQLOperationName(ex *models.CapturedExchange) string {
	if gjson.ValidBytes(ex.RequestBody) {
		if name := gjson.GetBytes(ex.RequestBody, "operationName"); name.Type == gjson.String && name.Str != "" {
			return name.Str
		}
		if q := gjson.GetBytes(ex.RequestBody, "query"); q.Type == gjson.String {
			if m := gqlOperationRe.FindStringSubmatch(q.Str); m != nil {
				return m[2]
			}
		}
	}
	return AnonymousOperation
}
