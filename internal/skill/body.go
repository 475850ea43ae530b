package skill

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"apitap/internal/models"
	"apitap/internal/tokens"
)

var templateMethods = map[string]bool{"POST": true, "PUT": true, "PATCH": true}

// buildBodyTemplate converts a captured request body into a replayable
// template. Refreshable token fields are cleared but remembered by path;
// their live values are returned keyed by field name so the session can
// stash them for replay overlay. For GraphQL the query text is preserved
// verbatim and only variables.* paths become substitutable.
func buildBodyTemplate(ex *models.CapturedExchange, graphql bool) (*BodyTemplate, map[string]string) {
	if !templateMethods[strings.ToUpper(ex.Method)] || len(ex.RequestBody) == 0 {
		return nil, nil
	}

	ct := ex.RequestContentType()
	var doc []byte
	switch {
	case strings.Contains(ct, "json"):
		if !json.Valid(ex.RequestBody) {
			return nil, nil
		}
		doc = ex.RequestBody
	case ct == "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(ex.RequestBody))
		if err != nil {
			return nil, nil
		}
		flat := make(map[string]string, len(form))
		for k, vs := range form {
			if len(vs) > 0 {
				flat[k] = vs[0]
			}
		}
		doc, err = json.Marshal(flat)
		if err != nil {
			return nil, nil
		}
	default:
		return nil, nil
	}

	refreshable := tokens.DetectRefreshableTokens(doc)
	variables := tokens.DetectBodyVariables(doc)
	if graphql {
		variables = keepPrefixed(variables, "variables.")
	}

	template := doc
	var values map[string]string
	for _, path := range refreshable {
		if v := gjson.GetBytes(doc, path); v.Exists() && v.String() != "" {
			if values == nil {
				values = make(map[string]string)
			}
			values[lastPathSegment(path)] = v.String()
		}
		if updated, err := sjson.SetBytes(template, path, ""); err == nil {
			template = updated
		}
	}

	body := &BodyTemplate{
		ContentType:       ct,
		Template:          json.RawMessage(template),
		Variables:         variables,
		RefreshableTokens: refreshable,
	}
	return body, values
}

func lastPathSegment(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}

func keepPrefixed(paths []string, prefix string) []string {
	var out []string
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}
