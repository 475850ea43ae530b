package replay

import (
	"fmt"
	"sort"

	"apitap/internal/skill"
)

// Severity ranks a contract finding.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Warning is one contract drift finding. Path uses dot and [] syntax,
// empty at the root.
type Warning struct {
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
}

// DiffSchemas walks the recorded schema and the schema of a live
// response in lockstep. A field the API stopped returning is an error;
// a new field is informational; a type change is a warning. Drift never
// fails a replay.
func DiffSchemas(expected, actual *skill.SchemaNode) []Warning {
	var out []Warning
	diffNode("", expected, actual, &out)
	return out
}

func diffNode(path string, expected, actual *skill.SchemaNode, out *[]Warning) {
	if expected == nil || actual == nil {
		return
	}

	if expected.Type != actual.Type {
		msg := fmt.Sprintf("type changed: %s → %s", expected.Type, actual.Type)
		if actual.Type == "null" {
			msg = fmt.Sprintf("became nullable (was %s)", expected.Type)
		}
		*out = append(*out, Warning{Severity: SeverityWarn, Path: path, Message: msg})
		return
	}

	switch expected.Type {
	case "object":
		for _, name := range sortedFields(expected.Fields) {
			child := joinPath(path, name)
			got, ok := actual.Fields[name]
			if !ok {
				*out = append(*out, Warning{Severity: SeverityError, Path: child, Message: "field disappeared"})
				continue
			}
			diffNode(child, expected.Fields[name], got, out)
		}
		for _, name := range sortedFields(actual.Fields) {
			if _, ok := expected.Fields[name]; !ok {
				*out = append(*out, Warning{Severity: SeverityInfo, Path: joinPath(path, name), Message: "new field"})
			}
		}
	case "array":
		diffNode(path+"[]", expected.Items, actual.Items, out)
	}
}

func sortedFields(fields map[string]*skill.SchemaNode) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
