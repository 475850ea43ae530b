package replay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"apitap/internal/skill"
)

func obj(fields map[string]*skill.SchemaNode) *skill.SchemaNode {
	return &skill.SchemaNode{Type: "object", Fields: fields}
}

func arr(items *skill.SchemaNode) *skill.SchemaNode {
	return &skill.SchemaNode{Type: "array", Items: items}
}

func leaf(typ string) *skill.SchemaNode {
	return &skill.SchemaNode{Type: typ}
}

func TestDiffIdenticalSchemasIsQuiet(t *testing.T) {
	s := obj(map[string]*skill.SchemaNode{
		"id":    leaf("number"),
		"items": arr(obj(map[string]*skill.SchemaNode{"sku": leaf("string")})),
	})
	require.Empty(t, DiffSchemas(s, s))
}

func TestDiffFlagsDisappearedChangedAndNew(t *testing.T) {
	expected := obj(map[string]*skill.SchemaNode{
		"id":   leaf("number"),
		"name": leaf("string"),
	})
	actual := obj(map[string]*skill.SchemaNode{
		"id":    leaf("string"),
		"email": leaf("string"),
	})

	require.Equal(t, []Warning{
		{Severity: SeverityWarn, Path: "id", Message: "type changed: number → string"},
		{Severity: SeverityError, Path: "name", Message: "field disappeared"},
		{Severity: SeverityInfo, Path: "email", Message: "new field"},
	}, DiffSchemas(expected, actual))
}

func TestDiffWalksNestedObjects(t *testing.T) {
	expected := obj(map[string]*skill.SchemaNode{
		"user": obj(map[string]*skill.SchemaNode{
			"id":      leaf("number"),
			"profile": obj(map[string]*skill.SchemaNode{"age": leaf("number")}),
		}),
	})
	actual := obj(map[string]*skill.SchemaNode{
		"user": obj(map[string]*skill.SchemaNode{
			"id":      leaf("number"),
			"profile": obj(map[string]*skill.SchemaNode{}),
		}),
	})

	require.Equal(t, []Warning{
		{Severity: SeverityError, Path: "user.profile.age", Message: "field disappeared"},
	}, DiffSchemas(expected, actual))
}

func TestDiffWalksArrayItems(t *testing.T) {
	expected := obj(map[string]*skill.SchemaNode{
		"items": arr(obj(map[string]*skill.SchemaNode{"sku": leaf("string")})),
	})
	actual := obj(map[string]*skill.SchemaNode{
		"items": arr(obj(map[string]*skill.SchemaNode{"sku": leaf("number")})),
	})

	require.Equal(t, []Warning{
		{Severity: SeverityWarn, Path: "items[].sku", Message: "type changed: string → number"},
	}, DiffSchemas(expected, actual))
}

func TestDiffReportsBecameNullable(t *testing.T) {
	expected := obj(map[string]*skill.SchemaNode{"v": leaf("string")})
	actual := obj(map[string]*skill.SchemaNode{"v": leaf("null")})

	require.Equal(t, []Warning{
		{Severity: SeverityWarn, Path: "v", Message: "became nullable (was string)"},
	}, DiffSchemas(expected, actual))
}

func TestDiffTypeChangeStopsDescent(t *testing.T) {
	expected := obj(map[string]*skill.SchemaNode{
		"cfg": obj(map[string]*skill.SchemaNode{"deep": leaf("string")}),
	})
	actual := obj(map[string]*skill.SchemaNode{
		"cfg": arr(leaf("string")),
	})

	warnings := DiffSchemas(expected, actual)
	require.Len(t, warnings, 1)
	require.Equal(t, "cfg", warnings[0].Path)
	require.Equal(t, SeverityWarn, warnings[0].Severity)
}

func TestDiffToleratesMissingSchemas(t *testing.T) {
	s := obj(map[string]*skill.SchemaNode{"id": leaf("number")})
	require.Empty(t, DiffSchemas(nil, s))
	require.Empty(t, DiffSchemas(s, nil))
	require.Empty(t, DiffSchemas(nil, nil))
}
