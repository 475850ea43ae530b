package skill

import "github.com/tidwall/gjson"

const schemaMaxDepth = 5

// BuildResponseShape summarizes a JSON response body: the top-level type
// and, for objects, the key names in document order.
func BuildResponseShape(body []byte) *ResponseShape {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil
	}
	root := gjson.ParseBytes(body)
	shape := &ResponseShape{Type: jsonType(root)}
	if root.IsObject() {
		root.ForEach(func(key, _ gjson.Result) bool {
			shape.Fields = append(shape.Fields, key.String())
			return true
		})
	}
	return shape
}

// BuildSchema records the recursive response schema, arrays sampled by
// their first element, capped at schemaMaxDepth levels.
func BuildSchema(body []byte) *SchemaNode {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil
	}
	return schemaNode(gjson.ParseBytes(body), 1)
}

func schemaNode(v gjson.Result, depth int) *SchemaNode {
	node := &SchemaNode{Type: jsonType(v)}
	if v.Type == gjson.Null {
		node.Nullable = true
	}
	if depth >= schemaMaxDepth {
		return node
	}
	switch {
	case v.IsObject():
		node.Fields = map[string]*SchemaNode{}
		v.ForEach(func(key, val gjson.Result) bool {
			node.Fields[key.String()] = schemaNode(val, depth+1)
			return true
		})
	case v.IsArray():
		if arr := v.Array(); len(arr) > 0 {
			node.Items = schemaNode(arr[0], depth+1)
		}
	}
	return node
}

func jsonType(v gjson.Result) string {
	switch {
	case v.IsObject():
		return "object"
	case v.IsArray():
		return "array"
	case v.Type == gjson.String:
		return "string"
	case v.Type == gjson.Number:
		return "number"
	case v.Type == gjson.True, v.Type == gjson.False:
		return "boolean"
	case v.Type == gjson.Null:
		return "null"
	default:
		return "unknown"
	}
}
