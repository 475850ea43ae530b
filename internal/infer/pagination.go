package infer

import "strings"

// Pagination describes how an endpoint pages through results.
type Pagination struct {
	Type       string `json:"type"`
	ParamName  string `json:"paramName"`
	LimitParam string `json:"limitParam,omitempty"`
}

// Pagination styles, in precedence order.
const (
	PaginationOffset = "offset"
	PaginationCursor = "cursor"
	PaginationPage   = "page"
)

var (
	offsetParams = map[string]bool{"offset": true, "skip": true}
	cursorParams = map[string]bool{"cursor": true, "after": true, "before": true, "next_cursor": true, "starting_after": true}
	pageParams   = map[string]bool{"page": true, "p": true, "page_number": true}
	limitParams  = map[string]bool{"limit": true, "per_page": true, "page_size": true, "count": true, "size": true}
)

// DetectPagination classifies pagination from observed query-parameter
// names, case-insensitively. Offset wins over cursor wins over page;
// a limit-style parameter alone is not pagination.
func DetectPagination(paramNames []string) *Pagination {
	var offsetName, cursorName, pageName, limitName string
	for _, name := range paramNames {
		lower := strings.ToLower(name)
		switch {
		case offsetParams[lower] && offsetName == "":
			offsetName = name
		case cursorParams[lower] && cursorName == "":
			cursorName = name
		case pageParams[lower] && pageName == "":
			pageName = name
		case limitParams[lower] && limitName == "":
			limitName = name
		}
	}

	p := &Pagination{LimitParam: limitName}
	switch {
	case offsetName != "":
		p.Type, p.ParamName = PaginationOffset, offsetName
	case cursorName != "":
		p.Type, p.ParamName = PaginationCursor, cursorName
	case pageName != "":
		p.Type, p.ParamName = PaginationPage, pageName
	default:
		return nil
	}
	return p
}
