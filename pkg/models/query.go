package models

// FilterDescriptor is the wire shape of a filter: attribute name to a map of
// operator to operand. The reserved top-level "or" key holds a list of
// descriptors combined with logical OR; everything else is AND.
type FilterDescriptor map[string]any

// Query describes one read of a table's cache.
type Query struct {
	Filter    FilterDescriptor
	Calculate string
	GroupBy   string
}

// TableData is the result of a query: element ID (raw queries) or group key
// (aggregated queries) to an attribute name/value map.
type TableData map[string]map[string]any
