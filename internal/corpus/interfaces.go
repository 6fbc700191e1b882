package corpus

// Walker executes topology selectors against a record tree.
type Walker interface {
	// Query runs a selector (JSONPath) against root and returns the matches.
	Query(root any, selector string) ([]Match, error)
}

// Match is a single result from a query. It provides the values used to
// render path and content templates, plus the context object child
// selectors are evaluated against.
type Match interface {
	// Values returns the matched record's fields. Primitive matches are
	// wrapped under the "value" key.
	Values() map[string]any

	// Context returns the underlying object used as the root for child
	// queries.
	Context() any

	// Scalar reports whether the match is a single record rather than an
	// aggregated record set (a filter match). Directories stamped from
	// scalar matches belong to exactly one record.
	Scalar() bool
}
