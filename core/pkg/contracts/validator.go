package contracts

// ValidationIssue is one problem found in an event payload.
type ValidationIssue struct {
	Field   string
	Message string
}

// Validator is the schema-registry seam. When configured, the bus calls
// Validate before publish; the registry's internals stay external.
type Validator interface {
	// Validate checks data against the schema registered for (eventType,
	// version). version 0 means latest.
	Validate(eventType string, version int, data map[string]any) (bool, []ValidationIssue)
}
