package detect

import "errors"

// Compile errors. A failed compile never publishes a matcher generation.
var (
	// ErrDuplicateRuleID is returned when two rules share an id
	ErrDuplicateRuleID = errors.New("duplicate rule id")

	// ErrAmbiguousPattern is returned when two rules produce the same trie path
	ErrAmbiguousPattern = errors.New("ambiguous pattern")

	// ErrInvalidTemplate is returned when a template or condition does not compile
	ErrInvalidTemplate = errors.New("invalid template")

	// ErrInvalidRule is returned for rules whose correlation settings contradict each other
	ErrInvalidRule = errors.New("invalid rule")

	// ErrUnsupportedVersion is returned for database documents of an unknown version
	ErrUnsupportedVersion = errors.New("unsupported database version")

	// ErrEmptyDatabase is returned when a database contains no rules
	ErrEmptyDatabase = errors.New("database contains no rules")

	// ErrInvalidDocument is returned when a database document fails validation
	ErrInvalidDocument = errors.New("invalid database document")
)
