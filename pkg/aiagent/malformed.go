package aiagent

import "regexp"

// MalformedResponseCategory is the closed classification for a terminally
// malformed AI response, assigned by regex precedence on the error
// message per §4.5 step 6.
type MalformedResponseCategory string

const (
	CategorySemanticViolation        MalformedResponseCategory = "semantic_violation"
	CategoryInvalidEnumValue         MalformedResponseCategory = "invalid_enum_value"
	CategoryStructuralInconsistency  MalformedResponseCategory = "structural_inconsistency"
	CategorySchemaParseError         MalformedResponseCategory = "schema_parse_error"
	CategoryEmptyResponse            MalformedResponseCategory = "empty_response"
)

// repairablePattern gates the single-shot repair loop per §4.5 step 5: the
// error message must match one of these before a repair is attempted.
var repairablePattern = regexp.MustCompile(`(?i)Semantic validation failed|Error parsing|schema`)

var (
	semanticViolationPattern       = regexp.MustCompile(`(?i)semantic validation failed`)
	invalidEnumPattern             = regexp.MustCompile(`(?i)enum|must be one of`)
	structuralInconsistencyPattern = regexp.MustCompile(`(?i)depends on|self-dependency|self-loop|concurrencyLimit|priority`)
	schemaParseErrorPattern        = regexp.MustCompile(`(?i)error parsing|schema validation failed|schema parse error`)
	emptyResponsePattern           = regexp.MustCompile(`(?i)empty response`)
)

// ClassifyMalformed assigns a MalformedResponseCategory to a terminal
// adapter failure by fixed regex precedence, so classification is
// deterministic given the same error message.
func ClassifyMalformed(err error) MalformedResponseCategory {
	if err == nil {
		return CategorySchemaParseError
	}
	msg := err.Error()
	switch {
	case semanticViolationPattern.MatchString(msg) && structuralInconsistencyPattern.MatchString(msg):
		return CategoryStructuralInconsistency
	case semanticViolationPattern.MatchString(msg):
		return CategorySemanticViolation
	case invalidEnumPattern.MatchString(msg):
		return CategoryInvalidEnumValue
	case emptyResponsePattern.MatchString(msg):
		return CategoryEmptyResponse
	case schemaParseErrorPattern.MatchString(msg):
		return CategorySchemaParseError
	default:
		return CategorySchemaParseError
	}
}
