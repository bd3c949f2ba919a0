package querybridge

import "slices"

/***** Shared payload vocabulary *****/

// Operator is a normalized comparison operator. Builders validate caller
// input against this set; compilers translate it to native syntax.
type Operator string

const (
	OperatorEqual          Operator = "="
	OperatorNotEqual       Operator = "!="
	OperatorGreater        Operator = ">"
	OperatorGreaterOrEqual Operator = ">="
	OperatorLess           Operator = "<"
	OperatorLessOrEqual    Operator = "<="
)

// Direction is a sort direction.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// DateUnit is the calendar unit a date-part predicate extracts before
// comparing.
type DateUnit string

const (
	UnitYear  DateUnit = "year"
	UnitMonth DateUnit = "month"
	UnitDay   DateUnit = "day"
)

// PatternKind distinguishes the desugared shape of pattern predicates.
type PatternKind uint8

const (
	PatternLike PatternKind = iota + 1
	PatternPrefix
	PatternSuffix
)

// JoinKind selects the join clause a JoinPayload compiles into.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
	JoinRight JoinKind = "right"
	JoinFull  JoinKind = "full"
	JoinCross JoinKind = "cross"
)

// ArrayPredicateKind distinguishes array containment from array length.
type ArrayPredicateKind uint8

const (
	ArrayContains ArrayPredicateKind = iota + 1
	ArrayLength
)

/***** Payloads *****/

// ConditionPayload is a single field/operator/value comparison. Field,
// operator and value are stored verbatim, unescaped, until compile time.
// Negated wraps the whole comparison in a literal NOT.
type ConditionPayload struct {
	Field    string
	Operator Operator
	Value    any
	Negated  bool
}

// OrGroupPayload holds the operations of an OR branch. The conditions inside
// the group are combined with OR; the group as a whole joins the surrounding
// filter accumulation under AND.
type OrGroupPayload struct {
	Conditions []Operation
}

// AndGroupPayload holds the operations of a parenthesized AND branch.
type AndGroupPayload struct {
	Conditions []Operation
}

// MembershipPayload is an IN / NOT IN predicate.
type MembershipPayload struct {
	Field   string
	Values  []any
	Negated bool
}

// NullPayload is an IS NULL / IS NOT NULL predicate.
type NullPayload struct {
	Field   string
	Negated bool
}

// RangePayload is a between predicate, inclusive on both ends. Negated is
// the literal negation of the inclusive range.
type RangePayload struct {
	Field   string
	Low     any
	High    any
	Negated bool
}

// PatternPayload is a pattern-match predicate. For PatternLike the pattern
// uses SQL-style % and _ wildcards; prefix/suffix helpers desugar into their
// own kinds at build time and each compiler picks its native anchoring.
type PatternPayload struct {
	Field   string
	Pattern string
	Kind    PatternKind
	Negated bool
}

// ColumnPayload compares two columns/fields of the queried source.
type ColumnPayload struct {
	Field    string
	Operator Operator
	Other    string
}

// DatePartPayload extracts a calendar unit from Field and compares it to
// Value.
type DatePartPayload struct {
	Field    string
	Unit     DateUnit
	Operator Operator
	Value    int
}

// ArrayPayload is an array/JSON predicate: containment of Values, or a
// length comparison against Length.
type ArrayPayload struct {
	Field    string
	Kind     ArrayPredicateKind
	Values   []any
	Operator Operator
	Length   int
}

// FieldPresencePayload tests whether a field/column carries a value at all.
type FieldPresencePayload struct {
	Field   string
	Negated bool
}

// SubqueryPayload is a correlated existence predicate. Sub is compiled
// recursively by the same compiler that compiles the outer sequence.
type SubqueryPayload struct {
	Source  string
	Sub     *Builder
	Negated bool
}

// TextPayload is a full-text search predicate.
type TextPayload struct {
	Field  string
	Phrase string
}

// IdentifierPayload matches the backend's canonical identifier column. The
// column name is resolved per backend at compile time.
type IdentifierPayload struct {
	IDs []any
}

// ProjectionPayload lists fields to project. Adjacent projections merge by
// field union.
type ProjectionPayload struct {
	Fields []string
}

// DistinctPayload marks the projection as distinct.
type DistinctPayload struct{}

// SortPayload is one ordering key. Adjacent sort operations compose into one
// multi-key ordering, first operation primary.
type SortPayload struct {
	Field     string
	Direction Direction
}

// GroupPayload opens a new aggregation boundary keyed by Fields. Grouping
// operations are never mergeable with each other.
type GroupPayload struct {
	Fields []string
}

// HavingPayload filters post-aggregation groups. Target names an aggregate
// alias, the pseudo-aggregate "count", or a grouping field.
type HavingPayload struct {
	Target   string
	Operator Operator
	Value    any
}

// LimitPayload caps the result size.
type LimitPayload struct {
	Count uint
}

// OffsetPayload skips leading results.
type OffsetPayload struct {
	Count uint
}

// JoinPayload joins another source. When Sub is non-nil, the joined-in
// result is the recursively compiled sub-builder, named by Alias.
type JoinPayload struct {
	Kind         JoinKind
	Source       string
	Alias        string
	LocalField   string
	Operator     Operator
	ForeignField string
	Sub          *Builder
}

// RawPayload grants escape-hatch access to the native form. Raw operations
// are never mergeable and forfeit ordering guarantees for their portion.
type RawPayload struct {
	Value any
}

/***** Deep copy *****/

// clonePayload deep-copies payloads that hold slices or nested builders so a
// cloned sequence never aliases its source.
func clonePayload(payload any) any {
	switch p := payload.(type) {
	case OrGroupPayload:
		conditions := make([]Operation, len(p.Conditions))
		for i, op := range p.Conditions {
			conditions[i] = op.clone()
		}
		p.Conditions = conditions
		return p

	case AndGroupPayload:
		conditions := make([]Operation, len(p.Conditions))
		for i, op := range p.Conditions {
			conditions[i] = op.clone()
		}
		p.Conditions = conditions
		return p

	case MembershipPayload:
		p.Values = slices.Clone(p.Values)
		return p

	case ArrayPayload:
		p.Values = slices.Clone(p.Values)
		return p

	case IdentifierPayload:
		p.IDs = slices.Clone(p.IDs)
		return p

	case ProjectionPayload:
		p.Fields = slices.Clone(p.Fields)
		return p

	case GroupPayload:
		p.Fields = slices.Clone(p.Fields)
		return p

	case SubqueryPayload:
		if p.Sub != nil {
			p.Sub = p.Sub.Clone()
		}
		return p

	case JoinPayload:
		if p.Sub != nil {
			p.Sub = p.Sub.Clone()
		}
		return p

	default:
		return payload
	}
}
