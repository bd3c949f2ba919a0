package querybridge

/***** Stage *****/

// Stage identifies the clause family an Operation belongs to. Compilers keep
// one open native stage per Stage and decide merging based on it.
type Stage uint8

const (
	StageFilter Stage = iota + 1
	StageProjection
	StageSort
	StageGrouping
	StageJoin
	StagePagination
	StageOther
)

// String returns a human-readable stage name, used in error messages.
func (s Stage) String() string {
	switch s {
	case StageFilter:
		return "filter"
	case StageProjection:
		return "projection"
	case StageSort:
		return "sort"
	case StageGrouping:
		return "grouping"
	case StageJoin:
		return "join"
	case StagePagination:
		return "pagination"
	case StageOther:
		return "other"
	default:
		return "unknown"
	}
}

/***** OpType *****/

// OpType identifies the builder call that produced an Operation.
type OpType string

const (
	OpWhere         OpType = "where"
	OpOrGroup       OpType = "or_group"
	OpAndGroup      OpType = "and_group"
	OpMembership    OpType = "membership"
	OpNullCheck     OpType = "null_check"
	OpRange         OpType = "range"
	OpPattern       OpType = "pattern"
	OpColumnCompare OpType = "column_compare"
	OpDatePart      OpType = "date_part"
	OpArray         OpType = "array"
	OpFieldPresence OpType = "field_presence"
	OpSubquery      OpType = "subquery"
	OpText          OpType = "text"
	OpIdentifier    OpType = "identifier"
	OpSelect        OpType = "select"
	OpDistinct      OpType = "distinct"
	OpSort          OpType = "sort"
	OpGroup         OpType = "group"
	OpAggregate     OpType = "aggregate"
	OpHaving        OpType = "having"
	OpLimit         OpType = "limit"
	OpOffset        OpType = "offset"
	OpJoin          OpType = "join"
	OpRaw           OpType = "raw"
)

/***** Operation *****/

// Operation is one atomic unit of query intent in the common algebra.
//
// Operations are created only by Builder calls and scope application and are
// never mutated after insertion. The payload is a typed struct specific to
// the OpType; compilers type-switch on it.
type Operation struct {
	stage     Stage
	opType    OpType
	payload   any
	mergeable bool
}

func newOperation(stage Stage, opType OpType, payload any, mergeable bool) Operation {
	return Operation{stage: stage, opType: opType, payload: payload, mergeable: mergeable}
}

// Stage returns the clause family this operation targets.
func (o Operation) Stage() Stage {
	return o.stage
}

// Type returns the operation type.
func (o Operation) Type() OpType {
	return o.opType
}

// Payload returns the type-specific payload.
func (o Operation) Payload() any {
	return o.payload
}

// Mergeable reports whether this operation may coalesce with an adjacent
// operation of the same stage.
func (o Operation) Mergeable() bool {
	return o.mergeable
}

func (o Operation) clone() Operation {
	o.payload = clonePayload(o.payload)
	return o
}

/***** Sequence *****/

// Sequence is the ordered list of operations exclusively owned by one
// Builder. Cloning deep-copies every payload so mutations on a clone never
// affect the original.
type Sequence struct {
	ops []Operation
}

func newSequence() *Sequence {
	return &Sequence{}
}

func (s *Sequence) append(op Operation) {
	s.ops = append(s.ops, op)
}

// Operations returns the operations in insertion order. The returned slice
// is a copy; the sequence itself stays owned by its builder.
func (s *Sequence) Operations() []Operation {
	out := make([]Operation, len(s.ops))
	copy(out, s.ops)
	return out
}

// Len returns the number of operations in the sequence.
func (s *Sequence) Len() int {
	return len(s.ops)
}

// Clone returns an independent deep copy of the sequence.
func (s *Sequence) Clone() *Sequence {
	cloned := &Sequence{ops: make([]Operation, len(s.ops))}
	for i, op := range s.ops {
		cloned.ops[i] = op.clone()
	}

	return cloned
}
