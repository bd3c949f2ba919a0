package querybridge

import (
	"errors"
	"fmt"
	"sort"
)

// Conditions is the map form accepted by WhereMap. It expands into one
// sibling equality operation per key, in sorted key order, so the compiled
// output is deterministic.
type Conditions map[string]any

// Builder accumulates typed operations through one fluent method per query
// primitive. Every method normalizes its input, appends to the sequence and
// returns the same builder for chaining.
//
// The first invalid call latches an error into the builder; later calls
// become no-ops and compilation fails fast with that error. A single builder
// is not safe for concurrent mutation - Clone per logical query when sharing
// across call sites.
type Builder struct {
	source            string
	seq               *Sequence
	scopes            *ScopeRegistry
	disabledScopes    map[string]struct{}
	allGlobalDisabled bool
	err               error
}

// BuilderOption configures a Builder at construction time.
type BuilderOption func(*Builder)

// WithScopes attaches the scope registry consulted by Scope and by the
// resolver for global scope injection. The registry is owned by the
// composition root and only read at query time.
func WithScopes(registry *ScopeRegistry) BuilderOption {
	return func(b *Builder) {
		b.scopes = registry
	}
}

// New creates a Builder querying the given source (table or collection).
func New(source string, options ...BuilderOption) *Builder {
	b := &Builder{
		source:         source,
		seq:            newSequence(),
		disabledScopes: make(map[string]struct{}),
	}

	for _, option := range options {
		option(b)
	}

	if source == "" {
		b.fail(ErrEmptySourceName)
	}

	return b
}

// Source returns the table/collection this builder queries.
func (b *Builder) Source() string {
	return b.source
}

// Operations returns a copy of the accumulated operation sequence.
func (b *Builder) Operations() []Operation {
	return b.seq.Operations()
}

// Err returns the first build error latched into this builder, if any.
func (b *Builder) Err() error {
	return b.err
}

// DisabledGlobalScopes reports the per-query scope opt-outs.
func (b *Builder) DisabledGlobalScopes() (names []string, all bool) {
	for name := range b.disabledScopes {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, b.allGlobalDisabled
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}

	return b
}

func (b *Builder) append(stage Stage, opType OpType, payload any, mergeable bool) *Builder {
	if b.err != nil {
		return b
	}

	b.seq.append(newOperation(stage, opType, payload, mergeable))

	return b
}

/***** Predicates *****/

// Where appends a field/operator/value predicate. The operator must be one
// of = != <> > >= < <=; anything else fails the builder naming the token.
func (b *Builder) Where(field string, operator string, value any) *Builder {
	op, err := normalizeOperator(operator)
	if err != nil {
		return b.fail(err)
	}

	return b.append(StageFilter, OpWhere, ConditionPayload{Field: field, Operator: op, Value: value}, true)
}

// WhereMap appends one equality predicate per entry, in sorted key order.
// The sibling operations are externally equivalent to a single combined AND
// predicate.
func (b *Builder) WhereMap(conditions Conditions) *Builder {
	keys := make([]string, 0, len(conditions))
	for key := range conditions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		b.Where(key, string(OperatorEqual), conditions[key])
	}

	return b
}

// WhereNot appends the literal negation of Where(field, operator, value).
func (b *Builder) WhereNot(field string, operator string, value any) *Builder {
	op, err := normalizeOperator(operator)
	if err != nil {
		return b.fail(err)
	}

	return b.append(StageFilter, OpWhere, ConditionPayload{Field: field, Operator: op, Value: value, Negated: true}, true)
}

// OrWhere opens an OR branch: the predicates appended by fn are combined
// with OR among themselves, and the branch joins the surrounding filter
// accumulation under AND.
func (b *Builder) OrWhere(fn func(*Builder)) *Builder {
	if fn == nil {
		return b.fail(errors.Join(ErrNilCallback, errors.New("OrWhere requires a callback")))
	}
	if b.err != nil {
		return b
	}

	branch := New(b.source)
	fn(branch)
	if branch.err != nil {
		return b.fail(branch.err)
	}

	return b.append(StageFilter, OpOrGroup, OrGroupPayload{Conditions: branch.seq.Operations()}, true)
}

// WhereGroup opens a parenthesized AND branch: the predicates appended by fn
// are combined with AND among themselves and join the surrounding filter
// accumulation as one unit. Mostly useful as a branch inside OrWhere.
func (b *Builder) WhereGroup(fn func(*Builder)) *Builder {
	if fn == nil {
		return b.fail(errors.Join(ErrNilCallback, errors.New("WhereGroup requires a callback")))
	}
	if b.err != nil {
		return b
	}

	branch := New(b.source)
	fn(branch)
	if branch.err != nil {
		return b.fail(branch.err)
	}

	return b.append(StageFilter, OpAndGroup, AndGroupPayload{Conditions: branch.seq.Operations()}, true)
}

// WhereIn appends a membership predicate.
func (b *Builder) WhereIn(field string, values ...any) *Builder {
	return b.append(StageFilter, OpMembership, MembershipPayload{Field: field, Values: values}, true)
}

// WhereNotIn appends the literal negation of WhereIn.
func (b *Builder) WhereNotIn(field string, values ...any) *Builder {
	return b.append(StageFilter, OpMembership, MembershipPayload{Field: field, Values: values, Negated: true}, true)
}

// WhereNull matches records whose field is null.
func (b *Builder) WhereNull(field string) *Builder {
	return b.append(StageFilter, OpNullCheck, NullPayload{Field: field}, true)
}

// WhereNotNull matches records whose field is not null.
func (b *Builder) WhereNotNull(field string) *Builder {
	return b.append(StageFilter, OpNullCheck, NullPayload{Field: field, Negated: true}, true)
}

// WhereBetween matches values in [low, high], inclusive on both ends.
func (b *Builder) WhereBetween(field string, low, high any) *Builder {
	return b.append(StageFilter, OpRange, RangePayload{Field: field, Low: low, High: high}, true)
}

// WhereNotBetween is the literal negation of WhereBetween.
func (b *Builder) WhereNotBetween(field string, low, high any) *Builder {
	return b.append(StageFilter, OpRange, RangePayload{Field: field, Low: low, High: high, Negated: true}, true)
}

// WhereLike matches against a pattern with SQL-style % and _ wildcards.
func (b *Builder) WhereLike(field string, pattern string) *Builder {
	return b.append(StageFilter, OpPattern, PatternPayload{Field: field, Pattern: pattern, Kind: PatternLike}, true)
}

// WhereNotLike is the literal negation of WhereLike.
func (b *Builder) WhereNotLike(field string, pattern string) *Builder {
	return b.append(StageFilter, OpPattern, PatternPayload{Field: field, Pattern: pattern, Kind: PatternLike, Negated: true}, true)
}

// WhereStartsWith matches values beginning with prefix. The prefix is taken
// literally; each compiler anchors and escapes it natively.
func (b *Builder) WhereStartsWith(field string, prefix string) *Builder {
	return b.append(StageFilter, OpPattern, PatternPayload{Field: field, Pattern: prefix, Kind: PatternPrefix}, true)
}

// WhereEndsWith matches values ending with suffix, taken literally.
func (b *Builder) WhereEndsWith(field string, suffix string) *Builder {
	return b.append(StageFilter, OpPattern, PatternPayload{Field: field, Pattern: suffix, Kind: PatternSuffix}, true)
}

// WhereColumn compares two columns/fields of the queried source.
func (b *Builder) WhereColumn(field string, operator string, other string) *Builder {
	op, err := normalizeOperator(operator)
	if err != nil {
		return b.fail(err)
	}

	return b.append(StageFilter, OpColumnCompare, ColumnPayload{Field: field, Operator: op, Other: other}, true)
}

// WhereYear extracts the year of a date field before comparing.
func (b *Builder) WhereYear(field string, operator string, year int) *Builder {
	return b.whereDatePart(field, UnitYear, operator, year)
}

// WhereMonth extracts the month (1-12) of a date field before comparing.
func (b *Builder) WhereMonth(field string, operator string, month int) *Builder {
	return b.whereDatePart(field, UnitMonth, operator, month)
}

// WhereDay extracts the day of month of a date field before comparing.
func (b *Builder) WhereDay(field string, operator string, day int) *Builder {
	return b.whereDatePart(field, UnitDay, operator, day)
}

func (b *Builder) whereDatePart(field string, unit DateUnit, operator string, value int) *Builder {
	op, err := normalizeOperator(operator)
	if err != nil {
		return b.fail(err)
	}

	return b.append(StageFilter, OpDatePart, DatePartPayload{Field: field, Unit: unit, Operator: op, Value: value}, true)
}

// WhereArrayContains matches records whose array field contains all the
// given values.
func (b *Builder) WhereArrayContains(field string, values ...any) *Builder {
	return b.append(StageFilter, OpArray, ArrayPayload{Field: field, Kind: ArrayContains, Values: values}, true)
}

// WhereArrayLength compares the length of an array field.
func (b *Builder) WhereArrayLength(field string, operator string, length int) *Builder {
	op, err := normalizeOperator(operator)
	if err != nil {
		return b.fail(err)
	}

	return b.append(StageFilter, OpArray, ArrayPayload{Field: field, Kind: ArrayLength, Operator: op, Length: length}, true)
}

// WhereFieldExists matches records that carry the field at all.
func (b *Builder) WhereFieldExists(field string) *Builder {
	return b.append(StageFilter, OpFieldPresence, FieldPresencePayload{Field: field}, true)
}

// WhereFieldMissing matches records that do not carry the field.
func (b *Builder) WhereFieldMissing(field string) *Builder {
	return b.append(StageFilter, OpFieldPresence, FieldPresencePayload{Field: field, Negated: true}, true)
}

// WhereExists appends a correlated existence predicate over another source.
// The callback builds the subquery; correlation is expressed with
// WhereColumn using qualified names.
func (b *Builder) WhereExists(source string, fn func(*Builder)) *Builder {
	return b.whereSubquery(source, fn, false)
}

// WhereNotExists is the literal negation of WhereExists.
func (b *Builder) WhereNotExists(source string, fn func(*Builder)) *Builder {
	return b.whereSubquery(source, fn, true)
}

func (b *Builder) whereSubquery(source string, fn func(*Builder), negated bool) *Builder {
	if fn == nil {
		return b.fail(errors.Join(ErrNilCallback, errors.New("WhereExists requires a callback")))
	}
	if b.err != nil {
		return b
	}

	sub := New(source)
	fn(sub)
	if sub.err != nil {
		return b.fail(sub.err)
	}

	return b.append(StageFilter, OpSubquery, SubqueryPayload{Source: source, Sub: sub, Negated: negated}, false)
}

// WhereText appends a full-text search predicate on a field.
func (b *Builder) WhereText(field string, phrase string) *Builder {
	return b.append(StageFilter, OpText, TextPayload{Field: field, Phrase: phrase}, true)
}

// WhereID matches the backend's canonical identifier ("id" relational,
// "_id" document).
func (b *Builder) WhereID(id any) *Builder {
	return b.append(StageFilter, OpIdentifier, IdentifierPayload{IDs: []any{id}}, true)
}

// WhereIDs matches any of the given canonical identifiers.
func (b *Builder) WhereIDs(ids ...any) *Builder {
	return b.append(StageFilter, OpIdentifier, IdentifierPayload{IDs: ids}, true)
}

/***** Projection *****/

// Select adds the given fields to the projected field set. Repeated calls
// merge by field union, so Select never discards fields selected earlier.
func (b *Builder) Select(fields ...string) *Builder {
	return b.append(StageProjection, OpSelect, ProjectionPayload{Fields: fields}, true)
}

// AddSelect is a readability alias for Select when extending an existing
// projection.
func (b *Builder) AddSelect(fields ...string) *Builder {
	return b.Select(fields...)
}

// Distinct marks the projection as distinct.
func (b *Builder) Distinct() *Builder {
	return b.append(StageProjection, OpDistinct, DistinctPayload{}, false)
}

/***** Ordering *****/

// OrderBy appends one ordering key. Adjacent sort operations compose into a
// single multi-key ordering: the first call is primary.
func (b *Builder) OrderBy(field string, direction Direction) *Builder {
	if direction != Ascending && direction != Descending {
		return b.fail(errors.Join(ErrUnsupportedOperator, fmt.Errorf("sort direction: %q", direction)))
	}

	return b.append(StageSort, OpSort, SortPayload{Field: field, Direction: direction}, true)
}

// OrderByDesc is shorthand for OrderBy(field, Descending).
func (b *Builder) OrderByDesc(field string) *Builder {
	return b.OrderBy(field, Descending)
}

/***** Grouping *****/

// GroupBy opens a new aggregation boundary keyed by the given fields.
func (b *Builder) GroupBy(fields ...string) *Builder {
	return b.append(StageGrouping, OpGroup, GroupPayload{Fields: fields}, false)
}

// Aggregate attaches an aggregate to the open aggregation boundary. Field is
// empty only for count.
func (b *Builder) Aggregate(fn AggregateFn, field string, alias string) *Builder {
	agg := Aggregate{Fn: fn, Field: field, Alias: alias}
	if err := agg.validate(); err != nil {
		return b.fail(err)
	}

	return b.append(StageGrouping, OpAggregate, agg, true)
}

// Having filters post-aggregation groups, never pre-aggregation rows.
// Target names an aggregate alias, the pseudo-aggregate "count", or a
// grouping field.
func (b *Builder) Having(target string, operator string, value any) *Builder {
	op, err := normalizeOperator(operator)
	if err != nil {
		return b.fail(err)
	}

	return b.append(StageGrouping, OpHaving, HavingPayload{Target: target, Operator: op, Value: value}, true)
}

/***** Pagination *****/

// Limit caps the number of returned records.
func (b *Builder) Limit(count uint) *Builder {
	return b.append(StagePagination, OpLimit, LimitPayload{Count: count}, false)
}

// Offset skips the given number of leading records.
func (b *Builder) Offset(count uint) *Builder {
	return b.append(StagePagination, OpOffset, OffsetPayload{Count: count}, false)
}

// ForPage is shorthand for Offset((page-1)*perPage).Limit(perPage). Pages
// are 1-based.
func (b *Builder) ForPage(page uint, perPage uint) *Builder {
	if page < 1 {
		page = 1
	}

	return b.Offset((page - 1) * perPage).Limit(perPage)
}

/***** Joins *****/

// Join appends a join of the given kind, matching local and foreign fields
// with the given operator. Joins are never mergeable and always emit a
// dedicated native clause/stage.
func (b *Builder) Join(kind JoinKind, source string, localField string, operator string, foreignField string) *Builder {
	if err := validateJoinKind(kind); err != nil {
		return b.fail(err)
	}

	op, err := normalizeOperator(operator)
	if err != nil {
		return b.fail(err)
	}

	payload := JoinPayload{Kind: kind, Source: source, LocalField: localField, Operator: op, ForeignField: foreignField}

	return b.append(StageJoin, OpJoin, payload, false)
}

// InnerJoin is shorthand for Join(JoinInner, ...).
func (b *Builder) InnerJoin(source string, localField string, operator string, foreignField string) *Builder {
	return b.Join(JoinInner, source, localField, operator, foreignField)
}

// LeftJoin is shorthand for Join(JoinLeft, ...).
func (b *Builder) LeftJoin(source string, localField string, operator string, foreignField string) *Builder {
	return b.Join(JoinLeft, source, localField, operator, foreignField)
}

// RightJoin is shorthand for Join(JoinRight, ...).
func (b *Builder) RightJoin(source string, localField string, operator string, foreignField string) *Builder {
	return b.Join(JoinRight, source, localField, operator, foreignField)
}

// FullJoin is shorthand for Join(JoinFull, ...).
func (b *Builder) FullJoin(source string, localField string, operator string, foreignField string) *Builder {
	return b.Join(JoinFull, source, localField, operator, foreignField)
}

// CrossJoin appends a cross join; it carries no join condition.
func (b *Builder) CrossJoin(source string) *Builder {
	return b.append(StageJoin, OpJoin, JoinPayload{Kind: JoinCross, Source: source}, false)
}

// JoinSub joins the result of a nested builder, compiled recursively via the
// same algorithm, with alias naming the joined-in result.
func (b *Builder) JoinSub(kind JoinKind, source string, alias string, fn func(*Builder), localField string, operator string, foreignField string) *Builder {
	if fn == nil {
		return b.fail(errors.Join(ErrNilCallback, errors.New("JoinSub requires a callback")))
	}

	if err := validateJoinKind(kind); err != nil {
		return b.fail(err)
	}

	op, err := normalizeOperator(operator)
	if err != nil {
		return b.fail(err)
	}

	if b.err != nil {
		return b
	}

	sub := New(source)
	fn(sub)
	if sub.err != nil {
		return b.fail(sub.err)
	}

	payload := JoinPayload{
		Kind:         kind,
		Source:       source,
		Alias:        alias,
		LocalField:   localField,
		Operator:     op,
		ForeignField: foreignField,
		Sub:          sub,
	}

	return b.append(StageJoin, OpJoin, payload, false)
}

/***** Control flow *****/

// When evaluates the condition once, synchronously, at build time and
// invokes exactly one branch with the builder. This is structural branching,
// never deferred.
func (b *Builder) When(condition bool, then func(*Builder), otherwise ...func(*Builder)) *Builder {
	if b.err != nil {
		return b
	}

	if condition {
		if then != nil {
			then(b)
		}
		return b
	}

	if len(otherwise) > 0 && otherwise[0] != nil {
		otherwise[0](b)
	}

	return b
}

// Tap invokes fn with the builder and returns the builder, for inspection or
// side effects mid-chain.
func (b *Builder) Tap(fn func(*Builder)) *Builder {
	if b.err != nil || fn == nil {
		return b
	}

	fn(b)

	return b
}

/***** Scopes *****/

// Scope invokes the named local scopes immediately, as ordinary builder
// mutations. It fails with ErrNoLocalScopes when no local scopes were
// registered at all, and with ErrScopeNotFound when a name is absent.
func (b *Builder) Scope(names ...string) *Builder {
	if b.err != nil {
		return b
	}

	if b.scopes == nil || !b.scopes.HasLocalScopes() {
		return b.fail(errors.Join(ErrNoLocalScopes, fmt.Errorf("cannot invoke scopes %v", names)))
	}

	for _, name := range names {
		fn, found := b.scopes.LocalScope(name)
		if !found {
			return b.fail(errors.Join(ErrScopeNotFound, fmt.Errorf("scope: %q", name)))
		}

		fn(b)
		if b.err != nil {
			return b
		}
	}

	return b
}

// WithoutGlobalScope suppresses the named global scope for this query only.
func (b *Builder) WithoutGlobalScope(name string) *Builder {
	if b.err != nil {
		return b
	}

	b.disabledScopes[name] = struct{}{}

	return b
}

// WithoutGlobalScopes suppresses all global scopes for this query.
func (b *Builder) WithoutGlobalScopes() *Builder {
	if b.err != nil {
		return b
	}

	b.allGlobalDisabled = true

	return b
}

/***** Escape hatch *****/

// Raw appends a native fragment for cases the algebra cannot express. The
// payload type is backend-specific (a SQL fragment for the relational
// compiler, a pipeline stage document for the document compiler); using Raw
// forfeits mergeability and ordering guarantees for that portion.
func (b *Builder) Raw(stage Stage, payload any) *Builder {
	return b.append(stage, OpRaw, RawPayload{Value: payload}, false)
}

/***** Cloning and derivation *****/

// Clone returns a builder with an independent deep copy of the sequence and
// all per-builder mutable state. Mutating the clone never affects the
// source. The scope registry is shared; it is read-only at query time.
func (b *Builder) Clone() *Builder {
	disabled := make(map[string]struct{}, len(b.disabledScopes))
	for name := range b.disabledScopes {
		disabled[name] = struct{}{}
	}

	return &Builder{
		source:            b.source,
		seq:               b.seq.Clone(),
		scopes:            b.scopes,
		disabledScopes:    disabled,
		allGlobalDisabled: b.allGlobalDisabled,
		err:               b.err,
	}
}

// ForCount derives the builder a count query compiles from: the same
// predicate, join and grouping operations with projection, ordering and
// pagination stripped.
func (b *Builder) ForCount() *Builder {
	stripped := b.Clone()
	stripped.seq = newSequence()

	for _, op := range b.seq.Operations() {
		switch op.Stage() {
		case StageProjection, StageSort, StagePagination:
			continue
		default:
			stripped.seq.append(op.clone())
		}
	}

	return stripped
}

/***** Normalization helpers *****/

func normalizeOperator(operator string) (Operator, error) {
	switch operator {
	case "=", "==":
		return OperatorEqual, nil
	case "!=", "<>":
		return OperatorNotEqual, nil
	case ">":
		return OperatorGreater, nil
	case ">=":
		return OperatorGreaterOrEqual, nil
	case "<":
		return OperatorLess, nil
	case "<=":
		return OperatorLessOrEqual, nil
	default:
		return "", errors.Join(ErrUnsupportedOperator, fmt.Errorf("operator: %q", operator))
	}
}

func validateJoinKind(kind JoinKind) error {
	switch kind {
	case JoinInner, JoinLeft, JoinRight, JoinFull, JoinCross:
		return nil
	default:
		return errors.Join(ErrUnknownJoinKind, fmt.Errorf("join kind: %q", kind))
	}
}
