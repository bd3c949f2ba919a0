package postgresengine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect import
	"github.com/doug-martin/goqu/v9/exp"
	jsoniter "github.com/json-iterator/go"

	"github.com/querybridge/querybridge-go/querybridge"
)

const (
	dialectPostgres  = "postgres"
	identifierColumn = "id"
	countAlias       = "count"
	groupedSubAlias  = "grouped"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CompiledQuery is the terminal artifact of the relational compiler: SQL
// text plus positional bindings in appearance order. It is immutable once
// produced and deterministic given an identical operation sequence.
type CompiledQuery struct {
	SQL  string
	Args []any
}

// RawFragment is the payload type the relational compiler accepts from
// Builder.Raw: a native SQL fragment with optional ? placeholders bound to
// Args. A plain string payload is accepted as a fragment without bindings.
type RawFragment struct {
	Fragment string
	Args     []any
}

// Compile resolves scopes and compiles the builder's operation sequence into
// parameterized SQL. It walks the sequence once, in order; adjacent
// mergeable filter operations accumulate under AND.
func Compile(b *querybridge.Builder) (CompiledQuery, error) {
	resolved, err := querybridge.ApplyScopes(b)
	if err != nil {
		return CompiledQuery{}, err
	}

	ds, err := buildDataset(resolved)
	if err != nil {
		return CompiledQuery{}, err
	}

	return datasetToSQL(ds)
}

// CompileCount compiles a count query from the same predicate operations
// with projection, ordering and pagination stripped. A grouped query counts
// its post-aggregation groups.
func CompileCount(b *querybridge.Builder) (CompiledQuery, error) {
	resolved, err := querybridge.ApplyScopes(b.ForCount())
	if err != nil {
		return CompiledQuery{}, err
	}

	ds, err := buildDataset(resolved)
	if err != nil {
		return CompiledQuery{}, err
	}

	if sequenceHasGrouping(resolved) {
		ds = goqu.Dialect(dialectPostgres).
			From(ds.As(groupedSubAlias)).
			Select(goqu.COUNT(goqu.Star()).As(countAlias))
	} else {
		ds = ds.Select(goqu.COUNT(goqu.Star()).As(countAlias))
	}

	return datasetToSQL(ds)
}

func datasetToSQL(ds *goqu.SelectDataset) (CompiledQuery, error) {
	sqlText, args, toSQLErr := ds.Prepared(true).ToSQL()
	if toSQLErr != nil {
		return CompiledQuery{}, errors.Join(querybridge.ErrBuildingQueryFailed, toSQLErr)
	}

	return CompiledQuery{SQL: sqlText, Args: args}, nil
}

func sequenceHasGrouping(b *querybridge.Builder) bool {
	for _, op := range b.Operations() {
		if op.Stage() == querybridge.StageGrouping && op.Type() == querybridge.OpGroup {
			return true
		}
	}

	return false
}

// comparableExpression is the subset of goqu expression methods shared by
// identifiers, literals and SQL functions.
type comparableExpression interface {
	Eq(val any) exp.BooleanExpression
	Neq(val any) exp.BooleanExpression
	Gt(val any) exp.BooleanExpression
	Gte(val any) exp.BooleanExpression
	Lt(val any) exp.BooleanExpression
	Lte(val any) exp.BooleanExpression
}

type queryParts struct {
	selectFields []string
	distinct     bool
	where        []exp.Expression
	order        []exp.OrderedExpression
	groupFields  []string
	grouped      bool
	aggregates   []querybridge.Aggregate
	having       []querybridge.HavingPayload
	joins        []querybridge.JoinPayload
	limit        *uint
	offset       *uint
}

// buildDataset walks the operation sequence once, in order, and folds it
// into a goqu dataset. Nested builders (joins, correlated subqueries)
// compile recursively through the same function.
func buildDataset(b *querybridge.Builder) (*goqu.SelectDataset, error) {
	parts := queryParts{}

	for _, op := range b.Operations() {
		if err := foldOperation(&parts, op); err != nil {
			return nil, err
		}
	}

	ds := goqu.Dialect(dialectPostgres).From(b.Source())

	for _, join := range parts.joins {
		joined, joinErr := applyJoin(ds, join)
		if joinErr != nil {
			return nil, joinErr
		}
		ds = joined
	}

	if len(parts.where) > 0 {
		ds = ds.Where(parts.where...)
	}

	selectVals, selectErr := parts.selectValues()
	if selectErr != nil {
		return nil, selectErr
	}
	if len(selectVals) > 0 {
		ds = ds.Select(selectVals...)
	}

	if parts.distinct {
		ds = ds.Distinct()
	}

	if len(parts.groupFields) > 0 {
		groupVals := make([]any, len(parts.groupFields))
		for i, field := range parts.groupFields {
			groupVals[i] = goqu.I(field)
		}
		ds = ds.GroupBy(groupVals...)
	}

	havingExprs, havingErr := parts.havingExpressions()
	if havingErr != nil {
		return nil, havingErr
	}
	if len(havingExprs) > 0 {
		ds = ds.Having(havingExprs...)
	}

	if len(parts.order) > 0 {
		ds = ds.Order(parts.order...)
	}

	if parts.limit != nil {
		if *parts.limit == 0 {
			// goqu treats Limit(0) as clearing the clause; a zero limit must
			// select nothing, so it compiles to a contradictory predicate.
			ds = ds.Where(goqu.L("1 = 0"))
		} else {
			ds = ds.Limit(*parts.limit)
		}
	}

	if parts.offset != nil {
		ds = ds.Offset(*parts.offset)
	}

	return ds, nil
}

//nolint:cyclop
func foldOperation(parts *queryParts, op querybridge.Operation) error {
	switch op.Stage() {
	case querybridge.StageFilter:
		expr, err := filterExpression(op)
		if err != nil {
			return err
		}
		parts.where = append(parts.where, expr)
		return nil

	case querybridge.StageProjection:
		return parts.foldProjection(op)

	case querybridge.StageSort:
		payload := op.Payload().(querybridge.SortPayload)
		ordered := goqu.I(payload.Field).Asc()
		if payload.Direction == querybridge.Descending {
			ordered = goqu.I(payload.Field).Desc()
		}
		parts.order = append(parts.order, ordered)
		return nil

	case querybridge.StageGrouping:
		return parts.foldGrouping(op)

	case querybridge.StageJoin:
		parts.joins = append(parts.joins, op.Payload().(querybridge.JoinPayload))
		return nil

	case querybridge.StagePagination:
		switch payload := op.Payload().(type) {
		case querybridge.LimitPayload:
			parts.limit = &payload.Count
		case querybridge.OffsetPayload:
			parts.offset = &payload.Count
		}
		return nil

	default:
		return errors.Join(
			querybridge.ErrUnrepresentableOperation,
			fmt.Errorf("stage %q carries no SQL clause", op.Stage()),
		)
	}
}

func (parts *queryParts) foldProjection(op querybridge.Operation) error {
	switch payload := op.Payload().(type) {
	case querybridge.ProjectionPayload:
		for _, field := range payload.Fields {
			if !contains(parts.selectFields, field) {
				parts.selectFields = append(parts.selectFields, field)
			}
		}
		return nil

	case querybridge.DistinctPayload:
		parts.distinct = true
		return nil

	case querybridge.RawPayload:
		return errors.Join(
			querybridge.ErrUnrepresentableOperation,
			errors.New("raw projections are not supported by the relational compiler"),
		)

	default:
		return unexpectedPayload(op)
	}
}

func (parts *queryParts) foldGrouping(op querybridge.Operation) error {
	switch payload := op.Payload().(type) {
	case querybridge.GroupPayload:
		// One aggregation boundary per SQL statement; a second GroupBy is a
		// new boundary and cannot compile into the same SELECT.
		if parts.grouped {
			return errors.Join(
				querybridge.ErrUnrepresentableOperation,
				errors.New("multiple aggregation boundaries in one relational query"),
			)
		}
		parts.grouped = true
		parts.groupFields = append(parts.groupFields, payload.Fields...)
		return nil

	case querybridge.Aggregate:
		parts.aggregates = append(parts.aggregates, payload)
		return nil

	case querybridge.HavingPayload:
		if !parts.grouped && len(parts.aggregates) == 0 {
			return errors.Join(
				querybridge.ErrUnrepresentableOperation,
				errors.New("having requires an open aggregation boundary"),
			)
		}
		parts.having = append(parts.having, payload)
		return nil

	default:
		return unexpectedPayload(op)
	}
}

func (parts *queryParts) selectValues() ([]any, error) {
	if !parts.grouped && len(parts.aggregates) == 0 {
		vals := make([]any, len(parts.selectFields))
		for i, field := range parts.selectFields {
			vals[i] = goqu.I(field)
		}
		return vals, nil
	}

	vals := make([]any, 0, len(parts.groupFields)+len(parts.aggregates)+len(parts.selectFields))
	for _, field := range parts.groupFields {
		vals = append(vals, goqu.I(field))
	}

	for _, agg := range parts.aggregates {
		aggExpr, err := aggregateExpression(agg)
		if err != nil {
			return nil, err
		}
		vals = append(vals, aggExpr.(exp.Aliaseable).As(agg.ResultField()))
	}

	for _, field := range parts.selectFields {
		if !contains(parts.groupFields, field) {
			vals = append(vals, goqu.I(field))
		}
	}

	return vals, nil
}

func (parts *queryParts) havingExpressions() ([]exp.Expression, error) {
	exprs := make([]exp.Expression, 0, len(parts.having))

	for _, having := range parts.having {
		target, err := parts.havingTarget(having.Target)
		if err != nil {
			return nil, err
		}

		exprs = append(exprs, compareExpression(target, having.Operator, having.Value))
	}

	return exprs, nil
}

// havingTarget resolves a having target to the aggregate expression it
// references. HAVING cannot reference select aliases in Postgres, so the
// aggregate is rebuilt in place.
func (parts *queryParts) havingTarget(target string) (comparableExpression, error) {
	for _, agg := range parts.aggregates {
		if agg.ResultField() == target {
			aggExpr, err := aggregateExpression(agg)
			if err != nil {
				return nil, err
			}
			return aggExpr, nil
		}
	}

	if target == string(querybridge.AggCount) {
		return goqu.COUNT(goqu.Star()), nil
	}

	return goqu.I(target), nil
}

func aggregateExpression(agg querybridge.Aggregate) (comparableExpression, error) {
	field := goqu.I(agg.Field)

	switch agg.Fn {
	case querybridge.AggCount:
		if agg.Field == "" {
			return goqu.COUNT(goqu.Star()), nil
		}
		return goqu.COUNT(field), nil
	case querybridge.AggSum:
		return goqu.SUM(field), nil
	case querybridge.AggAvg:
		return goqu.AVG(field), nil
	case querybridge.AggMin:
		return goqu.MIN(field), nil
	case querybridge.AggMax:
		return goqu.MAX(field), nil
	case querybridge.AggDistinct:
		return goqu.L("array_agg(DISTINCT ?)", field), nil
	case querybridge.AggFloor:
		return goqu.L("floor(avg(?))", field), nil
	case querybridge.AggFirst, querybridge.AggLast:
		return nil, errors.Join(
			querybridge.ErrUnrepresentableOperation,
			fmt.Errorf("aggregate %q has no SQL equivalent", agg.Fn),
		)
	default:
		return nil, errors.Join(querybridge.ErrInvalidAggregate, fmt.Errorf("aggregate function %q", agg.Fn))
	}
}

//nolint:cyclop,funlen
func filterExpression(op querybridge.Operation) (exp.Expression, error) {
	switch payload := op.Payload().(type) {
	case querybridge.ConditionPayload:
		expr := compareExpression(goqu.I(payload.Field), payload.Operator, payload.Value)
		if payload.Negated {
			return goqu.L("NOT (?)", expr), nil
		}
		return expr, nil

	case querybridge.OrGroupPayload:
		branch := make([]exp.Expression, 0, len(payload.Conditions))
		for _, condition := range payload.Conditions {
			expr, err := filterExpression(condition)
			if err != nil {
				return nil, err
			}
			branch = append(branch, expr)
		}
		return goqu.Or(branch...), nil

	case querybridge.AndGroupPayload:
		branch := make([]exp.Expression, 0, len(payload.Conditions))
		for _, condition := range payload.Conditions {
			expr, err := filterExpression(condition)
			if err != nil {
				return nil, err
			}
			branch = append(branch, expr)
		}
		return goqu.And(branch...), nil

	case querybridge.MembershipPayload:
		// An empty value list is rendered as a constant predicate: membership
		// in the empty set matches no row, its negation matches every row.
		if len(payload.Values) == 0 {
			if payload.Negated {
				return goqu.L("1 = 1"), nil
			}
			return goqu.L("1 = 0"), nil
		}
		if payload.Negated {
			return goqu.I(payload.Field).NotIn(payload.Values...), nil
		}
		return goqu.I(payload.Field).In(payload.Values...), nil

	case querybridge.NullPayload:
		if payload.Negated {
			return goqu.I(payload.Field).IsNotNull(), nil
		}
		return goqu.I(payload.Field).IsNull(), nil

	case querybridge.RangePayload:
		rangeVal := goqu.Range(payload.Low, payload.High)
		if payload.Negated {
			return goqu.I(payload.Field).NotBetween(rangeVal), nil
		}
		return goqu.I(payload.Field).Between(rangeVal), nil

	case querybridge.PatternPayload:
		pattern := likePattern(payload)
		if payload.Negated {
			return goqu.I(payload.Field).NotLike(pattern), nil
		}
		return goqu.I(payload.Field).Like(pattern), nil

	case querybridge.ColumnPayload:
		return compareExpression(goqu.I(payload.Field), payload.Operator, goqu.I(payload.Other)), nil

	case querybridge.DatePartPayload:
		extracted := goqu.L("EXTRACT("+strings.ToUpper(string(payload.Unit))+" FROM ?)", goqu.I(payload.Field))
		return compareExpression(extracted, payload.Operator, payload.Value), nil

	case querybridge.ArrayPayload:
		return arrayExpression(payload)

	case querybridge.FieldPresencePayload:
		// Relational rows always carry every column; presence maps to the
		// column holding a value.
		if payload.Negated {
			return goqu.I(payload.Field).IsNull(), nil
		}
		return goqu.I(payload.Field).IsNotNull(), nil

	case querybridge.SubqueryPayload:
		sub, err := buildDataset(payload.Sub)
		if err != nil {
			return nil, err
		}
		if payload.Negated {
			return goqu.L("NOT EXISTS ?", sub), nil
		}
		return goqu.L("EXISTS ?", sub), nil

	case querybridge.TextPayload:
		return goqu.L("to_tsvector(?) @@ plainto_tsquery(?)", goqu.I(payload.Field), payload.Phrase), nil

	case querybridge.IdentifierPayload:
		if len(payload.IDs) == 1 {
			return goqu.I(identifierColumn).Eq(payload.IDs[0]), nil
		}
		return goqu.I(identifierColumn).In(payload.IDs...), nil

	case querybridge.RawPayload:
		return rawExpression(payload)

	default:
		return nil, unexpectedPayload(op)
	}
}

func rawExpression(payload querybridge.RawPayload) (exp.Expression, error) {
	switch raw := payload.Value.(type) {
	case string:
		return goqu.L(raw), nil
	case RawFragment:
		return goqu.L(raw.Fragment, raw.Args...), nil
	default:
		return nil, errors.Join(
			querybridge.ErrUnrepresentableOperation,
			fmt.Errorf("raw payload of type %T is not a SQL fragment", payload.Value),
		)
	}
}

func arrayExpression(payload querybridge.ArrayPayload) (exp.Expression, error) {
	switch payload.Kind {
	case querybridge.ArrayContains:
		encoded, err := json.Marshal(payload.Values)
		if err != nil {
			return nil, errors.Join(querybridge.ErrBuildingQueryFailed, err)
		}
		return goqu.L("? @> ?::jsonb", goqu.I(payload.Field), string(encoded)), nil

	case querybridge.ArrayLength:
		length := goqu.L("jsonb_array_length(?)", goqu.I(payload.Field))
		return compareExpression(length, payload.Operator, payload.Length), nil

	default:
		return nil, errors.Join(
			querybridge.ErrUnrepresentableOperation,
			fmt.Errorf("unknown array predicate kind %d", payload.Kind),
		)
	}
}

func compareExpression(target comparableExpression, operator querybridge.Operator, value any) exp.BooleanExpression {
	switch operator {
	case querybridge.OperatorNotEqual:
		return target.Neq(value)
	case querybridge.OperatorGreater:
		return target.Gt(value)
	case querybridge.OperatorGreaterOrEqual:
		return target.Gte(value)
	case querybridge.OperatorLess:
		return target.Lt(value)
	case querybridge.OperatorLessOrEqual:
		return target.Lte(value)
	default:
		return target.Eq(value)
	}
}

func applyJoin(ds *goqu.SelectDataset, payload querybridge.JoinPayload) (*goqu.SelectDataset, error) {
	target, err := joinTarget(payload)
	if err != nil {
		return nil, err
	}

	if payload.Kind == querybridge.JoinCross {
		return ds.CrossJoin(target), nil
	}

	condition := goqu.On(compareExpression(goqu.I(payload.LocalField), payload.Operator, goqu.I(payload.ForeignField)))

	switch payload.Kind {
	case querybridge.JoinInner:
		return ds.InnerJoin(target, condition), nil
	case querybridge.JoinLeft:
		return ds.LeftJoin(target, condition), nil
	case querybridge.JoinRight:
		return ds.RightJoin(target, condition), nil
	case querybridge.JoinFull:
		return ds.FullOuterJoin(target, condition), nil
	default:
		return nil, errors.Join(querybridge.ErrUnknownJoinKind, fmt.Errorf("join kind: %q", payload.Kind))
	}
}

func joinTarget(payload querybridge.JoinPayload) (exp.Expression, error) {
	if payload.Sub != nil {
		sub, err := buildDataset(payload.Sub)
		if err != nil {
			return nil, err
		}
		return sub.As(payload.Alias), nil
	}

	if payload.Alias != "" {
		return goqu.T(payload.Source).As(payload.Alias), nil
	}

	return goqu.T(payload.Source), nil
}

// likePattern escapes LIKE metacharacters in caller-supplied literal
// fragments and anchors prefix/suffix patterns. PatternLike patterns pass
// through verbatim - their wildcards are intentional.
func likePattern(payload querybridge.PatternPayload) string {
	switch payload.Kind {
	case querybridge.PatternPrefix:
		return escapeLikeFragment(payload.Pattern) + "%"
	case querybridge.PatternSuffix:
		return "%" + escapeLikeFragment(payload.Pattern)
	default:
		return payload.Pattern
	}
}

func escapeLikeFragment(fragment string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(fragment)
}

func contains(fields []string, field string) bool {
	for _, candidate := range fields {
		if candidate == field {
			return true
		}
	}

	return false
}

func unexpectedPayload(op querybridge.Operation) error {
	return errors.Join(
		querybridge.ErrBuildingQueryFailed,
		fmt.Errorf("operation %q carries unexpected payload %T", op.Type(), op.Payload()),
	)
}
