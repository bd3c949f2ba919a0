package mongoengine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/querybridge/querybridge-go/querybridge"
)

const (
	identifierField = "_id"
	countField      = "count"
)

// CompiledPipeline is the terminal artifact of the document compiler: an
// ordered aggregation pipeline. It is deterministic given an identical
// operation sequence.
type CompiledPipeline = mongo.Pipeline

// Compile resolves scopes and compiles the builder's operation sequence into
// an aggregation pipeline. The compiler walks the sequence once, in order,
// keeping at most one stage open for merging: adjacent filter operations
// fold into one $match, adjacent projections into one $project, adjacent
// orderings into one $sort. Any operation of a different kind closes the
// open stage, so stage order always mirrors operation order.
func Compile(b *querybridge.Builder) (CompiledPipeline, error) {
	resolved, err := querybridge.ApplyScopes(b)
	if err != nil {
		return nil, err
	}

	return buildPipeline(resolved)
}

// CompileCount compiles a count pipeline from the same predicate operations
// with projection, ordering and pagination stripped, terminated by a $count
// stage. A grouped pipeline counts its post-aggregation groups.
func CompileCount(b *querybridge.Builder) (CompiledPipeline, error) {
	resolved, err := querybridge.ApplyScopes(b.ForCount())
	if err != nil {
		return nil, err
	}

	pipeline, err := buildPipeline(resolved)
	if err != nil {
		return nil, err
	}

	return append(pipeline, bson.D{{Key: "$count", Value: countField}}), nil
}

func buildPipeline(b *querybridge.Builder) (CompiledPipeline, error) {
	return buildSubPipeline(b, nil)
}

// buildSubPipeline compiles a builder whose column comparisons may refer to
// fields of an enclosing pipeline, resolved through $lookup let variables.
func buildSubPipeline(b *querybridge.Builder, outerVars map[string]string) (CompiledPipeline, error) {
	pb := &pipelineBuilder{source: b.Source(), outerVars: outerVars}

	for _, op := range b.Operations() {
		if err := pb.fold(op); err != nil {
			return nil, err
		}
	}

	if err := pb.flush(); err != nil {
		return nil, err
	}

	return pb.stages, nil
}

type openStage uint8

const (
	openNone openStage = iota
	openMatch
	openProject
	openSort
	openGroup
)

type groupState struct {
	fields     []string
	aggregates []querybridge.Aggregate
	having     []querybridge.HavingPayload
}

// pipelineBuilder folds operations into pipeline stages, keeping at most one
// stage open at a time.
type pipelineBuilder struct {
	source         string
	outerVars      map[string]string // qualified outer field -> $lookup let variable
	stages         CompiledPipeline
	open           openStage
	match          []bson.M
	project        []string
	sort           bson.D
	group          *groupState
	lastProjection []string
	lookupSeq      int
}

//nolint:cyclop
func (pb *pipelineBuilder) fold(op querybridge.Operation) error {
	if op.Type() == querybridge.OpRaw {
		if err := pb.flush(); err != nil {
			return err
		}
		return pb.appendRawStage(op.Payload().(querybridge.RawPayload))
	}

	switch op.Stage() {
	case querybridge.StageFilter:
		if op.Type() == querybridge.OpSubquery {
			if err := pb.flush(); err != nil {
				return err
			}
			return pb.appendExistenceLookup(op.Payload().(querybridge.SubqueryPayload))
		}

		clause, err := pb.conditionDocument(op)
		if err != nil {
			return err
		}
		if err := pb.ensure(openMatch); err != nil {
			return err
		}
		pb.match = append(pb.match, clause)
		return nil

	case querybridge.StageProjection:
		return pb.foldProjection(op)

	case querybridge.StageSort:
		payload := op.Payload().(querybridge.SortPayload)
		if err := pb.ensure(openSort); err != nil {
			return err
		}
		pb.sort = append(pb.sort, bson.E{Key: payload.Field, Value: sortValue(payload.Direction)})
		return nil

	case querybridge.StageGrouping:
		return pb.foldGrouping(op)

	case querybridge.StageJoin:
		if err := pb.flush(); err != nil {
			return err
		}
		return pb.appendLookup(op.Payload().(querybridge.JoinPayload))

	case querybridge.StagePagination:
		if err := pb.flush(); err != nil {
			return err
		}
		switch payload := op.Payload().(type) {
		case querybridge.LimitPayload:
			// $limit rejects zero; a zero limit must select nothing, so it
			// compiles to a contradictory $match.
			if payload.Count == 0 {
				pb.stages = append(pb.stages, bson.D{{Key: "$match", Value: bson.M{"$expr": false}}})
			} else {
				pb.stages = append(pb.stages, bson.D{{Key: "$limit", Value: int64(payload.Count)}})
			}
		case querybridge.OffsetPayload:
			pb.stages = append(pb.stages, bson.D{{Key: "$skip", Value: int64(payload.Count)}})
		}
		return nil

	default:
		return errors.Join(
			querybridge.ErrUnrepresentableOperation,
			fmt.Errorf("stage %q carries no pipeline stage", op.Stage()),
		)
	}
}

func (pb *pipelineBuilder) foldProjection(op querybridge.Operation) error {
	switch payload := op.Payload().(type) {
	case querybridge.ProjectionPayload:
		if err := pb.ensure(openProject); err != nil {
			return err
		}
		for _, field := range payload.Fields {
			if !containsField(pb.project, field) {
				pb.project = append(pb.project, field)
			}
		}
		return nil

	case querybridge.DistinctPayload:
		if err := pb.flush(); err != nil {
			return err
		}
		return pb.appendDistinct()

	default:
		return unexpectedPayload(op)
	}
}

func (pb *pipelineBuilder) foldGrouping(op querybridge.Operation) error {
	switch payload := op.Payload().(type) {
	case querybridge.GroupPayload:
		// A GroupBy always opens a fresh aggregation boundary. Pipelines
		// support chained boundaries, so a second GroupBy closes the first
		// $group and starts another.
		if err := pb.flush(); err != nil {
			return err
		}
		pb.open = openGroup
		pb.group = &groupState{fields: payload.Fields}
		return nil

	case querybridge.Aggregate:
		if pb.open != openGroup {
			if err := pb.flush(); err != nil {
				return err
			}
			pb.open = openGroup
			pb.group = &groupState{}
		}
		pb.group.aggregates = append(pb.group.aggregates, payload)
		return nil

	case querybridge.HavingPayload:
		if pb.open != openGroup || pb.group == nil {
			return errors.Join(
				querybridge.ErrUnrepresentableOperation,
				errors.New("having requires an open aggregation boundary"),
			)
		}
		pb.group.having = append(pb.group.having, payload)
		return nil

	default:
		return unexpectedPayload(op)
	}
}

// ensure keeps the given stage kind open, flushing any other open stage.
func (pb *pipelineBuilder) ensure(kind openStage) error {
	if pb.open == kind {
		return nil
	}

	if err := pb.flush(); err != nil {
		return err
	}

	pb.open = kind

	return nil
}

//nolint:cyclop
func (pb *pipelineBuilder) flush() error {
	switch pb.open {
	case openMatch:
		if len(pb.match) == 1 {
			pb.stages = append(pb.stages, bson.D{{Key: "$match", Value: pb.match[0]}})
		} else if len(pb.match) > 1 {
			clauses := make(bson.A, len(pb.match))
			for i, clause := range pb.match {
				clauses[i] = clause
			}
			pb.stages = append(pb.stages, bson.D{{Key: "$match", Value: bson.M{"$and": clauses}}})
		}
		pb.match = nil

	case openProject:
		if len(pb.project) > 0 {
			doc := bson.M{}
			for _, field := range pb.project {
				doc[field] = 1
			}
			if !containsField(pb.project, identifierField) {
				doc[identifierField] = 0
			}
			pb.stages = append(pb.stages, bson.D{{Key: "$project", Value: doc}})
			pb.lastProjection = pb.project
		}
		pb.project = nil

	case openSort:
		if len(pb.sort) > 0 {
			pb.stages = append(pb.stages, bson.D{{Key: "$sort", Value: pb.sort}})
		}
		pb.sort = nil

	case openGroup:
		if err := pb.flushGroup(); err != nil {
			return err
		}
	}

	pb.open = openNone

	return nil
}

// flushGroup emits the aggregation boundary: one $group, an $addFields that
// hoists grouping keys (and applies floor) back to top level, and one
// post-aggregation $match per having predicate.
func (pb *pipelineBuilder) flushGroup() error {
	state := pb.group
	pb.group = nil
	if state == nil {
		return nil
	}

	groupDoc := bson.M{identifierField: groupIDValue(state.fields)}
	addFields := bson.M{}

	for _, field := range state.fields {
		addFields[field] = "$" + identifierField + "." + field
	}

	for _, agg := range state.aggregates {
		accumulator, needsFloor, err := accumulatorDocument(agg)
		if err != nil {
			return err
		}

		alias := agg.ResultField()
		groupDoc[alias] = accumulator
		if needsFloor {
			addFields[alias] = bson.M{"$floor": "$" + alias}
		}
	}

	// A having on "count" without a declared count aggregate still counts
	// group members, matching the relational COUNT(*) resolution.
	for _, having := range state.having {
		if having.Target != countField {
			continue
		}
		if _, declared := groupDoc[countField]; !declared && !containsField(state.fields, countField) {
			groupDoc[countField] = bson.M{"$sum": 1}
		}
	}

	pb.stages = append(pb.stages, bson.D{{Key: "$group", Value: groupDoc}})

	if len(addFields) > 0 {
		pb.stages = append(pb.stages, bson.D{{Key: "$addFields", Value: addFields}})
	}

	for _, having := range state.having {
		clause := bson.M{having.Target: bson.M{comparisonOperator(having.Operator): having.Value}}
		pb.stages = append(pb.stages, bson.D{{Key: "$match", Value: clause}})
	}

	return nil
}

func groupIDValue(fields []string) any {
	if len(fields) == 0 {
		return nil
	}

	id := bson.M{}
	for _, field := range fields {
		id[field] = "$" + field
	}

	return id
}

// accumulatorDocument translates one aggregate into its $group accumulator.
// Floor aggregates average in the accumulator and round down afterwards in
// $addFields, reported by the second return value.
func accumulatorDocument(agg querybridge.Aggregate) (bson.M, bool, error) {
	fieldRef := "$" + agg.Field

	switch agg.Fn {
	case querybridge.AggCount:
		if agg.Field == "" {
			return bson.M{"$sum": 1}, false, nil
		}
		present := bson.M{"$ne": bson.A{bson.M{"$ifNull": bson.A{fieldRef, nil}}, nil}}
		return bson.M{"$sum": bson.M{"$cond": bson.A{present, 1, 0}}}, false, nil
	case querybridge.AggSum:
		return bson.M{"$sum": fieldRef}, false, nil
	case querybridge.AggAvg:
		return bson.M{"$avg": fieldRef}, false, nil
	case querybridge.AggMin:
		return bson.M{"$min": fieldRef}, false, nil
	case querybridge.AggMax:
		return bson.M{"$max": fieldRef}, false, nil
	case querybridge.AggFirst:
		return bson.M{"$first": fieldRef}, false, nil
	case querybridge.AggLast:
		return bson.M{"$last": fieldRef}, false, nil
	case querybridge.AggDistinct:
		return bson.M{"$addToSet": fieldRef}, false, nil
	case querybridge.AggFloor:
		return bson.M{"$avg": fieldRef}, true, nil
	default:
		return nil, false, errors.Join(querybridge.ErrInvalidAggregate, fmt.Errorf("aggregate function %q", agg.Fn))
	}
}

// appendDistinct emits distinct as a $group over the most recently projected
// fields followed by $replaceWith to restore the document shape.
func (pb *pipelineBuilder) appendDistinct() error {
	if len(pb.lastProjection) == 0 {
		return errors.Join(
			querybridge.ErrUnrepresentableOperation,
			errors.New("distinct requires projected fields in a pipeline"),
		)
	}

	id := bson.M{}
	for _, field := range pb.lastProjection {
		id[field] = "$" + field
	}

	pb.stages = append(pb.stages,
		bson.D{{Key: "$group", Value: bson.M{identifierField: id}}},
		bson.D{{Key: "$replaceWith", Value: "$" + identifierField}},
	)

	return nil
}

// appendExistenceLookup emits a correlated existence predicate as a
// pipeline-form $lookup into a deterministic temporary field, a presence
// check on it, and an $unset that removes it from the output. Column
// comparisons against the enclosing source become let bindings, so the
// subquery sees the outer fields as $lookup variables.
func (pb *pipelineBuilder) appendExistenceLookup(payload querybridge.SubqueryPayload) error {
	outerVars := outerReferences(payload.Sub, pb.source)

	subPipeline, err := buildSubPipeline(payload.Sub, outerVars)
	if err != nil {
		return err
	}

	alias := fmt.Sprintf("__exists_%d", pb.lookupSeq)
	pb.lookupSeq++

	lookup := bson.M{
		"from":     payload.Sub.Source(),
		"pipeline": subPipeline,
		"as":       alias,
	}

	if len(outerVars) > 0 {
		let := bson.M{}
		for field, name := range outerVars {
			local, _ := strings.CutPrefix(field, pb.source+".")
			let[name] = "$" + local
		}
		lookup["let"] = let
	}

	pb.stages = append(pb.stages,
		bson.D{{Key: "$lookup", Value: lookup}},
		bson.D{{Key: "$match", Value: bson.M{alias + ".0": bson.M{"$exists": !payload.Negated}}}},
		bson.D{{Key: "$unset", Value: alias}},
	)

	return nil
}

// outerReferences collects the enclosing source's fields that the subquery's
// column comparisons refer to, keyed by qualified name. Each gets a
// deterministic let variable derived from the field path.
func outerReferences(sub *querybridge.Builder, outer string) map[string]string {
	if outer == "" {
		return nil
	}

	vars := map[string]string{}
	for _, op := range sub.Operations() {
		collectOuterRefs(op, outer, vars)
	}

	if len(vars) == 0 {
		return nil
	}

	return vars
}

func collectOuterRefs(op querybridge.Operation, outer string, vars map[string]string) {
	switch payload := op.Payload().(type) {
	case querybridge.ColumnPayload:
		for _, field := range []string{payload.Field, payload.Other} {
			local, ok := strings.CutPrefix(field, outer+".")
			if !ok {
				continue
			}
			vars[field] = "outer_" + strings.ReplaceAll(local, ".", "_")
		}

	case querybridge.OrGroupPayload:
		for _, condition := range payload.Conditions {
			collectOuterRefs(condition, outer, vars)
		}

	case querybridge.AndGroupPayload:
		for _, condition := range payload.Conditions {
			collectOuterRefs(condition, outer, vars)
		}
	}
}

// appendLookup emits a join as $lookup. Left joins keep records without
// matches; inner joins add a presence $match. Right, full and cross joins
// have no pipeline equivalent.
func (pb *pipelineBuilder) appendLookup(payload querybridge.JoinPayload) error {
	switch payload.Kind {
	case querybridge.JoinRight, querybridge.JoinFull, querybridge.JoinCross:
		return errors.Join(
			querybridge.ErrUnrepresentableOperation,
			fmt.Errorf("join kind %q has no pipeline equivalent", payload.Kind),
		)
	case querybridge.JoinInner, querybridge.JoinLeft:
	default:
		return errors.Join(querybridge.ErrUnknownJoinKind, fmt.Errorf("join kind: %q", payload.Kind))
	}

	if payload.Operator != querybridge.OperatorEqual {
		return errors.Join(
			querybridge.ErrUnrepresentableOperation,
			errors.New("pipeline lookups require an equality join condition"),
		)
	}

	alias := payload.Alias
	if alias == "" {
		alias = payload.Source
	}

	lookup := bson.M{
		"localField":   payload.LocalField,
		"foreignField": payload.ForeignField,
		"as":           alias,
	}

	if payload.Sub != nil {
		subPipeline, err := buildPipeline(payload.Sub)
		if err != nil {
			return err
		}
		lookup["from"] = payload.Sub.Source()
		lookup["pipeline"] = subPipeline
	} else {
		lookup["from"] = payload.Source
	}

	pb.stages = append(pb.stages, bson.D{{Key: "$lookup", Value: lookup}})

	if payload.Kind == querybridge.JoinInner {
		pb.stages = append(pb.stages, bson.D{{Key: "$match", Value: bson.M{alias + ".0": bson.M{"$exists": true}}}})
	}

	return nil
}

// appendRawStage appends a caller-supplied native pipeline stage verbatim.
func (pb *pipelineBuilder) appendRawStage(payload querybridge.RawPayload) error {
	switch stage := payload.Value.(type) {
	case bson.D:
		pb.stages = append(pb.stages, stage)
		return nil
	case bson.M:
		doc := bson.D{}
		for key, value := range stage {
			doc = append(doc, bson.E{Key: key, Value: value})
		}
		if len(doc) != 1 {
			return errors.Join(
				querybridge.ErrUnrepresentableOperation,
				errors.New("raw pipeline stages must hold exactly one stage operator"),
			)
		}
		pb.stages = append(pb.stages, doc)
		return nil
	default:
		return errors.Join(
			querybridge.ErrUnrepresentableOperation,
			fmt.Errorf("raw payload of type %T is not a pipeline stage", payload.Value),
		)
	}
}

//nolint:cyclop,funlen
func (pb *pipelineBuilder) conditionDocument(op querybridge.Operation) (bson.M, error) {
	switch payload := op.Payload().(type) {
	case querybridge.ConditionPayload:
		comparison := bson.M{comparisonOperator(payload.Operator): payload.Value}
		if payload.Negated {
			return bson.M{payload.Field: bson.M{"$not": comparison}}, nil
		}
		return bson.M{payload.Field: comparison}, nil

	case querybridge.OrGroupPayload:
		branches, err := pb.branchDocuments(payload.Conditions)
		if err != nil {
			return nil, err
		}
		return bson.M{"$or": branches}, nil

	case querybridge.AndGroupPayload:
		branches, err := pb.branchDocuments(payload.Conditions)
		if err != nil {
			return nil, err
		}
		return bson.M{"$and": branches}, nil

	case querybridge.MembershipPayload:
		operator := "$in"
		if payload.Negated {
			operator = "$nin"
		}
		return bson.M{payload.Field: bson.M{operator: bson.A(payload.Values)}}, nil

	case querybridge.NullPayload:
		if payload.Negated {
			return bson.M{payload.Field: bson.M{"$ne": nil}}, nil
		}
		return bson.M{payload.Field: bson.M{"$eq": nil}}, nil

	case querybridge.RangePayload:
		window := bson.M{"$gte": payload.Low, "$lte": payload.High}
		if payload.Negated {
			return bson.M{payload.Field: bson.M{"$not": window}}, nil
		}
		return bson.M{payload.Field: window}, nil

	case querybridge.PatternPayload:
		regex := bson.Regex{Pattern: patternRegex(payload)}
		if payload.Negated {
			return bson.M{payload.Field: bson.M{"$not": regex}}, nil
		}
		return bson.M{payload.Field: regex}, nil

	case querybridge.ColumnPayload:
		comparison := bson.M{comparisonOperator(payload.Operator): bson.A{pb.fieldRef(payload.Field), pb.fieldRef(payload.Other)}}
		return bson.M{"$expr": comparison}, nil

	case querybridge.DatePartPayload:
		unit, err := datePartOperator(payload.Unit)
		if err != nil {
			return nil, err
		}
		extracted := bson.M{unit: "$" + payload.Field}
		return bson.M{"$expr": bson.M{comparisonOperator(payload.Operator): bson.A{extracted, payload.Value}}}, nil

	case querybridge.ArrayPayload:
		return arrayDocument(payload)

	case querybridge.FieldPresencePayload:
		return bson.M{payload.Field: bson.M{"$exists": !payload.Negated}}, nil

	case querybridge.TextPayload:
		return bson.M{"$text": bson.M{"$search": payload.Phrase}}, nil

	case querybridge.IdentifierPayload:
		if len(payload.IDs) == 1 {
			return bson.M{identifierField: payload.IDs[0]}, nil
		}
		return bson.M{identifierField: bson.M{"$in": bson.A(payload.IDs)}}, nil

	default:
		return nil, unexpectedPayload(op)
	}
}

func (pb *pipelineBuilder) branchDocuments(conditions []querybridge.Operation) (bson.A, error) {
	branches := make(bson.A, 0, len(conditions))

	for _, condition := range conditions {
		doc, err := pb.conditionDocument(condition)
		if err != nil {
			return nil, err
		}
		branches = append(branches, doc)
	}

	return branches, nil
}

// fieldRef resolves a field name inside an aggregation expression. Outer
// fields bound through a $lookup resolve to their let variable, and names
// qualified with the builder's own source lose the source prefix.
func (pb *pipelineBuilder) fieldRef(field string) string {
	if name, ok := pb.outerVars[field]; ok {
		return "$$" + name
	}

	if pb.source != "" {
		if local, ok := strings.CutPrefix(field, pb.source+"."); ok {
			return "$" + local
		}
	}

	return "$" + field
}

func arrayDocument(payload querybridge.ArrayPayload) (bson.M, error) {
	switch payload.Kind {
	case querybridge.ArrayContains:
		return bson.M{payload.Field: bson.M{"$all": bson.A(payload.Values)}}, nil

	case querybridge.ArrayLength:
		size := bson.M{"$size": bson.M{"$ifNull": bson.A{"$" + payload.Field, bson.A{}}}}
		return bson.M{"$expr": bson.M{comparisonOperator(payload.Operator): bson.A{size, payload.Length}}}, nil

	default:
		return nil, errors.Join(
			querybridge.ErrUnrepresentableOperation,
			fmt.Errorf("unknown array predicate kind %d", payload.Kind),
		)
	}
}

func comparisonOperator(operator querybridge.Operator) string {
	switch operator {
	case querybridge.OperatorNotEqual:
		return "$ne"
	case querybridge.OperatorGreater:
		return "$gt"
	case querybridge.OperatorGreaterOrEqual:
		return "$gte"
	case querybridge.OperatorLess:
		return "$lt"
	case querybridge.OperatorLessOrEqual:
		return "$lte"
	default:
		return "$eq"
	}
}

func datePartOperator(unit querybridge.DateUnit) (string, error) {
	switch unit {
	case querybridge.UnitYear:
		return "$year", nil
	case querybridge.UnitMonth:
		return "$month", nil
	case querybridge.UnitDay:
		return "$dayOfMonth", nil
	default:
		return "", errors.Join(querybridge.ErrUnsupportedDateUnit, fmt.Errorf("date unit: %q", unit))
	}
}

func sortValue(direction querybridge.Direction) int {
	if direction == querybridge.Descending {
		return -1
	}

	return 1
}

// patternRegex anchors prefix/suffix patterns and quotes their literal
// fragments. PatternLike patterns translate SQL wildcards: % becomes .*
// and _ becomes a single-character wildcard.
func patternRegex(payload querybridge.PatternPayload) string {
	switch payload.Kind {
	case querybridge.PatternPrefix:
		return "^" + regexp.QuoteMeta(payload.Pattern)
	case querybridge.PatternSuffix:
		return regexp.QuoteMeta(payload.Pattern) + "$"
	default:
		return "^" + likeRegex(payload.Pattern) + "$"
	}
}

func likeRegex(pattern string) string {
	var out strings.Builder

	for _, r := range pattern {
		switch r {
		case '%':
			out.WriteString(".*")
		case '_':
			out.WriteString(".")
		default:
			out.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	return out.String()
}

func containsField(fields []string, field string) bool {
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
