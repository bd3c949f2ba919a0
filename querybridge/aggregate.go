package querybridge

import (
	"errors"
	"fmt"
)

// AggregateFn is an abstract aggregate function. It resolves to native
// syntax only inside a compiler; drivers never see these tokens.
type AggregateFn string

const (
	AggCount    AggregateFn = "count"
	AggSum      AggregateFn = "sum"
	AggAvg      AggregateFn = "avg"
	AggMin      AggregateFn = "min"
	AggMax      AggregateFn = "max"
	AggFirst    AggregateFn = "first"
	AggLast     AggregateFn = "last"
	AggDistinct AggregateFn = "distinct"
	AggFloor    AggregateFn = "floor"
)

// Aggregate pairs an aggregate function with the field it reduces. Field is
// empty only for count.
type Aggregate struct {
	Fn    AggregateFn
	Field string
	Alias string
}

// ResultField is the name the aggregated value carries in result records:
// the explicit alias, or "<fn>_<field>" ("count" for a bare count).
func (a Aggregate) ResultField() string {
	if a.Alias != "" {
		return a.Alias
	}

	if a.Fn == AggCount && a.Field == "" {
		return string(AggCount)
	}

	return fmt.Sprintf("%s_%s", a.Fn, a.Field)
}

func (a Aggregate) validate() error {
	switch a.Fn {
	case AggCount:
		return nil
	case AggSum, AggAvg, AggMin, AggMax, AggFirst, AggLast, AggDistinct, AggFloor:
		if a.Field == "" {
			return errors.Join(ErrInvalidAggregate, fmt.Errorf("aggregate %q requires a field", a.Fn))
		}
		return nil
	default:
		return errors.Join(ErrInvalidAggregate, fmt.Errorf("unknown aggregate function %q", a.Fn))
	}
}
