package querybridge

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one raw result row/document as returned by a driver adapter,
// before hydration.
type Record = map[string]any

// HydrateFunc turns a raw record into a caller-facing typed value. Errors
// from hydration are propagated to the caller unmodified.
type HydrateFunc[T any] func(Record) (T, error)

// DecodeRecord is the default hydrator: it round-trips the record through
// JSON into T using json-iterator.
func DecodeRecord[T any](record Record) (T, error) {
	var out T

	raw, err := json.Marshal(record)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}

	return out, nil
}

// HydrateAll applies the hydration function to every record, stopping at the
// first failure.
func HydrateAll[T any](records []Record, hydrate HydrateFunc[T]) ([]T, error) {
	if hydrate == nil {
		return nil, ErrNilHydrator
	}

	out := make([]T, 0, len(records))
	for _, record := range records {
		value, err := hydrate(record)
		if err != nil {
			return nil, err
		}

		out = append(out, value)
	}

	return out, nil
}

// Page is the result of a paginated fetch.
type Page struct {
	Records    []Record
	HasMore    bool
	NextCursor string
}
