// Package adapters provides collection adapter implementations for the MongoDB query store.
//
// This package implements the adapter pattern around the official MongoDB
// driver, presenting aggregation, cursor iteration and session transactions
// through interfaces the store can exercise with fakes in tests.
package adapters
