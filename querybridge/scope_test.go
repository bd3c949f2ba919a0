package querybridge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybridge/querybridge-go/querybridge"
)

func Test_ApplyScopes_WithoutRegistry_ReturnsIndependentClone(t *testing.T) {
	b := querybridge.New("users").Where("active", "=", true)

	resolved, err := querybridge.ApplyScopes(b)
	require.NoError(t, err)

	resolved.Limit(5)

	assert.Len(t, b.Operations(), 1)
	assert.Len(t, resolved.Operations(), 2)
}

func Test_ApplyScopes_InjectsGlobalScopesAroundCallerOperations(t *testing.T) {
	registry := querybridge.NewScopeRegistry().
		RegisterGlobal(querybridge.NewScope("tenant", querybridge.ScopeBefore, func(b *querybridge.Builder) {
			b.Where("tenant_id", "=", 42)
		})).
		RegisterGlobal(querybridge.NewScope("cap", querybridge.ScopeAfter, func(b *querybridge.Builder) {
			b.Limit(1000)
		}))

	b := querybridge.New("users", querybridge.WithScopes(registry)).
		Where("active", "=", true)

	resolved, err := querybridge.ApplyScopes(b)
	require.NoError(t, err)

	ops := resolved.Operations()
	require.Len(t, ops, 3)

	first, ok := ops[0].Payload().(querybridge.ConditionPayload)
	require.True(t, ok)
	assert.Equal(t, "tenant_id", first.Field)

	middle, ok := ops[1].Payload().(querybridge.ConditionPayload)
	require.True(t, ok)
	assert.Equal(t, "active", middle.Field)

	assert.Equal(t, querybridge.OpLimit, ops[2].Type())
}

func Test_ApplyScopes_NeverMutatesInput(t *testing.T) {
	registry := querybridge.NewScopeRegistry().
		RegisterGlobal(querybridge.NewScope("tenant", querybridge.ScopeBefore, func(b *querybridge.Builder) {
			b.Where("tenant_id", "=", 42)
		}))

	b := querybridge.New("users", querybridge.WithScopes(registry)).
		Where("active", "=", true)

	_, err := querybridge.ApplyScopes(b)
	require.NoError(t, err)

	assert.Len(t, b.Operations(), 1)
}

func Test_ApplyScopes_SkipsDisabledGlobalScope(t *testing.T) {
	registry := querybridge.NewScopeRegistry().
		RegisterGlobal(querybridge.NewScope("tenant", querybridge.ScopeBefore, func(b *querybridge.Builder) {
			b.Where("tenant_id", "=", 42)
		})).
		RegisterGlobal(querybridge.NewScope("soft_delete", querybridge.ScopeBefore, func(b *querybridge.Builder) {
			b.WhereNull("deleted_at")
		}))

	b := querybridge.New("users", querybridge.WithScopes(registry)).
		WithoutGlobalScope("soft_delete").
		Where("active", "=", true)

	resolved, err := querybridge.ApplyScopes(b)
	require.NoError(t, err)

	for _, op := range resolved.Operations() {
		payload, ok := op.Payload().(querybridge.NullPayload)
		if ok {
			t.Fatalf("disabled scope leaked operation for field %q", payload.Field)
		}
	}
}

func Test_ApplyScopes_WithoutGlobalScopes_SkipsAll(t *testing.T) {
	registry := querybridge.NewScopeRegistry().
		RegisterGlobal(querybridge.NewScope("tenant", querybridge.ScopeBefore, func(b *querybridge.Builder) {
			b.Where("tenant_id", "=", 42)
		}))

	b := querybridge.New("users", querybridge.WithScopes(registry)).
		WithoutGlobalScopes().
		Where("active", "=", true)

	resolved, err := querybridge.ApplyScopes(b)
	require.NoError(t, err)

	require.Len(t, resolved.Operations(), 1)
	payload, ok := resolved.Operations()[0].Payload().(querybridge.ConditionPayload)
	require.True(t, ok)
	assert.Equal(t, "active", payload.Field)
}

func Test_ApplyScopes_PropagatesLatchedBuilderError(t *testing.T) {
	b := querybridge.New("users").Where("a", "bogus", 1)

	_, err := querybridge.ApplyScopes(b)

	assert.ErrorIs(t, err, querybridge.ErrUnsupportedOperator)
}

func Test_ScopeErrors_AreDistinguishable(t *testing.T) {
	registry := querybridge.NewScopeRegistry().
		RegisterLocal("recent", func(b *querybridge.Builder) {
			b.OrderBy("created_at", querybridge.Descending)
		})

	noRegistry := querybridge.New("users").Scope("recent")
	unknownName := querybridge.New("users", querybridge.WithScopes(registry)).Scope("unknown")

	assert.ErrorIs(t, noRegistry.Err(), querybridge.ErrNoLocalScopes)
	assert.NotErrorIs(t, noRegistry.Err(), querybridge.ErrScopeNotFound)
	assert.ErrorIs(t, unknownName.Err(), querybridge.ErrScopeNotFound)
	assert.NotErrorIs(t, unknownName.Err(), querybridge.ErrNoLocalScopes)
}
