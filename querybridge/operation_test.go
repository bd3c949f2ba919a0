package querybridge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybridge/querybridge-go/querybridge"
)

func Test_Operations_ReturnsDefensiveCopy(t *testing.T) {
	b := querybridge.New("users").Where("a", "=", 1).Where("b", "=", 2)

	ops := b.Operations()
	ops[0] = ops[1]

	fresh := b.Operations()
	payload, ok := fresh[0].Payload().(querybridge.ConditionPayload)
	require.True(t, ok)
	assert.Equal(t, "a", payload.Field)
}

func Test_Clone_DeepCopiesSlicePayloads(t *testing.T) {
	values := []any{"a", "b"}
	original := querybridge.New("users").WhereIn("tag", values...)

	clone := original.Clone()

	clonePayload, ok := clone.Operations()[0].Payload().(querybridge.MembershipPayload)
	require.True(t, ok)
	clonePayload.Values[0] = "mutated"

	originalPayload, ok := original.Operations()[0].Payload().(querybridge.MembershipPayload)
	require.True(t, ok)
	assert.Equal(t, "a", originalPayload.Values[0])
}

func Test_Clone_DeepCopiesNestedSubqueryBuilders(t *testing.T) {
	original := querybridge.New("users").WhereExists("orders", func(sub *querybridge.Builder) {
		sub.Where("user_id", "=", 1)
	})
	require.NoError(t, original.Err())

	clone := original.Clone()

	clonedSub, ok := clone.Operations()[0].Payload().(querybridge.SubqueryPayload)
	require.True(t, ok)
	clonedSub.Sub.Limit(1)

	originalSub, ok := original.Operations()[0].Payload().(querybridge.SubqueryPayload)
	require.True(t, ok)
	assert.Len(t, originalSub.Sub.Operations(), 1)
}

func Test_Stage_String(t *testing.T) {
	assert.Equal(t, "filter", querybridge.StageFilter.String())
	assert.Equal(t, "pagination", querybridge.StagePagination.String())
}
