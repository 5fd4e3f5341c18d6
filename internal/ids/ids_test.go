package ids

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTradeIDIsSortable(t *testing.T) {
	prev := NewTradeID()
	for i := 0; i < 100; i++ {
		next := NewTradeID()
		assert.Greater(t, next, prev)
		assert.True(t, IsTradeID(next))
		prev = next
	}
	assert.False(t, IsTradeID("not-a-ulid"))
}

func TestNewRequestID(t *testing.T) {
	_, err := uuid.Parse(NewRequestID())
	require.NoError(t, err)
}
