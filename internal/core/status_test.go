package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]RequestStatus{
		{StatusPending, StatusAllocated},
		{StatusPending, StatusCancelled},
		{StatusAllocated, StatusAccepted},
		{StatusAllocated, StatusCancelled},
		{StatusAllocated, StatusPending}, // timeout revert
		{StatusAccepted, StatusEnRoute},
		{StatusEnRoute, StatusArrived},
		{StatusArrived, StatusInProgress},
		{StatusInProgress, StatusCompleted},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	denied := [][2]RequestStatus{
		{StatusPending, StatusAccepted},
		{StatusAccepted, StatusCancelled}, // past the point of no return
		{StatusEnRoute, StatusCancelled},
		{StatusArrived, StatusCompleted},
		{StatusCompleted, StatusPending},
		{StatusCancelled, StatusAllocated},
		{StatusAccepted, StatusPending},
	}
	for _, edge := range denied {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
}
