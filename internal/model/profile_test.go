package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    TrainingStatus
		to      TrainingStatus
		allowed bool
	}{
		{StatusNotStarted, StatusCollecting, true},
		{StatusCollecting, StatusPreprocessing, true},
		{StatusPreprocessing, StatusTraining, true},
		{StatusTraining, StatusReady, true},
		{StatusNotStarted, StatusFailed, true},
		{StatusCollecting, StatusFailed, true},
		{StatusPreprocessing, StatusFailed, true},
		{StatusTraining, StatusFailed, true},

		// 不允许跳级或回退
		{StatusNotStarted, StatusPreprocessing, false},
		{StatusNotStarted, StatusTraining, false},
		{StatusNotStarted, StatusReady, false},
		{StatusCollecting, StatusReady, false},
		{StatusCollecting, StatusNotStarted, false},
		{StatusTraining, StatusCollecting, false},

		// 终态没有任何出边
		{StatusReady, StatusFailed, false},
		{StatusReady, StatusCollecting, false},
		{StatusFailed, StatusCollecting, false},
		{StatusFailed, StatusReady, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusReady.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusNotStarted.IsTerminal())
	assert.False(t, StatusCollecting.IsTerminal())
	assert.False(t, StatusPreprocessing.IsTerminal())
	assert.False(t, StatusTraining.IsTerminal())
}

func TestIsValid(t *testing.T) {
	for _, s := range []TrainingStatus{
		StatusNotStarted, StatusCollecting, StatusPreprocessing,
		StatusTraining, StatusReady, StatusFailed,
	} {
		assert.True(t, s.IsValid(), string(s))
	}
	assert.False(t, TrainingStatus("archived").IsValid())
	assert.False(t, TrainingStatus("").IsValid())
}
