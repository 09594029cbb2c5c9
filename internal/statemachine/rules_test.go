package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"examsync/internal/model"
)

func snapshot(state model.SessionState) *model.SessionSnapshot {
	return &model.SessionSnapshot{
		ID:        "sess-1",
		UserID:    "user-1",
		CourseID:  "course-1",
		State:     state,
		StartedAt: time.Now().Add(-1 * time.Hour),
		UpdatedAt: time.Now(),
	}
}

func TestStartedToInProgress(t *testing.T) {
	s := snapshot(model.SessionStarted)
	assert.False(t, CanTransition(s, model.SessionStarted, model.SessionInProgress),
		"no responses yet")

	s.Responses = map[string]model.QuestionResponse{
		"q1": {Answer: "42", SubmittedAt: time.Now()},
	}
	assert.True(t, CanTransition(s, model.SessionStarted, model.SessionInProgress))
}

func TestPauseAndResume(t *testing.T) {
	s := snapshot(model.SessionInProgress)
	assert.True(t, CanTransition(s, model.SessionInProgress, model.SessionPaused),
		"pausing is allowed at any time")

	pausedAt := time.Now().Add(-23 * time.Hour)
	s = snapshot(model.SessionPaused)
	s.PausedAt = &pausedAt
	assert.True(t, CanTransition(s, model.SessionPaused, model.SessionInProgress),
		"resume within 24h")
	assert.False(t, CanTransition(s, model.SessionPaused, model.SessionAbandoned),
		"not yet expired")

	expired := time.Now().Add(-25 * time.Hour)
	s.PausedAt = &expired
	assert.False(t, CanTransition(s, model.SessionPaused, model.SessionInProgress),
		"resume window elapsed")
	assert.True(t, CanTransition(s, model.SessionPaused, model.SessionAbandoned))
}

func TestCompletion(t *testing.T) {
	s := snapshot(model.SessionInProgress)
	assert.False(t, CanTransition(s, model.SessionInProgress, model.SessionCompleted))

	s.IsCompleted = true
	assert.False(t, CanTransition(s, model.SessionInProgress, model.SessionCompleted),
		"completion timestamp still missing")

	now := time.Now()
	s.CompletedAt = &now
	assert.True(t, CanTransition(s, model.SessionInProgress, model.SessionCompleted))
}

func TestAbandonAfterEightHours(t *testing.T) {
	s := snapshot(model.SessionInProgress)
	assert.False(t, CanTransition(s, model.SessionInProgress, model.SessionAbandoned))

	s.StartedAt = time.Now().Add(-9 * time.Hour)
	assert.True(t, CanTransition(s, model.SessionInProgress, model.SessionAbandoned))

	now := time.Now()
	s.IsCompleted = true
	s.CompletedAt = &now
	assert.False(t, CanTransition(s, model.SessionInProgress, model.SessionAbandoned),
		"completed attempts are never abandoned")
}

func TestIllegalPairsRejected(t *testing.T) {
	cases := []struct {
		from, to model.SessionState
	}{
		{model.SessionCompleted, model.SessionInProgress},
		{model.SessionAbandoned, model.SessionInProgress},
		{model.SessionStarted, model.SessionCompleted},
		{model.SessionPaused, model.SessionCompleted},
		{model.SessionCompleted, model.SessionPaused},
	}
	for _, tc := range cases {
		s := snapshot(tc.from)
		assert.False(t, CanTransition(s, tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCurrentStateMustMatchFrom(t *testing.T) {
	s := snapshot(model.SessionPaused)
	assert.False(t, CanTransition(s, model.SessionInProgress, model.SessionPaused),
		"snapshot state disagrees with proposed from")
}

func TestAutoTransitionTarget(t *testing.T) {
	pausedAt := time.Now().Add(-25 * time.Hour)
	s := snapshot(model.SessionPaused)
	s.PausedAt = &pausedAt

	target, ok := AutoTransitionTarget(s)
	assert.True(t, ok)
	assert.Equal(t, model.SessionAbandoned, target)

	fresh := snapshot(model.SessionInProgress)
	_, ok = AutoTransitionTarget(fresh)
	assert.False(t, ok)
}

func TestCompareOperators(t *testing.T) {
	cases := []struct {
		field interface{}
		op    Op
		want  interface{}
		out   bool
	}{
		{5, OpGTE, 5.0, true},
		{4, OpGTE, 5.0, false},
		{4, OpLT, 5, true},
		{"in_progress", OpEQ, "in_progress", true},
		{"paused", OpNEQ, "completed", true},
		{nil, OpEQ, nil, true},
		{nil, OpNEQ, nil, false},
		{"abcdef", OpIncludes, "cde", true},
		{[]string{"a", "b"}, OpIncludes, "b", true},
		{[]string{"a", "b"}, OpNotIncludes, "c", true},
		{map[string]interface{}{"q1": 1}, OpIncludes, "q1", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.out, compare(tc.field, tc.op, tc.want),
			"%v %s %v", tc.field, tc.op, tc.want)
	}
}
