package statemachine

import (
	"fmt"
	"strings"
	"time"

	"examsync/internal/model"
)

// Op is a generic comparison operator applied to a snapshot field.
type Op string

const (
	OpGTE         Op = ">="
	OpLTE         Op = "<="
	OpGT          Op = ">"
	OpLT          Op = "<"
	OpEQ          Op = "=="
	OpNEQ         Op = "!="
	OpIncludes    Op = "includes"
	OpNotIncludes Op = "not_includes"
)

// Condition compares one snapshot field (dotted path) against a value.
type Condition struct {
	Field string
	Op    Op
	Value interface{}
}

// Rule is one legal transition in the session state machine.
type Rule struct {
	From             model.SessionState
	To               model.SessionState
	Auto             bool
	MaxDurationHours float64
	Conditions       []Condition
}

// Rules is the fixed transition table for exam attempts.
//
//	started -> in_progress   auto, once any response exists
//	in_progress -> paused    manual, any time
//	paused -> in_progress    manual resume within 24h of pausing
//	paused -> abandoned      auto expiry after 24h without resume
//	in_progress -> completed manual, needs is_completed and a completion time
//	in_progress -> abandoned auto after 8 continuous hours without completing
var Rules = []Rule{
	{
		From: model.SessionStarted,
		To:   model.SessionInProgress,
		Auto: true,
		Conditions: []Condition{
			{Field: "response_count", Op: OpGT, Value: 0},
		},
	},
	{
		From: model.SessionInProgress,
		To:   model.SessionPaused,
	},
	{
		From:             model.SessionPaused,
		To:               model.SessionInProgress,
		MaxDurationHours: 24,
		Conditions: []Condition{
			{Field: "hours_since_paused", Op: OpLT, Value: 24.0},
		},
	},
	{
		From:             model.SessionPaused,
		To:               model.SessionAbandoned,
		Auto:             true,
		MaxDurationHours: 24,
		Conditions: []Condition{
			{Field: "hours_since_paused", Op: OpGTE, Value: 24.0},
		},
	},
	{
		From: model.SessionInProgress,
		To:   model.SessionCompleted,
		Conditions: []Condition{
			{Field: "is_completed", Op: OpEQ, Value: true},
			{Field: "completed_at", Op: OpNEQ, Value: nil},
		},
	},
	{
		From:             model.SessionInProgress,
		To:               model.SessionAbandoned,
		Auto:             true,
		MaxDurationHours: 8,
		Conditions: []Condition{
			{Field: "hours_since_started", Op: OpGTE, Value: 8.0},
			{Field: "is_completed", Op: OpEQ, Value: false},
		},
	},
}

// CanTransition reports whether moving the session from one state to another
// is legal under the rule table. Illegal transitions return false with no
// error detail; callers must treat false as "do not apply, re-sync".
func CanTransition(s *model.SessionSnapshot, from, to model.SessionState) bool {
	return canTransitionAt(s, from, to, time.Now())
}

func canTransitionAt(s *model.SessionSnapshot, from, to model.SessionState, now time.Time) bool {
	if s == nil || s.State != from {
		return false
	}
	for _, rule := range Rules {
		if rule.From != from || rule.To != to {
			continue
		}
		if evalConditions(s, rule.Conditions, now) {
			return true
		}
	}
	return false
}

// AutoTransitionTarget returns the state a session is currently eligible to
// auto-transition into, if any. Used by callers that sweep for expired
// attempts; the authoritative store performs the actual write.
func AutoTransitionTarget(s *model.SessionSnapshot) (model.SessionState, bool) {
	now := time.Now()
	for _, rule := range Rules {
		if !rule.Auto || rule.From != s.State {
			continue
		}
		if evalConditions(s, rule.Conditions, now) {
			return rule.To, true
		}
	}
	return "", false
}

func evalConditions(s *model.SessionSnapshot, conds []Condition, now time.Time) bool {
	for _, c := range conds {
		val, ok := s.Field(c.Field, now)
		if !ok {
			return false
		}
		if !compare(val, c.Op, c.Value) {
			return false
		}
	}
	return true
}

func compare(field interface{}, op Op, want interface{}) bool {
	switch op {
	case OpEQ:
		return equal(field, want)
	case OpNEQ:
		return !equal(field, want)
	case OpGT, OpGTE, OpLT, OpLTE:
		a, aok := toFloat(field)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpGT:
			return a > b
		case OpGTE:
			return a >= b
		case OpLT:
			return a < b
		case OpLTE:
			return a <= b
		}
	case OpIncludes:
		return includes(field, want)
	case OpNotIncludes:
		return !includes(field, want)
	}
	return false
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func includes(field, want interface{}) bool {
	switch v := field.(type) {
	case string:
		return strings.Contains(v, fmt.Sprintf("%v", want))
	case []string:
		target := fmt.Sprintf("%v", want)
		for _, item := range v {
			if item == target {
				return true
			}
		}
	case []interface{}:
		for _, item := range v {
			if equal(item, want) {
				return true
			}
		}
	case map[string]interface{}:
		_, ok := v[fmt.Sprintf("%v", want)]
		return ok
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
