package model

import "time"

type SessionState string

const (
	SessionStarted    SessionState = "started"
	SessionInProgress SessionState = "in_progress"
	SessionPaused     SessionState = "paused"
	SessionCompleted  SessionState = "completed"
	SessionAbandoned  SessionState = "abandoned"
)

// QuestionResponse is one answer cell within an exam attempt.
type QuestionResponse struct {
	Answer      interface{} `json:"answer" bson:"answer"`
	SubmittedAt time.Time   `json:"submittedAt" bson:"submitted_at"`
	Final       bool        `json:"final" bson:"final"`
}

// SessionSnapshot is the full value of one exam attempt at a point in time,
// as delivered by a change notification or a direct store read. UpdatedAt is
// written by the authoritative store and is the only ordering signal available.
type SessionSnapshot struct {
	ID              string                      `json:"id" bson:"_id"`
	UserID          string                      `json:"userId" bson:"user_id"`
	CourseID        string                      `json:"courseId" bson:"course_id"`
	State           SessionState                `json:"state" bson:"state"`
	Responses       map[string]QuestionResponse `json:"responses" bson:"responses"`
	DurationSeconds int                         `json:"durationSeconds" bson:"duration_seconds"`
	IsCompleted     bool                        `json:"isCompleted" bson:"is_completed"`
	Score           *float64                    `json:"score,omitempty" bson:"score,omitempty"`
	StartedAt       time.Time                   `json:"startedAt" bson:"started_at"`
	PausedAt        *time.Time                  `json:"pausedAt,omitempty" bson:"paused_at,omitempty"`
	CompletedAt     *time.Time                  `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	UpdatedAt       time.Time                   `json:"updatedAt" bson:"updated_at"`
}

// ResponseCount returns the number of answered questions.
func (s *SessionSnapshot) ResponseCount() int {
	return len(s.Responses)
}

// Clone returns a copy safe to hand to observer callbacks.
func (s *SessionSnapshot) Clone() *SessionSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Responses != nil {
		cp.Responses = make(map[string]QuestionResponse, len(s.Responses))
		for k, v := range s.Responses {
			cp.Responses[k] = v
		}
	}
	return &cp
}

// Field resolves a dotted field path against the snapshot for the transition
// rule evaluator. Time-derived fields are computed relative to now.
func (s *SessionSnapshot) Field(path string, now time.Time) (interface{}, bool) {
	switch path {
	case "state":
		return string(s.State), true
	case "user_id":
		return s.UserID, true
	case "course_id":
		return s.CourseID, true
	case "response_count":
		return len(s.Responses), true
	case "duration_seconds":
		return s.DurationSeconds, true
	case "is_completed":
		return s.IsCompleted, true
	case "score":
		if s.Score == nil {
			return nil, true
		}
		return *s.Score, true
	case "completed_at":
		if s.CompletedAt == nil {
			return nil, true
		}
		return *s.CompletedAt, true
	case "paused_at":
		if s.PausedAt == nil {
			return nil, true
		}
		return *s.PausedAt, true
	case "hours_since_started":
		return now.Sub(s.StartedAt).Hours(), true
	case "hours_since_paused":
		if s.PausedAt == nil {
			return nil, false
		}
		return now.Sub(*s.PausedAt).Hours(), true
	}

	// Nested response fields: responses.<questionID>.<answer|final|submitted_at>
	if rest, ok := cutPrefix(path, "responses."); ok {
		qid, field, found := cutDot(rest)
		resp, exists := s.Responses[qid]
		if !exists {
			return nil, false
		}
		if !found {
			return resp, true
		}
		switch field {
		case "answer":
			return resp.Answer, true
		case "final":
			return resp.Final, true
		case "submitted_at":
			return resp.SubmittedAt, true
		}
	}
	return nil, false
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return s, false
}

func cutDot(s string) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
