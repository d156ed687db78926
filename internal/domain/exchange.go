package domain

import (
	"time"
)

// Operation names a dispatcher flow.
type Operation string

// Dispatcher flows recorded in the exchange journal.
const (
	OperationChat    Operation = "chat"
	OperationImage   Operation = "image"
	OperationAnalyze Operation = "analyze"
)

// OutcomeOK marks a successful exchange. Failures are recorded with the
// name of their error kind.
const OutcomeOK = "ok"

// Exchange is the metadata of one completed dispatcher operation.
// Message content is never part of it.
type Exchange struct {
	ID             int64         `json:"id"`
	ConversationID int64         `json:"conversation_id"`
	Operation      Operation     `json:"operation"`
	Outcome        string        `json:"outcome"`
	AuthRetried    bool          `json:"auth_retried"`
	Duration       time.Duration `json:"duration"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Succeeded returns true if the exchange completed without error.
func (e *Exchange) Succeeded() bool {
	return e.Outcome == OutcomeOK
}

// ExchangeStats aggregates journal rows since a point in time.
type ExchangeStats struct {
	Since     time.Time        `json:"since"`
	Total     int64            `json:"total"`
	Retried   int64            `json:"auth_retried"`
	ByOutcome map[string]int64 `json:"by_outcome"`
}
