// Package outbox defines pending side effects written in the same unit of
// work as the state change that caused them.
package outbox

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

type Kind string

// KindIssueArtifact issues the subject's artifact and notifies its owner.
const KindIssueArtifact Kind = "issue_artifact"

// Stage is the next step a message must complete.
type Stage string

const (
	StageIssueArtifact Stage = "issue_artifact"
	StageNotify        Stage = "notify"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

type Message struct {
	types.Entity
	ID            id.OutboxID  `json:"id"`
	SubjectID     id.SubjectID `json:"subject_id"`
	Kind          Kind         `json:"kind"`
	Stage         Stage        `json:"stage"`
	Status        Status       `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	ArtifactRef   string       `json:"artifact_ref,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

// Due reports whether the message should be attempted at now.
func (m *Message) Due(now time.Time) bool {
	return m.Status == StatusPending && !m.NextAttemptAt.After(now)
}

func (m *Message) Clone() *Message {
	c := *m
	return &c
}
