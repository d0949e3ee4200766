package postgres

import (
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// ==================== Subject ====================

type subjectModel struct {
	grove.BaseModel `grove:"table:entitle_subjects"`

	ID             string    `grove:"id,pk"`
	OwnerID        string    `grove:"owner_id"`
	PaymentStatus  string    `grove:"payment_status"`
	Published      bool      `grove:"is_published"`
	ArtifactIssued bool      `grove:"artifact_issued"`
	ArtifactRef    string    `grove:"artifact_ref"`
	PublicSlug     string    `grove:"public_slug"`
	BillingKind    string    `grove:"billing_kind"`
	Version        int64     `grove:"version"`
	CreatedAt      time.Time `grove:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"`
}

func toSubjectModel(s *subject.Subject) *subjectModel {
	return &subjectModel{
		ID:             s.ID.String(),
		OwnerID:        s.OwnerID,
		PaymentStatus:  string(s.PaymentStatus),
		Published:      s.Published,
		ArtifactIssued: s.ArtifactIssued,
		ArtifactRef:    s.ArtifactRef,
		PublicSlug:     s.PublicSlug,
		BillingKind:    string(s.BillingKind),
		Version:        s.Version,
		CreatedAt:      s.CreatedAt.UTC(),
		UpdatedAt:      s.UpdatedAt.UTC(),
	}
}

func fromSubjectModel(m *subjectModel) (*subject.Subject, error) {
	subjID, err := id.ParseSubjectID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subject ID %q: %w", m.ID, err)
	}
	status, err := subject.ParsePaymentStatus(m.PaymentStatus)
	if err != nil {
		return nil, err
	}
	return &subject.Subject{
		Entity:         types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:             subjID,
		OwnerID:        m.OwnerID,
		PaymentStatus:  status,
		Published:      m.Published,
		ArtifactIssued: m.ArtifactIssued,
		ArtifactRef:    m.ArtifactRef,
		PublicSlug:     m.PublicSlug,
		BillingKind:    subject.BillingKind(m.BillingKind),
		Version:        m.Version,
	}, nil
}

// ==================== Subscription ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:entitle_subscriptions"`

	ID              string     `grove:"id,pk"`
	SubjectID       string     `grove:"subject_id"`
	Status          string     `grove:"status"`
	NextBillingDate time.Time  `grove:"next_billing_date"`
	CancelledAt     *time.Time `grove:"cancelled_at"`
	CreatedAt       time.Time  `grove:"created_at"`
	UpdatedAt       time.Time  `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:              s.ID.String(),
		SubjectID:       s.SubjectID.String(),
		Status:          string(s.Status),
		NextBillingDate: s.NextBillingDate.UTC(),
		CancelledAt:     utcPtr(s.CancelledAt),
		CreatedAt:       s.CreatedAt.UTC(),
		UpdatedAt:       s.UpdatedAt.UTC(),
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	subjID, err := id.ParseSubjectID(m.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("parse subject ID %q: %w", m.SubjectID, err)
	}
	return &subscription.Subscription{
		Entity:          types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:              subID,
		SubjectID:       subjID,
		Status:          subscription.Status(m.Status),
		NextBillingDate: m.NextBillingDate.UTC(),
		CancelledAt:     utcPtr(m.CancelledAt),
	}, nil
}

// ==================== Payment ====================

type paymentModel struct {
	grove.BaseModel `grove:"table:entitle_payments"`

	ID        string     `grove:"id,pk"`
	SubjectID string     `grove:"subject_id"`
	Kind      string     `grove:"kind"`
	Status    string     `grove:"status"`
	PaidAt    *time.Time `grove:"paid_at"`
	Method    string     `grove:"method"`
	CreatedAt time.Time  `grove:"created_at"`
	UpdatedAt time.Time  `grove:"updated_at"`
}

func toPaymentModel(p *payment.Record) *paymentModel {
	return &paymentModel{
		ID:        p.ID.String(),
		SubjectID: p.SubjectID.String(),
		Kind:      string(p.Kind),
		Status:    string(p.Status),
		PaidAt:    utcPtr(p.PaidAt),
		Method:    string(p.Method),
		CreatedAt: p.CreatedAt.UTC(),
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

func fromPaymentModel(m *paymentModel) (*payment.Record, error) {
	payID, err := id.ParsePaymentID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse payment ID %q: %w", m.ID, err)
	}
	subjID, err := id.ParseSubjectID(m.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("parse subject ID %q: %w", m.SubjectID, err)
	}
	return &payment.Record{
		Entity:    types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:        payID,
		SubjectID: subjID,
		Kind:      payment.Kind(m.Kind),
		Status:    payment.Status(m.Status),
		PaidAt:    utcPtr(m.PaidAt),
		Method:    payment.Method(m.Method),
	}, nil
}

// ==================== Audit ====================

type auditModel struct {
	grove.BaseModel `grove:"table:entitle_audit_log"`

	ID          string    `grove:"id,pk"`
	ActorID     string    `grove:"actor_id"`
	ActorLabel  string    `grove:"actor_label"`
	ChangeType  string    `grove:"change_type"`
	TargetType  string    `grove:"target_type"`
	TargetID    string    `grove:"target_id"`
	Description string    `grove:"description"`
	OccurredAt  time.Time `grove:"occurred_at"`
}

func toAuditModel(e *audit.Entry) *auditModel {
	return &auditModel{
		ID:          e.ID.String(),
		ActorID:     e.ActorID,
		ActorLabel:  e.ActorLabel,
		ChangeType:  string(e.ChangeType),
		TargetType:  e.TargetType,
		TargetID:    e.TargetID,
		Description: e.Description,
		OccurredAt:  e.OccurredAt.UTC(),
	}
}

func fromAuditModel(m *auditModel) (*audit.Entry, error) {
	auditID, err := id.ParseAuditID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse audit ID %q: %w", m.ID, err)
	}
	return &audit.Entry{
		ID:          auditID,
		ActorID:     m.ActorID,
		ActorLabel:  m.ActorLabel,
		ChangeType:  audit.ChangeType(m.ChangeType),
		TargetType:  m.TargetType,
		TargetID:    m.TargetID,
		Description: m.Description,
		OccurredAt:  m.OccurredAt.UTC(),
	}, nil
}

// ==================== Outbox ====================

type outboxModel struct {
	grove.BaseModel `grove:"table:entitle_outbox"`

	ID            string    `grove:"id,pk"`
	SubjectID     string    `grove:"subject_id"`
	Kind          string    `grove:"kind"`
	Stage         string    `grove:"stage"`
	Status        string    `grove:"status"`
	Attempts      int       `grove:"attempts"`
	NextAttemptAt time.Time `grove:"next_attempt_at"`
	ArtifactRef   string    `grove:"artifact_ref"`
	LastError     string    `grove:"last_error"`
	CreatedAt     time.Time `grove:"created_at"`
	UpdatedAt     time.Time `grove:"updated_at"`
}

func toOutboxModel(m *outbox.Message) *outboxModel {
	return &outboxModel{
		ID:            m.ID.String(),
		SubjectID:     m.SubjectID.String(),
		Kind:          string(m.Kind),
		Stage:         string(m.Stage),
		Status:        string(m.Status),
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt.UTC(),
		ArtifactRef:   m.ArtifactRef,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func fromOutboxModel(m *outboxModel) (*outbox.Message, error) {
	msgID, err := id.ParseOutboxID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse outbox ID %q: %w", m.ID, err)
	}
	subjID, err := id.ParseSubjectID(m.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("parse subject ID %q: %w", m.SubjectID, err)
	}
	return &outbox.Message{
		Entity:        types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:            msgID,
		SubjectID:     subjID,
		Kind:          outbox.Kind(m.Kind),
		Stage:         outbox.Stage(m.Stage),
		Status:        outbox.Status(m.Status),
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt.UTC(),
		ArtifactRef:   m.ArtifactRef,
		LastError:     m.LastError,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
