package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/subject"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

type transitionBody struct {
	Requested subject.PaymentStatus `json:"requested_status"`
}

type publicationBody struct {
	Published *bool `json:"is_published"`
}

// GetSubject handles GET /subjects/{subjectID}.
func (h *Handler) GetSubject(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := h.subjectID(w, r)
	if !ok {
		return
	}
	s, err := h.engine.Subject(r.Context(), actorFrom(r.Context()), subjectID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

// TransitionPaymentStatus handles POST /subjects/{subjectID}/payment-status.
func (h *Handler) TransitionPaymentStatus(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := h.subjectID(w, r)
	if !ok {
		return
	}
	var body transitionBody
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.engine.Transition(r.Context(), actorFrom(r.Context()), entitle.TransitionRequest{
		SubjectID: subjectID,
		Requested: body.Requested,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// StopUsage handles POST /subjects/{subjectID}/stop-usage.
func (h *Handler) StopUsage(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := h.subjectID(w, r)
	if !ok {
		return
	}
	res, err := h.engine.StopUsage(r.Context(), actorFrom(r.Context()), subjectID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// SetPublication handles POST /subjects/{subjectID}/publication.
func (h *Handler) SetPublication(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := h.subjectID(w, r)
	if !ok {
		return
	}
	var body publicationBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.Published == nil {
		h.writeEngineError(w, r, entitle.ValidationError{Field: "is_published", Message: "is required"})
		return
	}

	res, err := h.engine.SetPublication(r.Context(), actorFrom(r.Context()), subjectID, *body.Published)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Reconcile handles POST /reconcile. Per-subject failures are reported in
// the summary and do not fail the request.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.Reconcile(r.Context(), actorFrom(r.Context()))
	if err != nil && summary == nil {
		h.writeEngineError(w, r, err)
		return
	}
	if err != nil {
		h.logger.Warn("api: reconciliation aborted", "error", err)
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// AuditTrail handles GET /audit?target_id=&actor_id=&limit=.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, err := h.engine.AuditTrail(r.Context(), actorFrom(r.Context()), audit.Filter{
		TargetID: q.Get("target_id"),
		ActorID:  q.Get("actor_id"),
		Limit:    limit,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(entries))
}

// SideEffects handles GET /side-effects?subject_id=&status=&limit=.
func (h *Handler) SideEffects(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := outbox.ListOpts{Limit: limit}

	if raw := q.Get("subject_id"); raw != "" {
		subjectID, err := id.ParseSubjectID(raw)
		if err != nil {
			h.writeEngineError(w, r, entitle.ValidationError{Field: "subject_id", Message: err.Error()})
			return
		}
		opts.SubjectID = subjectID
	}
	switch status := outbox.Status(q.Get("status")); status {
	case "", outbox.StatusPending, outbox.StatusDelivered, outbox.StatusDead:
		opts.Status = status
	default:
		h.writeEngineError(w, r, entitle.ValidationError{Field: "status", Message: "unknown status " + strconv.Quote(string(status))})
		return
	}

	msgs, err := h.engine.PendingSideEffects(r.Context(), actorFrom(r.Context()), opts)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(msgs))
}

// RetrySideEffect requeues a dead-lettered outbox message.
func (h *Handler) RetrySideEffect(w http.ResponseWriter, r *http.Request) {
	msgID, err := id.ParseOutboxID(chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeEngineError(w, r, entitle.ValidationError{Field: "message_id", Message: err.Error()})
		return
	}
	se, err := h.engine.RetrySideEffect(r.Context(), actorFrom(r.Context()), msgID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, se)
}

// ──────────────────────────────────────────────────
// Request helpers
// ──────────────────────────────────────────────────

func (h *Handler) subjectID(w http.ResponseWriter, r *http.Request) (id.SubjectID, bool) {
	subjectID, err := id.ParseSubjectID(chi.URLParam(r, "subjectID"))
	if err != nil {
		h.writeEngineError(w, r, entitle.ValidationError{Field: "subject_id", Message: err.Error()})
		return id.Nil, false
	}
	return subjectID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeEngineError(w, r, entitle.ValidationError{Field: "body", Message: err.Error()})
		return false
	}
	return true
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.writeEngineError(w, r, entitle.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ──────────────────────────────────────────────────
// Responses
// ──────────────────────────────────────────────────

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind entitle.ErrorKind) int {
	switch kind {
	case entitle.KindValidation:
		return http.StatusBadRequest
	case entitle.KindAuthorization:
		return http.StatusForbidden
	case entitle.KindNotFound:
		return http.StatusNotFound
	case entitle.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case entitle.KindConflict:
		return http.StatusConflict
	case entitle.KindDependency:
		return http.StatusBadGateway
	case entitle.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := entitle.Classify(err)
	status := statusFor(kind)
	msg := err.Error()
	if kind == entitle.KindInternal {
		h.logger.Error("api: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		msg = http.StatusText(status)
	}
	var mb *http.MaxBytesError
	if errors.As(err, &mb) {
		status = http.StatusRequestEntityTooLarge
	}
	h.writeError(w, status, string(kind), msg)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.write(w, status, envelope{Error: &errorBody{Code: code, Message: message}})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	h.write(w, status, envelope{Success: true, Data: data})
}

func (h *Handler) write(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("api: encode response", "error", err)
	}
}
