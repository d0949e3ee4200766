package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/api"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/types"
)

var day0 = time.Date(2026, 4, 15, 9, 0, 0, 0, time.UTC)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type server struct {
	mem     *memory.Store
	handler http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	mem := memory.New()
	engine := entitle.New(mem,
		entitle.WithClock(func() time.Time { return day0 }),
		entitle.WithArtifactGenerator(entitle.ArtifactGeneratorFunc(func(_ context.Context, subjectID id.SubjectID) (string, error) {
			return "artifact/" + subjectID.String(), nil
		})),
		entitle.WithNotifier(entitle.NotifierFunc(func(context.Context, entitle.Notification) error { return nil })),
	)
	return &server{mem: mem, handler: api.NewRouter(engine, nil, "/admin")}
}

func (s *server) seed(t *testing.T, status subject.PaymentStatus, published bool) *subject.Subject {
	t.Helper()
	subj := &subject.Subject{
		Entity:        types.EntityAt(day0.AddDate(0, -1, 0)),
		ID:            id.NewSubjectID(),
		OwnerID:       "owner@example.test",
		PaymentStatus: status,
		Published:     published,
		BillingKind:   subject.BillingRecurring,
	}
	if err := s.mem.CreateSubject(context.Background(), subj); err != nil {
		t.Fatal(err)
	}
	return subj
}

func (s *server) do(t *testing.T, method, path, role, body string) (int, envelope) {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		r.Header.Set(api.HeaderActorID, role+"-1")
		r.Header.Set(api.HeaderActorLabel, "Test "+role)
		r.Header.Set(api.HeaderActorRole, role)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, r)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, env
}

func TestActorHeaders(t *testing.T) {
	s := newServer(t)
	subj := s.seed(t, subject.StatusBankPending, false)
	path := "/admin/subjects/" + subj.ID.String()

	tests := []struct {
		name     string
		role     string
		wantCode int
		wantErr  string
	}{
		{"missing actor", "", http.StatusUnauthorized, "unauthenticated"},
		{"unknown role", "owner", http.StatusForbidden, "unauthorized"},
		{"system role", "system", http.StatusForbidden, "unauthorized"},
		{"viewer", "viewer", http.StatusOK, ""},
		{"admin", "admin", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, http.MethodGet, path, tt.role, "")
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d", code, tt.wantCode)
			}
			if tt.wantErr == "" {
				if !env.Success {
					t.Fatalf("unexpected failure: %+v", env.Error)
				}
				return
			}
			if env.Success || env.Error == nil || env.Error.Code != tt.wantErr {
				t.Fatalf("error = %+v, want code %q", env.Error, tt.wantErr)
			}
		})
	}
}

func TestTransitionOverHTTP(t *testing.T) {
	s := newServer(t)
	subj := s.seed(t, subject.StatusBankPending, false)
	path := "/admin/subjects/" + subj.ID.String() + "/payment-status"

	code, env := s.do(t, http.MethodPost, path, "viewer", `{"requested_status":"BANK_PAID"}`)
	if code != http.StatusForbidden {
		t.Fatalf("viewer transition: status = %d, want 403", code)
	}

	code, env = s.do(t, http.MethodPost, path, "admin", `{"requested_status":"BANK_PAID"}`)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("admin transition: status = %d, error = %+v", code, env.Error)
	}
	var res struct {
		Changed bool             `json:"changed"`
		Subject *subject.Subject `json:"subject"`
	}
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Subject.PaymentStatus != subject.StatusBankPaid {
		t.Errorf("result = %+v", res)
	}

	code, env = s.do(t, http.MethodPost, path, "admin", `{"requested_status":"BANK_PAID"}`)
	if code != http.StatusUnprocessableEntity || env.Error.Code != "invalid_transition" {
		t.Errorf("repeat transition: status = %d, error = %+v", code, env.Error)
	}
}

func TestRequestValidation(t *testing.T) {
	s := newServer(t)
	subj := s.seed(t, subject.StatusBankPaid, false)
	base := "/admin/subjects/" + subj.ID.String()

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"malformed id", http.MethodGet, "/admin/subjects/not-an-id", "", http.StatusBadRequest, "validation"},
		{"unknown subject", http.MethodGet, "/admin/subjects/" + id.NewSubjectID().String(), "", http.StatusNotFound, "not_found"},
		{"malformed body", http.MethodPost, base + "/payment-status", `{"requested_status":`, http.StatusBadRequest, "validation"},
		{"unknown field", http.MethodPost, base + "/publication", `{"published":true}`, http.StatusBadRequest, "validation"},
		{"missing publication flag", http.MethodPost, base + "/publication", `{}`, http.StatusBadRequest, "validation"},
		{"bad limit", http.MethodGet, "/admin/audit?limit=-3", "", http.StatusBadRequest, "validation"},
		{"bad outbox status", http.MethodGet, "/admin/side-effects?status=lost", "", http.StatusBadRequest, "validation"},
		{"bad outbox subject", http.MethodGet, "/admin/side-effects?subject_id=xyz", "", http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, tt.method, tt.path, "admin", tt.body)
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%+v)", code, tt.wantCode, env.Error)
			}
			if env.Error == nil || env.Error.Code != tt.wantErr {
				t.Fatalf("error = %+v, want code %q", env.Error, tt.wantErr)
			}
		})
	}
}

func TestPublicationStopUsageAndAudit(t *testing.T) {
	s := newServer(t)
	subj := s.seed(t, subject.StatusBankPaid, false)
	base := "/admin/subjects/" + subj.ID.String()

	code, env := s.do(t, http.MethodPost, base+"/publication", "admin", `{"is_published":true}`)
	if code != http.StatusOK {
		t.Fatalf("publish: status = %d, error = %+v", code, env.Error)
	}

	code, env = s.do(t, http.MethodPost, base+"/stop-usage", "admin", "")
	if code != http.StatusOK {
		t.Fatalf("stop usage: status = %d, error = %+v", code, env.Error)
	}
	var res struct {
		Subject *subject.Subject `json:"subject"`
	}
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Subject.Published || res.Subject.PaymentStatus != subject.StatusBankPending {
		t.Errorf("after stop usage: %+v", res.Subject)
	}

	code, env = s.do(t, http.MethodGet, "/admin/audit?target_id="+subj.ID.String(), "viewer", "")
	if code != http.StatusOK {
		t.Fatalf("audit: status = %d", code)
	}
	var entries []map[string]any
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("audit entries = %d, want 2", len(entries))
	}
}

func TestReconcileAndSideEffects(t *testing.T) {
	s := newServer(t)

	code, env := s.do(t, http.MethodPost, "/admin/reconcile", "viewer", "")
	if code != http.StatusForbidden {
		t.Fatalf("viewer reconcile: status = %d", code)
	}

	code, env = s.do(t, http.MethodPost, "/admin/reconcile", "admin", "")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("reconcile: status = %d, error = %+v", code, env.Error)
	}
	var summary entitle.Summary
	if err := json.Unmarshal(env.Data, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.UpdatedCount != 0 || summary.Aborted {
		t.Errorf("summary = %+v", summary)
	}

	code, env = s.do(t, http.MethodGet, "/admin/side-effects?status=pending", "viewer", "")
	if code != http.StatusOK || string(env.Data) != "[]" {
		t.Errorf("side effects: status = %d, data = %s", code, env.Data)
	}
}

func TestRetryDeadSideEffect(t *testing.T) {
	s := newServer(t)
	subj := s.seed(t, subject.StatusBankPaid, false)
	msgID := id.NewOutboxID()
	err := s.mem.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.EnqueueOutbox(ctx, &outbox.Message{
			Entity:        types.EntityAt(day0),
			ID:            msgID,
			SubjectID:     subj.ID,
			Kind:          outbox.KindIssueArtifact,
			Stage:         outbox.StageIssueArtifact,
			Status:        outbox.StatusDead,
			Attempts:      8,
			NextAttemptAt: day0,
			LastError:     "renderer unavailable",
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	path := "/admin/side-effects/" + msgID.String() + "/retry"

	if code, _ := s.do(t, http.MethodPost, path, "viewer", ""); code != http.StatusForbidden {
		t.Errorf("viewer retry: status = %d", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/admin/side-effects/not-an-id/retry", "admin", ""); code != http.StatusBadRequest {
		t.Errorf("malformed id: status = %d", code)
	}

	code, env := s.do(t, http.MethodPost, path, "admin", "")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("retry: status = %d, error = %+v", code, env.Error)
	}
	var se entitle.SideEffect
	if err := json.Unmarshal(env.Data, &se); err != nil {
		t.Fatal(err)
	}
	if se.Status != outbox.StatusDelivered || se.Attempts != 0 {
		t.Errorf("side effect = %+v", se)
	}

	code, env = s.do(t, http.MethodPost, path, "admin", "")
	if code != http.StatusUnprocessableEntity || env.Error == nil || env.Error.Code != string(entitle.KindInvalidTransition) {
		t.Errorf("second retry: status = %d, error = %+v", code, env.Error)
	}
}

func TestHeartbeatBypassesActorCheck(t *testing.T) {
	s := newServer(t)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Errorf("ping status = %d", w.Code)
	}
}
