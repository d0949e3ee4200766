package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/entitle/id"
)

func TestConstructorsCarryPrefix(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
		prefix  string
	}{
		{"Subject", id.NewSubjectID, id.ParseSubjectID, "subj_"},
		{"Subscription", id.NewSubscriptionID, id.ParseSubscriptionID, "sub_"},
		{"Payment", id.NewPaymentID, id.ParsePaymentID, "pay_"},
		{"Audit", id.NewAuditID, id.ParseAuditID, "aud_"},
		{"Outbox", id.NewOutboxID, id.ParseOutboxID, "obx_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generated := tt.newFn()
			if !strings.HasPrefix(generated.String(), tt.prefix) {
				t.Fatalf("expected prefix %q, got %q", tt.prefix, generated.String())
			}
			parsed, err := tt.parseFn(generated.String())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.String() != generated.String() {
				t.Errorf("round trip mismatch: %q != %q", parsed, generated)
			}
		})
	}
}

func TestParseRejectsForeignPrefix(t *testing.T) {
	payment := id.NewPaymentID().String()
	if _, err := id.ParseSubjectID(payment); err == nil {
		t.Fatal("expected error parsing a payment id as a subject id")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var zero id.ID
	if !zero.IsNil() || zero.String() != "" || zero.Prefix() != "" {
		t.Fatalf("zero value should be nil, got %q", zero.String())
	}
	v, err := zero.Value()
	if err != nil || v != nil {
		t.Fatalf("nil id should store NULL, got %v (%v)", v, err)
	}
}

func TestTextAndScan(t *testing.T) {
	original := id.NewSubjectID()

	text, err := original.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	var decoded id.ID
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if decoded.String() != original.String() {
		t.Errorf("text round trip: %q != %q", decoded, original)
	}

	var scanned id.ID
	if err := scanned.Scan([]byte(original.String())); err != nil {
		t.Fatal(err)
	}
	if scanned.String() != original.String() {
		t.Errorf("scan: %q != %q", scanned, original)
	}
	if err := scanned.Scan(nil); err != nil || !scanned.IsNil() {
		t.Errorf("scan nil: got %q, %v", scanned, err)
	}
	if err := scanned.Scan(42); err == nil {
		t.Error("expected error scanning an int")
	}
}

func TestCompare(t *testing.T) {
	a := id.MustParse("subj_01h455vb4pex5vsknk084sn02q")
	b := id.MustParse("subj_01h455vb4pex5vsknk084sn02r")
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Errorf("unexpected ordering between %q and %q", a, b)
	}
	if id.Nil.Compare(a) >= 0 {
		t.Error("nil should sort first")
	}
}
