package ledger

import (
	"errors"
	"testing"
)

func TestNewAccountID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidAccountID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewAccountID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewPaymentSessionID(t *testing.T) {
	t.Parallel()
	_, err := NewPaymentSessionID("")
	if !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
}

func TestNewIdempotencyKey(t *testing.T) {
	t.Parallel()
	_, err := NewIdempotencyKey("   ")
	if !errors.Is(err, ErrInvalidIdempotencyKey) {
		t.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
}

func TestNewPositiveCredits(t *testing.T) {
	t.Parallel()
	for _, raw := range []int64{0, -3} {
		if _, err := NewPositiveCredits(raw); !errors.Is(err, ErrInvalidCredits) {
			t.Fatalf("expected ErrInvalidCredits for %d, got %v", raw, err)
		}
	}
	value, err := NewPositiveCredits(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value.ToCredits() != 10 {
		t.Fatalf("expected 10, got %d", value)
	}
}

func TestNewBalance(t *testing.T) {
	t.Parallel()
	if _, err := NewBalance(-1); !errors.Is(err, ErrInvalidBalance) {
		t.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
	if balance, err := NewBalance(0); err != nil || balance != 0 {
		t.Fatalf("expected zero balance, got %d (%v)", balance, err)
	}
}

func TestNewReason(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "Tailor", want: "tailor"},
		{input: " export_pdf ", want: "export_pdf"},
		{input: "", wantErr: true},
		{input: "has space", wantErr: true},
		{input: "-leading", wantErr: true},
	}
	for _, tc := range cases {
		reason, err := NewReason(tc.input)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidReason) {
				t.Fatalf("expected ErrInvalidReason for %q, got %v", tc.input, err)
			}
			continue
		}
		if err != nil || reason.String() != tc.want {
			t.Fatalf("expected %q, got %q (%v)", tc.want, reason.String(), err)
		}
	}
}

func TestNewPaidActionRequiresReason(t *testing.T) {
	t.Parallel()
	if _, err := NewPaidAction(Reason{}, 1); !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected ErrInvalidReason, got %v", err)
	}
	if _, err := NewPaidAction(Reason{value: "tailor"}, 0); !errors.Is(err, ErrInvalidCredits) {
		t.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
}

func TestParseEntryType(t *testing.T) {
	t.Parallel()
	for _, entryType := range []EntryType{EntryGrant, EntryDebit, EntryCredit, EntryRefund} {
		parsed, err := ParseEntryType(entryType.String())
		if err != nil || parsed != entryType {
			t.Fatalf("expected %s, got %s (%v)", entryType, parsed, err)
		}
	}
	if _, err := ParseEntryType("hold"); !errors.Is(err, ErrInvalidEntryType) {
		t.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	_, err = NewMetadataJSON("not-json")
	if !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
	if MetadataFrom(nil).String() != "{}" {
		t.Fatalf("expected empty map metadata to be '{}'")
	}
	if got := MetadataFrom(map[string]any{"reason": "tailor"}).String(); got != `{"reason":"tailor"}` {
		t.Fatalf("unexpected metadata %q", got)
	}
}
