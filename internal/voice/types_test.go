package voice

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseQuotaModeCharIsToken(t *testing.T) {
	cases := map[string]QuotaMode{
		"":      QuotaOff,
		"off":   QuotaOff,
		"count": QuotaCount,
		"token": QuotaToken,
		"CHAR":  QuotaToken,
	}
	for in, want := range cases {
		got, err := ParseQuotaMode(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %v, got %v", in, want, got)
		}
	}
	if _, err := ParseQuotaMode("bytes"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestLimitErrorUnwrapsToCapSentinel(t *testing.T) {
	err := fmt.Errorf("synthesize: %w", &LimitError{Cap: CapTokens, Limit: 100, Used: 95, Requested: 10})
	if !errors.Is(err, ErrTokenLimitExceeded) {
		t.Fatalf("expected token limit sentinel, got %v", err)
	}
	c, ok := CapOf(err)
	if !ok || c != CapTokens {
		t.Fatalf("expected tokens cap, got %q ok=%v", c, ok)
	}
}

func TestCatalogVisibility(t *testing.T) {
	owner := int64(7)
	private := CatalogEntry{ID: "a", OwnerUserID: &owner}
	if !private.VisibleTo(User(7)) {
		t.Fatalf("owner must see private entry")
	}
	if private.VisibleTo(User(8)) {
		t.Fatalf("other user must not see private entry")
	}
	if !private.VisibleTo(Admin(1)) {
		t.Fatalf("admin must see private entry")
	}
	platform := CatalogEntry{ID: "b", Public: true}
	if !platform.VisibleTo(User(8)) {
		t.Fatalf("public entry must be visible")
	}
}

func TestOptionalPtr(t *testing.T) {
	if Null[int]().Ptr() != nil {
		t.Fatalf("null must map to nil")
	}
	var unset Optional[int]
	if unset.Set || unset.Ptr() != nil {
		t.Fatalf("zero optional must be unset")
	}
	if p := Some(4).Ptr(); p == nil || *p != 4 {
		t.Fatalf("expected 4, got %v", p)
	}
}
