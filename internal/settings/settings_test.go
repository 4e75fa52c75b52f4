package settings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/promptgate/promptgate/internal/store"
)

func TestDefaultsWhenStoreEmpty(t *testing.T) {
	accessor := NewAccessor(store.NewMemoryStore(), true)
	ctx := context.Background()

	if got := accessor.IdentityPerMinute(ctx); got != DefaultIdentityPerMinute {
		t.Fatalf("IdentityPerMinute = %d, want %d", got, DefaultIdentityPerMinute)
	}
	if got := accessor.ChallengeTTL(ctx); got != time.Duration(DefaultChallengeTTLSeconds)*time.Second {
		t.Fatalf("ChallengeTTL = %s", got)
	}
	if got := accessor.CostDailyCapMicros(ctx); got != DefaultCostDailyCapMicros {
		t.Fatalf("CostDailyCapMicros = %d, want %d", got, DefaultCostDailyCapMicros)
	}
}

func TestStoredValueOverridesDefault(t *testing.T) {
	accessor := NewAccessor(store.NewMemoryStore(), true)
	ctx := context.Background()

	if errSet := accessor.SetValue(ctx, IdentityPerMinuteKey, json.RawMessage(`25`)); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}
	if got := accessor.IdentityPerMinute(ctx); got != 25 {
		t.Fatalf("IdentityPerMinute = %d, want 25", got)
	}

	// Deleting the override restores the compiled default.
	if errDelete := accessor.DeleteValue(ctx, IdentityPerMinuteKey); errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}
	if got := accessor.IdentityPerMinute(ctx); got != DefaultIdentityPerMinute {
		t.Fatalf("IdentityPerMinute = %d, want default after delete", got)
	}
}

func TestNoProcessLocalCaching(t *testing.T) {
	memory := store.NewMemoryStore()
	accessor := NewAccessor(memory, true)
	other := NewAccessor(memory, true)
	ctx := context.Background()

	if got := accessor.GlobalPerMinute(ctx); got != DefaultGlobalPerMinute {
		t.Fatalf("GlobalPerMinute = %d", got)
	}
	// A write through one accessor is visible to another immediately.
	if errSet := other.SetValue(ctx, GlobalPerMinuteKey, json.RawMessage(`7`)); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}
	if got := accessor.GlobalPerMinute(ctx); got != 7 {
		t.Fatalf("GlobalPerMinute = %d, want 7", got)
	}
}

func TestMalformedStoredValueFallsBack(t *testing.T) {
	accessor := NewAccessor(store.NewMemoryStore(), true)
	ctx := context.Background()

	if errSet := accessor.SetValue(ctx, IdentityPerHourKey, json.RawMessage(`"not a number"`)); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}
	if got := accessor.IdentityPerHour(ctx); got != DefaultIdentityPerHour {
		t.Fatalf("IdentityPerHour = %d, want default on malformed value", got)
	}
}

func TestNonProductionDefaults(t *testing.T) {
	accessor := NewAccessor(store.NewMemoryStore(), false)
	if got := accessor.MaxActiveChallenges(context.Background()); got != DefaultMaxActiveChallengesNonProd {
		t.Fatalf("MaxActiveChallenges = %d, want %d outside production", got, DefaultMaxActiveChallengesNonProd)
	}
}

func TestValidateValue(t *testing.T) {
	if errValidate := ValidateValue(IdentityPerMinuteKey, json.RawMessage(`15`)); errValidate != nil {
		t.Fatalf("integer rejected: %v", errValidate)
	}
	if errValidate := ValidateValue(IdentityPerMinuteKey, json.RawMessage(`"30"`)); errValidate != nil {
		t.Fatalf("quoted integer rejected: %v", errValidate)
	}
	if errValidate := ValidateValue("NOT_A_KEY", json.RawMessage(`1`)); !errors.Is(errValidate, ErrUnknownKey) {
		t.Fatalf("expected unknown key, got %v", errValidate)
	}
	if errValidate := ValidateValue(IdentityPerMinuteKey, json.RawMessage(`-5`)); !errors.Is(errValidate, ErrInvalidValue) {
		t.Fatalf("expected invalid value for negative, got %v", errValidate)
	}
	if errValidate := ValidateValue(IdentityPerMinuteKey, json.RawMessage(`3.5`)); !errors.Is(errValidate, ErrInvalidValue) {
		t.Fatalf("expected invalid value for fraction, got %v", errValidate)
	}
}

func TestParseNonNegativeIntForms(t *testing.T) {
	cases := []struct {
		raw  string
		want int
		ok   bool
	}{
		{`42`, 42, true},
		{`0`, 0, true},
		{`"17"`, 17, true},
		{`" 8 "`, 8, true},
		{`12.0`, 12, true},
		{`-1`, 0, false},
		{`"abc"`, 0, false},
		{``, 0, false},
	}
	for _, tc := range cases {
		got, ok := parseNonNegativeInt(json.RawMessage(tc.raw))
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("parseNonNegativeInt(%q) = (%d, %v), want (%d, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}
