package validate

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/booger/internal/model"
	"github.com/alfredjeanlab/booger/internal/testkit"
)

// fieldErrors extracts a *model.ValidationError from err or fails the test.
func fieldErrors(t *testing.T, err error) []model.FieldError {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *model.ValidationError, got %T", err)
	}
	return ve.Errors
}

func hasFieldError(errs []model.FieldError, field string) bool {
	for _, fe := range errs {
		if fe.Field == field {
			return true
		}
	}
	return false
}

func TestValidateSignedEvent(t *testing.T) {
	v := New(DefaultLimits())
	key := testkit.NewKey(t)
	ev := key.Event(t, 1, 1700000000, "hello", model.Tag{"t", "greeting"})
	if err := v.Validate(ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	v := New(DefaultLimits())
	key := testkit.NewKey(t)
	other := testkit.NewKey(t)

	for _, tc := range []struct {
		name   string
		mutate func(e *model.Event)
		field  string
	}{
		{"uppercase id", func(e *model.Event) { e.ID = strings.ToUpper(e.ID) }, "id"},
		{"short pubkey", func(e *model.Event) { e.PubKey = "abcd" }, "pubkey"},
		{"short sig", func(e *model.Event) { e.Sig = e.Sig[:64] }, "sig"},
		{"negative kind", func(e *model.Event) { e.Kind = -1 }, "kind"},
		{"created_at too large", func(e *model.Event) { e.CreatedAt = 1 << 40 }, "created_at"},
		{"empty tag", func(e *model.Event) { e.Tags = []model.Tag{{}} }, "tags[0]"},
		{"content changed", func(e *model.Event) { e.Content = "tampered" }, "id"},
		{"wrong signer", func(e *model.Event) { e.Sig = other.Event(t, 1, 1, "x").Sig }, "sig"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ev := key.Event(t, 1, 1700000000, "hello")
			tc.mutate(ev)
			errs := fieldErrors(t, v.Validate(ev))
			if !hasFieldError(errs, tc.field) {
				t.Errorf("expected error on %q, got %v", tc.field, errs)
			}
		})
	}
}

func TestValidationMessagePrefix(t *testing.T) {
	v := New(DefaultLimits())
	ev := testkit.NewKey(t).Event(t, 1, 1700000000, "hello")
	ev.Content = "changed"
	err := v.Validate(ev)
	if err == nil || !strings.HasPrefix(err.Error(), "invalid: ") {
		t.Errorf("error = %v, want invalid: prefix", err)
	}
}

func delegated(t *testing.T, delegator, delegatee *testkit.Key, conds string, kind int, createdAt int64) *model.Event {
	t.Helper()
	d := &Delegation{Conditions: conds}
	token := delegator.SignHex(t, d.Message(delegatee.PubKey))
	return delegatee.Event(t, kind, createdAt, "delegated",
		model.Tag{"delegation", delegator.PubKey, conds, token})
}

func TestValidateDelegation(t *testing.T) {
	v := New(DefaultLimits())
	alice := testkit.NewKey(t)
	bob := testkit.NewKey(t)
	now := int64(1700000000)
	conds := "kind=1&kind=2&created_at>1699999900&created_at<1700000100"

	if err := v.Validate(delegated(t, alice, bob, conds, 1, now)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := v.Validate(delegated(t, alice, bob, "", 7, now)); err != nil {
		t.Fatalf("empty conditions should allow any kind: %v", err)
	}

	for _, tc := range []struct {
		name string
		ev   *model.Event
	}{
		{"kind not delegated", delegated(t, alice, bob, conds, 3, now)},
		{"too far in future", delegated(t, alice, bob, conds, 1, now+200)},
		{"too far in past", delegated(t, alice, bob, conds, 1, now-200)},
		{"bad condition", delegated(t, alice, bob, "kind=x", 1, now)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if !hasFieldError(fieldErrors(t, v.Validate(tc.ev)), "delegation") {
				t.Error("expected delegation error")
			}
		})
	}

	t.Run("forged token", func(t *testing.T) {
		mallory := testkit.NewKey(t)
		d := &Delegation{Conditions: conds}
		token := mallory.SignHex(t, d.Message(bob.PubKey))
		ev := bob.Event(t, 1, now, "forged", model.Tag{"delegation", alice.PubKey, conds, token})
		errs := fieldErrors(t, v.Validate(ev))
		if !hasFieldError(errs, "delegation") {
			t.Errorf("expected delegation error, got %v", errs)
		}
	})
}

func TestParseDelegation(t *testing.T) {
	hex64 := strings.Repeat("a", 64)
	hex128 := strings.Repeat("b", 128)
	d, err := ParseDelegation(model.Tag{"delegation", hex64, "kind=1&created_at<20&created_at>10", hex128})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.Kinds) != 1 || d.Kinds[0] != 1 || d.After != 10 || d.Before != 20 {
		t.Errorf("parsed %+v", d)
	}
	for _, tag := range []model.Tag{
		{"delegation", hex64, "kind=1"},
		{"delegation", "xyz", "kind=1", hex128},
		{"delegation", hex64, "kind=1", "short"},
		{"delegation", hex64, "pubkey=abc", hex128},
		{"delegation", hex64, "created_at>-5", hex128},
	} {
		if _, err := ParseDelegation(tag); err == nil {
			t.Errorf("ParseDelegation(%v) expected error", tag)
		}
	}
}

func TestCheckExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	for _, tc := range []struct {
		tags    []model.Tag
		expired bool
	}{
		{nil, false},
		{[]model.Tag{{"expiration", "999"}}, true},
		{[]model.Tag{{"expiration", "1000"}}, true},
		{[]model.Tag{{"expiration", "1001"}}, false},
		{[]model.Tag{{"expiration", "never"}}, false},
	} {
		err := CheckExpired(&model.Event{Tags: tc.tags}, now)
		if (err != nil) != tc.expired {
			t.Errorf("CheckExpired(%v) = %v, want expired=%v", tc.tags, err, tc.expired)
		}
	}
}

func TestCheckLimits(t *testing.T) {
	l := DefaultLimits()
	l.MaxContentSize = 5
	l.MaxTagCount = 1
	l.MaxTagDataLength = 3
	v := New(l)

	if err := v.CheckLimits(&model.Event{Content: "ok", Tags: []model.Tag{{"t", "abc"}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	errs := fieldErrors(t, v.CheckLimits(&model.Event{
		Content: "too long",
		Tags:    []model.Tag{{"t", "abcd"}, {"p"}},
	}))
	for _, field := range []string{"content", "tags", "tags[0][1]"} {
		if !hasFieldError(errs, field) {
			t.Errorf("expected error on %q, got %v", field, errs)
		}
	}
}

func TestValidateSubID(t *testing.T) {
	v := New(DefaultLimits())
	if err := v.ValidateSubID("sub1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.ValidateSubID(""); err == nil {
		t.Error("expected error for empty sub id")
	}
	if err := v.ValidateSubID(strings.Repeat("x", 256)); err == nil {
		t.Error("expected error for long sub id")
	}
}

func TestValidateFilters(t *testing.T) {
	v := New(DefaultLimits())
	limit := 10
	big := 6000
	neg := int64(-1)

	if err := v.ValidateFilters([]model.Filter{{IDs: []string{"abcd"}, Limit: &limit, Tags: map[string][]string{"e": {"x"}}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tc := range []struct {
		name   string
		filter model.Filter
		field  string
	}{
		{"short prefix", model.Filter{IDs: []string{"abc"}}, "filters[0].ids"},
		{"non hex author", model.Filter{Authors: []string{"zzzz"}}, "filters[0].authors"},
		{"limit too big", model.Filter{Limit: &big}, "filters[0].limit"},
		{"negative since", model.Filter{Since: &neg}, "filters[0].since"},
		{"negative kind", model.Filter{Kinds: []int{-1}}, "filters[0].kinds"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			errs := fieldErrors(t, v.ValidateFilters([]model.Filter{tc.filter}))
			if !hasFieldError(errs, tc.field) {
				t.Errorf("expected error on %q, got %v", tc.field, errs)
			}
		})
	}
}
