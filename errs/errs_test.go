package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndMetadata(t *testing.T) {
	err := New(
		"order/submit",
		CodeExchange,
		WithMessage("insert_order rejected"),
		WithRawMessage("ERR_BAL"),
		WithCanonicalCode(CanonicalInsufficientBalance),
		WithField("conn_id", "c-1"),
		WithField("req_id", "r-9"),
		WithCause(errors.New("backend reply error")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=order/submit") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=exchange_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=insufficient_balance") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	if !strings.Contains(out, `meta=conn_id="c-1",req_id="r-9"`) {
		t.Fatalf("expected sorted metadata in error string: %s", out)
	}
	if !strings.Contains(out, `cause="backend reply error"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("router", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestCanonicalOfWalksChain(t *testing.T) {
	inner := New("transport", CodeExchange, WithCanonicalCode(CanonicalInsufficientBalance))
	outer := New("order/submit", CodeExchange, WithCause(inner))
	wrapped := fmt.Errorf("submit: %w", outer)

	if got := CanonicalOf(wrapped); got != CanonicalInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %q", got)
	}
	if got := CanonicalOf(errors.New("plain")); got != CanonicalUnknown {
		t.Fatalf("expected unknown for plain errors, got %q", got)
	}
	if got := CanonicalOf(nil); got != CanonicalUnknown {
		t.Fatalf("expected unknown for nil, got %q", got)
	}
}

func TestIsCode(t *testing.T) {
	inner := New("transport", CodeNetwork)
	outer := New("backend", CodeUnavailable, WithCause(inner))
	if !IsCode(outer, CodeNetwork) {
		t.Fatalf("expected network code in chain")
	}
	if IsCode(outer, CodeAuth) {
		t.Fatalf("did not expect auth code in chain")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
