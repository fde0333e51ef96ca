package litequery

import (
	"errors"
	"testing"
)

func TestError_Is_MatchesByKind(t *testing.T) {
	a := NewProgrammerError("boom: %d", 1)
	b := NewProgrammerError("different message")
	if !errors.Is(a, b) {
		t.Error("expected two Programmer errors to match by Kind regardless of message")
	}
	if errors.Is(a, ErrCancelled) {
		t.Error("expected a Programmer error to not match Cancelled")
	}
}

func TestGetKind(t *testing.T) {
	kind, ok := GetKind(NewPoolError("exhausted"))
	if !ok || kind != KindPool {
		t.Errorf("expected KindPool, got %v ok=%v", kind, ok)
	}

	if _, ok := GetKind(errors.New("plain error")); ok {
		t.Error("expected GetKind to report false for a non-*Error")
	}
}

func TestIsNoRows(t *testing.T) {
	wrapped := NewConversionError(0, 0, "int", nil)
	if IsNoRows(wrapped) {
		t.Error("a conversion error is not sql.ErrNoRows")
	}
}

func TestNewEngineError_ClassifiesSyntaxMessages(t *testing.T) {
	for _, msg := range []string{
		"near \"SELEC\": syntax error",
		"no such table: widgets",
		"no such column: foo",
	} {
		if !isSyntaxMessage(msg) {
			t.Errorf("expected %q to classify as a syntax message", msg)
		}
	}
	if isSyntaxMessage("UNIQUE constraint failed: widgets.id") {
		t.Error("expected a constraint violation to NOT classify as syntax")
	}
}
