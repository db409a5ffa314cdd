package streamq

import (
	"errors"
	"fmt"
	"testing"
)

func TestTerminalErrorWraps(t *testing.T) {
	base := errors.New("content policy violation")
	te := Terminal(base)

	if !IsTerminal(te) {
		t.Fatal("Terminal(err) not recognized as terminal")
	}
	if !errors.Is(te, base) {
		t.Fatal("terminal error lost the wrapped cause")
	}
	if te.Error() != base.Error() {
		t.Fatalf("terminal error message changed: %q", te.Error())
	}
}

func TestTerminalSurvivesWrapping(t *testing.T) {
	te := Terminal(errors.New("boom"))
	wrapped := fmt.Errorf("handler: %w", te)
	if !IsTerminal(wrapped) {
		t.Fatal("wrapped terminal error not recognized")
	}
}

func TestPlainErrorsAreNotTerminal(t *testing.T) {
	if IsTerminal(errors.New("transient redis failure")) {
		t.Fatal("plain error classified terminal")
	}
	if IsTerminal(nil) {
		t.Fatal("nil classified terminal")
	}
}

func TestTerminalNilMessage(t *testing.T) {
	te := TerminalError{}
	if te.Error() != "terminal" {
		t.Fatalf("empty terminal message: %q", te.Error())
	}
}
