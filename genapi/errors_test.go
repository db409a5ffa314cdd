package genapi

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyByStatusCode(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{429, ErrRateLimit},
		{402, ErrQuotaBilling},
		{403, ErrQuotaBilling},
		{451, ErrContentPolicy},
		{504, ErrTimeout},
		{408, ErrTimeout},
		{500, ErrUnknown},
	}
	for _, c := range cases {
		pe := Classify(errors.New("http error"), ProviderOpenAI, "dall-e-3", c.status)
		if pe.Kind != c.want {
			t.Errorf("status %d: got %s, want %s", c.status, pe.Kind, c.want)
		}
	}
}

func TestClassifyByMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"your request was rejected by the content policy", ErrContentPolicy},
		{"image flagged by moderation", ErrContentPolicy},
		{"insufficient_quota: you have run out", ErrQuotaBilling},
		{"rate limit exceeded, retry later", ErrRateLimit},
		{"request timed out after 120s", ErrTimeout},
		{"something else entirely", ErrUnknown},
	}
	for _, c := range cases {
		pe := Classify(errors.New(c.msg), ProviderStability, "stable-image-core", 0)
		if pe.Kind != c.want {
			t.Errorf("%q: got %s, want %s", c.msg, pe.Kind, c.want)
		}
	}
}

func TestClassifyContextErrors(t *testing.T) {
	pe := Classify(fmt.Errorf("call failed: %w", context.DeadlineExceeded), ProviderLuma, "dream-machine", 0)
	if pe.Kind != ErrTimeout {
		t.Fatalf("deadline exceeded classified as %s", pe.Kind)
	}
}

func TestClassifyPassthrough(t *testing.T) {
	orig := &ProviderError{Kind: ErrContentPolicy, Provider: ProviderOpenAI, Model: "dall-e-3"}
	wrapped := fmt.Errorf("generate: %w", orig)
	pe := Classify(wrapped, ProviderFal, "flux-dev", 500)
	if pe != orig {
		t.Fatalf("already-classified error was reclassified: %+v", pe)
	}
}

func TestUserMessages(t *testing.T) {
	got := UserMessage(ErrContentPolicy)
	want := "Your prompt was rejected by the AI safety system. Please adjust your prompt and try again."
	if got != want {
		t.Fatalf("content policy message: %q", got)
	}
	if UserMessage(ErrTimeout) != "Request timed out. Please try again." {
		t.Fatalf("timeout message: %q", UserMessage(ErrTimeout))
	}
	if UserMessage(ErrUnknown) == "" || UserMessage("bogus") != UserMessage(ErrUnknown) {
		t.Fatal("unknown kinds must share the generic message")
	}
}

func TestCreditCost(t *testing.T) {
	if cost, ok := CreditCost("dall-e-3", 1); !ok || cost != 6 {
		t.Fatalf("dall-e-3 x1: cost=%d ok=%v", cost, ok)
	}
	if cost, ok := CreditCost("dall-e-3", 3); !ok || cost != 18 {
		t.Fatalf("dall-e-3 x3: cost=%d ok=%v", cost, ok)
	}
	if cost, ok := CreditCost("flux-schnell", 0); !ok || cost != 1 {
		t.Fatalf("count clamps to 1: cost=%d ok=%v", cost, ok)
	}
	if _, ok := CreditCost("no-such-model", 1); ok {
		t.Fatal("unknown model must not price")
	}
}
