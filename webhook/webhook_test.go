package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"pixelstudio/domain"
	"pixelstudio/generation"
)

type fakeProcessor struct {
	mu      sync.Mutex
	calls   int
	outcome generation.Outcome
	err     error
}

func (f *fakeProcessor) Process(ctx context.Context, job *domain.GenerationJob, preDeducted bool) (generation.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !preDeducted {
		return "", errors.New("webhook delivery must be pre-deducted")
	}
	return f.outcome, f.err
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func validPayload(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(&domain.GenerationJob{
		Kind:           domain.JobKindSingle,
		RequestID:      "req-1",
		UserID:         "user-1",
		Prompt:         "a cat",
		Model:          "dall-e-3",
		NumberOfImages: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func post(h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/generate/process", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.ServeHTTP(rec, req)
	return rec
}

func TestWebhookValidSignature(t *testing.T) {
	proc := &fakeProcessor{outcome: generation.OutcomeComplete}
	h := &Handler{worker: proc, log: slog.Default(), secret: "s3cret", production: true}

	body := validPayload(t)
	rec := post(h, body, Sign("s3cret", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "complete" || resp["requestId"] != "req-1" {
		t.Fatalf("response: %v", resp)
	}
	if proc.callCount() != 1 {
		t.Fatalf("processor calls = %d", proc.callCount())
	}
}

func TestWebhookBadSignature(t *testing.T) {
	proc := &fakeProcessor{outcome: generation.OutcomeComplete}
	h := &Handler{worker: proc, log: slog.Default(), secret: "s3cret", production: true}

	body := validPayload(t)
	rec := post(h, body, Sign("wrong-secret", body))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if proc.callCount() != 0 {
		t.Fatal("rejected delivery reached the processor")
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	proc := &fakeProcessor{outcome: generation.OutcomeComplete}
	h := &Handler{worker: proc, log: slog.Default(), secret: "s3cret", production: true}

	rec := post(h, validPayload(t), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookUnconfiguredSecretOutsideProduction(t *testing.T) {
	proc := &fakeProcessor{outcome: generation.OutcomeComplete}
	h := &Handler{worker: proc, log: slog.Default()}

	rec := post(h, validPayload(t), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("local delivery without secret: status = %d", rec.Code)
	}
}

func TestWebhookUnconfiguredSecretInProduction(t *testing.T) {
	proc := &fakeProcessor{outcome: generation.OutcomeComplete}
	h := &Handler{worker: proc, log: slog.Default(), production: true}

	rec := post(h, validPayload(t), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("production without secret must reject: status = %d", rec.Code)
	}
	if proc.callCount() != 0 {
		t.Fatal("unverified delivery reached the processor")
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	proc := &fakeProcessor{outcome: generation.OutcomeComplete}
	h := &Handler{worker: proc, log: slog.Default(), secret: "s3cret"}

	body := []byte("not json")
	rec := post(h, body, Sign("s3cret", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	body = []byte(`{"requestId":""}`)
	rec = post(h, body, Sign("s3cret", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid job: status = %d, want 400", rec.Code)
	}
	if proc.callCount() != 0 {
		t.Fatal("malformed delivery reached the processor")
	}
}

func TestWebhookHandledOutcomesReturn200(t *testing.T) {
	for _, outcome := range []generation.Outcome{
		generation.OutcomeComplete,
		generation.OutcomeFailed,
		generation.OutcomeAlreadyProcessing,
	} {
		proc := &fakeProcessor{outcome: outcome}
		h := &Handler{worker: proc, log: slog.Default(), secret: "s3cret"}
		body := validPayload(t)
		rec := post(h, body, Sign("s3cret", body))
		if rec.Code != http.StatusOK {
			t.Errorf("outcome %s: status = %d, want 200", outcome, rec.Code)
		}
	}
}

func TestWebhookInfraFailureIsRetryable(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("status store unreachable")}
	h := &Handler{worker: proc, log: slog.Default(), secret: "s3cret"}

	body := validPayload(t)
	rec := post(h, body, Sign("s3cret", body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so the provider retries", rec.Code)
	}
}
