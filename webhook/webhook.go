package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"pixelstudio/domain"
	"pixelstudio/generation"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body, computed by the
// queue provider with the shared secret.
const SignatureHeader = "X-Queue-Signature"

// Processor runs one pre-deducted job to a durable outcome. generation.Worker
// implements it.
type Processor interface {
	Process(ctx context.Context, job *domain.GenerationJob, preDeducted bool) (generation.Outcome, error)
}

// Handler is the push-delivery consumer: the managed queue POSTs job payloads
// here instead of (or in addition to) stream delivery. Every handled outcome
// returns 200 so the provider stops retrying; non-200 is reserved for
// signature and parse failures, which are legitimately retryable or must be
// rejected outright.
type Handler struct {
	worker Processor
	log    *slog.Logger

	secret     string
	production bool
}

func NewHandlerFromEnv(worker Processor, log *slog.Logger) *Handler {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	return &Handler{
		worker:     worker,
		log:        log,
		secret:     strings.TrimSpace(os.Getenv("QUEUE_WEBHOOK_SECRET")),
		production: env == "production" || env == "prod",
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/generate/process", h.handleProcess)
	// Tolerate a trailing "/" in the configured callback URL.
	mux.HandleFunc("/api/generate/process/", h.handleProcess)
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "read body failed"})
		return
	}

	if err := h.verifySignature(r.Header.Get(SignatureHeader), body); err != nil {
		h.log.Warn("webhook signature rejected", "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "invalid signature"})
		return
	}

	var job domain.GenerationJob
	if err := json.Unmarshal(body, &job); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid payload"})
		return
	}
	if err := job.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	// Detach from the client connection: the provider's HTTP timeout must not
	// cancel a generation call that is already charging the user.
	outcome, err := h.worker.Process(context.WithoutCancel(r.Context()), &job, true)
	if err != nil {
		// Nothing durable was written; a retry from the provider is correct.
		h.log.Error("webhook processing failed", "requestId", job.RequestID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":    "error",
			"requestId": job.RequestID,
			"message":   "processing failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    string(outcome),
		"requestId": job.RequestID,
	})
}

// verifySignature checks the provider HMAC. Outside production a missing
// secret skips verification so local testing can post payloads directly.
func (h *Handler) verifySignature(got string, body []byte) error {
	if h.secret == "" {
		if h.production {
			return errors.New("QUEUE_WEBHOOK_SECRET not configured")
		}
		return nil
	}
	got = strings.TrimSpace(got)
	if got == "" {
		return errors.New("missing signature header")
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign computes the signature for a body; used by the producer side of tests
// and by local tooling that replays payloads.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
