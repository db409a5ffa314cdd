package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pixelstudio/domain"
	"pixelstudio/genapi"
	"pixelstudio/storage"
	"pixelstudio/store"
	"pixelstudio/streamq"
)

// Service is the intake side: validate the request, charge credits, create
// the status record, and either enqueue the job or run it inline when the
// queue is unhealthy.
type Service struct {
	store  store.ProcessingStatusStore
	queue  streamq.JobQueue
	worker *Worker
	ledger CreditLedger
	log    *slog.Logger

	realtime bool
}

func NewService(st store.ProcessingStatusStore, q streamq.JobQueue, worker *Worker, ledger CreditLedger, realtime bool, log *slog.Logger) *Service {
	return &Service{
		store:    st,
		queue:    q,
		worker:   worker,
		ledger:   ledger,
		log:      log,
		realtime: realtime,
	}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/generate", s.handleGenerate)
	mux.HandleFunc("/api/generate/compare", s.handleGenerateCompare)
	mux.HandleFunc("/api/processing/", s.handleGetStatus)
	mux.HandleFunc("/processing/", s.handleStatusPage)
}

type generateRequest struct {
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model"`
	Models         []string `json:"models,omitempty"`
	NumberOfImages int      `json:"numberOfImages"`
	StylePreset    string   `json:"stylePreset,omitempty"`
	Private        bool     `json:"private,omitempty"`
}

func parseGenerateRequest(r *http.Request) (*generateRequest, error) {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	req := &generateRequest{}
	if strings.Contains(ct, "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(req); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	req.Prompt = r.PostFormValue("prompt")
	req.Model = r.PostFormValue("model")
	req.StylePreset = r.PostFormValue("stylePreset")
	req.Private = r.PostFormValue("private") == "true" || r.PostFormValue("private") == "on"
	if raw := strings.TrimSpace(r.PostFormValue("numberOfImages")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("numberOfImages must be an integer")
		}
		req.NumberOfImages = n
	}
	for _, m := range r.PostForm["models"] {
		if m = strings.TrimSpace(m); m != "" {
			req.Models = append(req.Models, m)
		}
	}
	return req, nil
}

// userID comes from the authenticating proxy in front of this service.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid := userID(r)
	if uid == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	req, err := parseGenerateRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.NumberOfImages == 0 {
		req.NumberOfImages = 1
	}

	job := &domain.GenerationJob{
		Kind:           domain.JobKindSingle,
		RequestID:      uuid.NewString(),
		UserID:         uid,
		Prompt:         strings.TrimSpace(req.Prompt),
		Model:          strings.TrimSpace(req.Model),
		NumberOfImages: req.NumberOfImages,
		StylePreset:    strings.TrimSpace(req.StylePreset),
		Private:        req.Private,
	}
	if err := job.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cost, ok := genapi.CreditCost(job.Model, job.NumberOfImages)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown model %q", job.Model), http.StatusBadRequest)
		return
	}

	if s.queueHealthy(r.Context()) {
		s.submitAsync(w, r, job, cost)
		return
	}
	s.submitSync(w, r, job, cost, false)
}

// submitAsync is the normal path: charge up front, create the status record,
// publish. A publish failure after the deduction falls back to inline
// processing with the charge already taken (the worker refunds on failure).
func (s *Service) submitAsync(w http.ResponseWriter, r *http.Request, job *domain.GenerationJob, cost int) {
	ctx := r.Context()

	if err := s.ledger.Deduct(ctx, job.UserID, cost, "generation: "+job.Model, job.RequestID); err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			http.Error(w, "insufficient credits", http.StatusBadRequest)
			return
		}
		s.log.Error("credit deduction failed", "requestId", job.RequestID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	if err := s.createStatus(job); err != nil {
		s.log.Error("create status record failed", "requestId", job.RequestID, "error", err)
		s.refundIntake(ctx, job, cost, "refund: intake failed")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	payload, err := json.Marshal(job)
	if err != nil {
		s.refundIntake(ctx, job, cost, "refund: intake failed")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.queue.Enqueue(pubCtx, job.RequestID, payload); err != nil {
		s.log.Warn("queue publish failed, falling back to sync",
			"requestId", job.RequestID, "error", err)
		s.submitSync(w, r, job, cost, true)
		return
	}

	s.respondAccepted(w, r, job.RequestID)
}

// submitSync runs the job inside the request. When preDeducted is false the
// worker charges only after the vendor call succeeds, so no refund is ever
// needed on this path.
func (s *Service) submitSync(w http.ResponseWriter, r *http.Request, job *domain.GenerationJob, cost int, preDeducted bool) {
	ctx := r.Context()

	if !preDeducted {
		balance, err := s.ledger.Balance(ctx, job.UserID)
		if err != nil {
			s.log.Error("balance lookup failed", "userId", job.UserID, "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		if balance < cost {
			http.Error(w, "insufficient credits", http.StatusBadRequest)
			return
		}
		if err := s.createStatus(job); err != nil {
			s.log.Error("create status record failed", "requestId", job.RequestID, "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	}

	outcome, err := s.worker.Process(ctx, job, preDeducted)
	if err != nil {
		s.log.Error("inline generation failed", "requestId", job.RequestID, "error", err)
		if preDeducted {
			s.refundIntake(ctx, job, cost, "refund: generation could not run")
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	s.log.Info("inline generation finished", "requestId", job.RequestID, "outcome", outcome)
	s.respondAccepted(w, r, job.RequestID)
}

func (s *Service) handleGenerateCompare(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid := userID(r)
	if uid == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	req, err := parseGenerateRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.NumberOfImages == 0 {
		req.NumberOfImages = 1
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "prompt empty", http.StatusBadRequest)
		return
	}
	models := dedupeModels(req.Models)
	if len(models) < 2 {
		http.Error(w, "comparison requires at least two distinct models", http.StatusBadRequest)
		return
	}

	totalCost := 0
	for _, m := range models {
		cost, ok := genapi.CreditCost(m, req.NumberOfImages)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown model %q", m), http.StatusBadRequest)
			return
		}
		totalCost += cost
	}
	balance, err := s.ledger.Balance(r.Context(), uid)
	if err != nil {
		s.log.Error("balance lookup failed", "userId", uid, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if balance < totalCost {
		http.Error(w, "insufficient credits", http.StatusBadRequest)
		return
	}
	if !s.queueHealthy(r.Context()) {
		http.Error(w, "comparison requires the async pipeline", http.StatusServiceUnavailable)
		return
	}

	parentID := uuid.NewString()
	parent := &domain.ProcessingStatus{
		RequestID: parentID,
		UserID:    uid,
		Status:    domain.ProcessingStateQueued,
		Message:   "queued",
		Timestamp: time.Now(),
		Comparison: &domain.ComparisonStatus{
			Models:        models,
			ModelStatuses: make(map[string]domain.ChildSummary),
			TotalModels:   len(models),
		},
	}
	if err := s.store.Create(parent); err != nil {
		s.log.Error("create parent status failed", "requestId", parentID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	// Children are charged individually so a failed child refunds exactly its
	// own cost, keyed by its own request id.
	var enqueued []*domain.GenerationJob
	for _, m := range models {
		child := &domain.GenerationJob{
			Kind:            domain.JobKindComparisonChild,
			RequestID:       uuid.NewString(),
			UserID:          uid,
			Prompt:          strings.TrimSpace(req.Prompt),
			Model:           m,
			NumberOfImages:  req.NumberOfImages,
			StylePreset:     strings.TrimSpace(req.StylePreset),
			Private:         req.Private,
			ParentRequestID: parentID,
		}
		cost, _ := genapi.CreditCost(m, req.NumberOfImages)
		if err := s.ledger.Deduct(r.Context(), uid, cost, "comparison: "+m, child.RequestID); err != nil {
			s.abortComparison(r.Context(), parentID, enqueued)
			if errors.Is(err, storage.ErrInsufficientCredits) {
				http.Error(w, "insufficient credits", http.StatusBadRequest)
			} else {
				s.log.Error("comparison deduction failed", "requestId", child.RequestID, "error", err)
				http.Error(w, "server error", http.StatusInternalServerError)
			}
			return
		}
		if err := s.createStatus(child); err != nil {
			s.refundIntake(r.Context(), child, cost, "refund: intake failed")
			s.abortComparison(r.Context(), parentID, enqueued)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		payload, _ := json.Marshal(child)
		pubCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.queue.Enqueue(pubCtx, child.RequestID, payload)
		cancel()
		if err != nil {
			s.log.Error("comparison child publish failed", "requestId", child.RequestID, "error", err)
			s.refundIntake(r.Context(), child, cost, "refund: publish failed")
			s.abortComparison(r.Context(), parentID, enqueued)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		enqueued = append(enqueued, child)
	}

	s.respondAccepted(w, r, parentID)
}

// abortComparison marks the parent failed after a mid-fan-out error. Children
// already on the queue keep running; their parent upserts land on a terminal
// record and are absorbed.
func (s *Service) abortComparison(ctx context.Context, parentID string, enqueued []*domain.GenerationJob) {
	_, _, _ = s.store.Update(parentID, func(st *domain.ProcessingStatus) {
		st.Status = domain.ProcessingStateFailed
		st.Message = "failed"
		st.Error = "Could not start the comparison. Please try again."
	})
	for _, child := range enqueued {
		s.log.Warn("comparison aborted with child in flight",
			"parentRequestId", parentID, "childRequestId", child.RequestID, "model", child.Model)
	}
}

func (s *Service) createStatus(job *domain.GenerationJob) error {
	return s.store.Create(&domain.ProcessingStatus{
		RequestID: job.RequestID,
		UserID:    job.UserID,
		Status:    domain.ProcessingStateQueued,
		Message:   "queued",
		Timestamp: time.Now(),
	})
}

func (s *Service) refundIntake(ctx context.Context, job *domain.GenerationJob, cost int, reason string) {
	if _, err := s.ledger.Refund(ctx, job.UserID, cost, reason, job.RequestID); err != nil {
		s.log.Error("intake refund failed", "requestId", job.RequestID, "error", err)
	}
}

func (s *Service) queueHealthy(ctx context.Context) bool {
	if s.queue == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	if err := s.queue.Ping(pingCtx); err != nil {
		s.log.Warn("queue health check failed, using sync path", "error", err)
		return false
	}
	return true
}

// respondAccepted sends the browser to the status page; API clients get JSON.
func (s *Service) respondAccepted(w http.ResponseWriter, r *http.Request, requestID string) {
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"requestId": requestID,
			"statusUrl": "/api/processing/" + requestID,
			"pageUrl":   "/processing/" + requestID,
		})
		return
	}
	http.Redirect(w, r, "/processing/"+requestID, http.StatusSeeOther)
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/processing/"), "/")
	if requestID == "" || strings.Contains(requestID, "/") {
		http.Error(w, "requestId required", http.StatusBadRequest)
		return
	}
	st, ok, err := s.store.Get(requestID)
	if err != nil {
		s.log.Error("status lookup failed", "requestId", requestID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		// Expired or never existed; the client treats both the same.
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func dedupeModels(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func wantsJSON(r *http.Request) bool {
	if r == nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("format")), "json") {
		return true
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	if strings.Contains(accept, "application/json") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
