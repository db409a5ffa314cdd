package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pixelstudio/domain"
	"pixelstudio/genapi"
	"pixelstudio/obs"
	"pixelstudio/store"
	"pixelstudio/streamq"
)

// Outcome is what a handled job resolves to. It maps straight onto the webhook
// response body and the queue ACK decision.
type Outcome string

const (
	OutcomeComplete          Outcome = "complete"
	OutcomeFailed            Outcome = "failed"
	OutcomeAlreadyProcessing Outcome = "already_processing"
)

// CreditLedger is the slice of the relational storage the generation flow
// needs. storage.Storage implements it.
type CreditLedger interface {
	Deduct(ctx context.Context, userID string, amount int, description, requestID string) error
	Refund(ctx context.Context, userID string, amount int, reason, requestID string) (bool, error)
	Balance(ctx context.Context, userID string) (int, error)
}

// NotificationStore writes the one user-facing row per completed request.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *domain.Notification) (bool, error)
}

// AssetStore copies vendor asset URLs into our own object storage. May be
// disabled; the worker then surfaces vendor URLs directly.
type AssetStore interface {
	Enabled() bool
	CopyFromURL(ctx context.Context, setID string, index int, srcURL string) (string, error)
	SignDownloadURL(objectKey, downloadFilename string) (string, error)
}

// Worker runs one generation job end to end: claim, call the vendor, persist
// assets, write the terminal status, refund/notify. It is invoked from the
// stream consumer and from the push webhook; both paths converge on Process.
type Worker struct {
	store     store.ProcessingStatusStore
	ledger    CreditLedger
	notifier  NotificationStore
	generator genapi.Generator
	assets    AssetStore
	log       *slog.Logger

	workerID string
}

func NewWorker(st store.ProcessingStatusStore, ledger CreditLedger, notifier NotificationStore, gen genapi.Generator, assets AssetStore, log *slog.Logger) *Worker {
	host, _ := os.Hostname()
	if strings.TrimSpace(host) == "" {
		host = "worker"
	}
	return &Worker{
		store:     st,
		ledger:    ledger,
		notifier:  notifier,
		generator: gen,
		assets:    assets,
		log:       log,
		workerID:  host + "-" + uuid.NewString()[:8],
	}
}

func (w *Worker) WorkerID() string { return w.workerID }

// HandleQueueMessage adapts Process to the stream consumer contract: poison
// payloads and handled jobs ACK, only infrastructure failures stay pending.
func (w *Worker) HandleQueueMessage(ctx context.Context, requestID string, payload []byte) error {
	var job domain.GenerationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return streamq.Terminal(fmt.Errorf("malformed job payload requestId=%s: %w", requestID, err))
	}
	if strings.TrimSpace(job.RequestID) == "" {
		job.RequestID = requestID
	}
	if err := job.Validate(); err != nil {
		return streamq.Terminal(fmt.Errorf("invalid job requestId=%s: %w", requestID, err))
	}

	_, err := w.Process(ctx, &job, true)
	return err
}

// Process runs one job. preDeducted says whether credits were taken at intake
// (the async path); when false, Process charges only after the vendor call
// succeeds and never needs a refund.
//
// A failed vendor call is not an error from Process's point of view: the
// failure is durably recorded as a terminal status (plus refund) and the
// caller must stop retrying. A non-nil error means nothing durable was
// written and redelivery is correct.
func (w *Worker) Process(ctx context.Context, job *domain.GenerationJob, preDeducted bool) (Outcome, error) {
	start := time.Now()

	claimed, currentProcessor, err := w.store.Claim(ctx, job.RequestID, w.workerID)
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", job.RequestID, err)
	}
	if !claimed && currentProcessor != w.workerID {
		w.log.Info("request already claimed, skipping",
			"requestId", job.RequestID, "claimedBy", currentProcessor)
		obs.RecordGenerationJob(job.Model, start, string(OutcomeAlreadyProcessing))
		return OutcomeAlreadyProcessing, nil
	}

	// Redelivery after the record went terminal: the claim may have expired,
	// but the terminal record is immutable, so nothing below can corrupt it.
	if cur, ok, _ := w.store.Get(job.RequestID); ok && cur.Status.Terminal() {
		w.log.Info("request already terminal, skipping",
			"requestId", job.RequestID, "status", cur.Status)
		obs.RecordGenerationJob(job.Model, start, string(OutcomeAlreadyProcessing))
		return OutcomeAlreadyProcessing, nil
	}

	w.progress(job, 10, "starting")
	w.progress(job, 30, "calling model")

	stopRefresh := w.keepClaimFresh(ctx, job.RequestID)
	defer stopRefresh()

	result, genErr := w.generator.Generate(ctx, genapi.Request{
		Prompt:      job.Prompt,
		Model:       job.Model,
		Count:       job.NumberOfImages,
		StylePreset: job.StylePreset,
	})
	if genErr != nil {
		return w.fail(ctx, job, preDeducted, genErr, start)
	}

	w.progress(job, 90, "finalizing")

	setID := uuid.NewString()
	images := w.persistAssets(ctx, setID, result.Images)

	final, ok, err := w.store.Update(job.RequestID, func(st *domain.ProcessingStatus) {
		st.Status = domain.ProcessingStateComplete
		st.Progress = 100
		st.Message = "complete"
		st.SetID = setID
		st.Images = images
		st.Error = ""
	})
	if err != nil {
		return "", fmt.Errorf("write complete status %s: %w", job.RequestID, err)
	}
	if ok && final.Status != domain.ProcessingStateComplete {
		// Someone else already wrote a terminal state; treat as a duplicate.
		obs.RecordGenerationJob(job.Model, start, string(OutcomeAlreadyProcessing))
		return OutcomeAlreadyProcessing, nil
	}

	if !preDeducted {
		cost, _ := genapi.CreditCost(job.Model, job.NumberOfImages)
		if err := w.ledger.Deduct(ctx, job.UserID, cost, "generation: "+job.Model, job.RequestID); err != nil {
			// The assets exist and the status is terminal; log and move on
			// rather than failing a finished job over billing.
			w.log.Error("post-success credit deduction failed",
				"requestId", job.RequestID, "userId", job.UserID, "error", err)
		}
	}

	switch job.Kind {
	case domain.JobKindSingle:
		created, err := w.notifier.CreateNotification(ctx, &domain.Notification{
			Type:        domain.NotificationImageCompleted,
			RecipientID: job.UserID,
			RequestID:   job.RequestID,
			SetID:       setID,
		})
		if err != nil {
			w.log.Error("create notification failed", "requestId", job.RequestID, "error", err)
		} else if !created {
			w.log.Info("notification already exists", "requestId", job.RequestID)
		}
	case domain.JobKindComparisonChild:
		w.aggregateChild(ctx, job, domain.ChildSummary{
			Status:   domain.ProcessingStateComplete,
			Progress: 100,
			SetID:    setID,
		})
	}

	w.log.Info("generation complete",
		"requestId", job.RequestID, "model", job.Model, "setId", setID,
		"images", len(images), "took", time.Since(start).String())
	obs.RecordGenerationJob(job.Model, start, string(OutcomeComplete))
	return OutcomeComplete, nil
}

// fail records the terminal Failed status with a user-facing message, issues
// the refund for pre-deducted jobs, and folds the result into the comparison
// parent. Always resolves the job; the queue must not retry.
func (w *Worker) fail(ctx context.Context, job *domain.GenerationJob, preDeducted bool, genErr error, start time.Time) (Outcome, error) {
	userMsg := genapi.UserMessage(genapi.ErrUnknown)
	var pe *genapi.ProviderError
	if errors.As(genErr, &pe) {
		userMsg = genapi.UserMessage(pe.Kind)
	}

	w.log.Warn("generation failed",
		"requestId", job.RequestID, "model", job.Model, "error", genErr)

	final, ok, err := w.store.Update(job.RequestID, func(st *domain.ProcessingStatus) {
		st.Status = domain.ProcessingStateFailed
		st.Message = "failed"
		st.Error = userMsg
	})
	if err != nil {
		return "", fmt.Errorf("write failed status %s: %w", job.RequestID, err)
	}
	if ok && final.Status != domain.ProcessingStateFailed {
		obs.RecordGenerationJob(job.Model, start, string(OutcomeAlreadyProcessing))
		return OutcomeAlreadyProcessing, nil
	}

	if preDeducted {
		cost, _ := genapi.CreditCost(job.Model, job.NumberOfImages)
		refunded, err := w.ledger.Refund(ctx, job.UserID, cost, "refund: "+job.Model+" generation failed", job.RequestID)
		if err != nil {
			w.log.Error("refund failed", "requestId", job.RequestID, "userId", job.UserID, "error", err)
		} else if refunded {
			obs.RecordCreditRefund(job.Model)
			w.log.Info("credits refunded", "requestId", job.RequestID, "amount", cost)
		}
	}

	if job.Kind == domain.JobKindComparisonChild {
		w.aggregateChild(ctx, job, domain.ChildSummary{
			Status: domain.ProcessingStateFailed,
			Error:  userMsg,
		})
	}

	obs.RecordGenerationJob(job.Model, start, string(OutcomeFailed))
	return OutcomeFailed, nil
}

// progress publishes an intermediate checkpoint. Best-effort: a terminal
// record silently absorbs it.
func (w *Worker) progress(job *domain.GenerationJob, pct int, message string) {
	_, _, err := w.store.Update(job.RequestID, func(st *domain.ProcessingStatus) {
		st.Status = domain.ProcessingStateProcessing
		if pct > st.Progress {
			st.Progress = pct
		}
		st.Message = message
	})
	if err != nil {
		w.log.Warn("progress update failed", "requestId", job.RequestID, "progress", pct, "error", err)
	}
	if job.Kind == domain.JobKindComparisonChild {
		w.aggregateChildProgress(job, pct)
	}
}

// claimRefresher is implemented by the Redis status store; video models can
// run for minutes, longer than the claim TTL would otherwise allow.
type claimRefresher interface {
	RefreshClaim(ctx context.Context, requestID, workerID string) (bool, error)
}

func (w *Worker) keepClaimFresh(ctx context.Context, requestID string) func() {
	cr, ok := w.store.(claimRefresher)
	if !ok {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := cr.RefreshClaim(ctx, requestID, w.workerID); err != nil {
					w.log.Warn("claim refresh failed", "requestId", requestID, "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// persistAssets copies vendor URLs into our bucket when OSS is configured.
// Per-asset copy failures fall back to the vendor URL rather than failing a
// generation that already cost the user credits.
func (w *Worker) persistAssets(ctx context.Context, setID string, urls []string) []domain.Image {
	out := make([]domain.Image, 0, len(urls))
	for i, u := range urls {
		img := domain.Image{URL: u}
		if w.assets != nil && w.assets.Enabled() {
			key, err := w.assets.CopyFromURL(ctx, setID, i, u)
			if err != nil {
				w.log.Warn("asset copy failed, keeping vendor url", "setId", setID, "index", i, "error", err)
			} else {
				img.ObjectKey = key
				if signed, err := w.assets.SignDownloadURL(key, ""); err == nil {
					img.URL = signed
				}
			}
		}
		out = append(out, img)
	}
	return out
}
