package generation

import (
	"context"

	"pixelstudio/domain"
)

// aggregateChild folds one child's terminal result into the comparison parent
// record. The store's compare-and-swap Update keeps concurrent siblings from
// losing each other's upserts; the parent only goes terminal on the update
// that observes every child terminal, so that write always carries the full
// map.
func (w *Worker) aggregateChild(ctx context.Context, job *domain.GenerationJob, summary domain.ChildSummary) {
	parentID := job.ParentRequestID

	final, ok, err := w.store.Update(parentID, func(st *domain.ProcessingStatus) {
		if st.Comparison == nil {
			return
		}
		upsertChild(st, job.Model, summary)

		if st.Comparison.CompletedModels < st.Comparison.TotalModels {
			st.Status = domain.ProcessingStateProcessing
			st.Message = "comparing models"
			return
		}
		completed := 0
		for _, cs := range st.Comparison.ModelStatuses {
			if cs.Status == domain.ProcessingStateComplete {
				completed++
			}
		}
		switch {
		case completed == st.Comparison.TotalModels:
			st.Status = domain.ProcessingStateComplete
			st.Message = "complete"
		case completed == 0:
			st.Status = domain.ProcessingStateFailed
			st.Message = "failed"
			st.Error = "All models failed. Please try again."
		default:
			st.Status = domain.ProcessingStatePartial
			st.Message = "partially complete"
		}
	})
	if err != nil {
		w.log.Error("parent aggregation failed",
			"parentRequestId", parentID, "model", job.Model, "error", err)
		return
	}
	if !ok || final == nil {
		w.log.Warn("parent status missing", "parentRequestId", parentID, "model", job.Model)
		return
	}

	// Every sibling observing the terminal parent may attempt this; the
	// request_id uniqueness in storage keeps it to one row.
	if final.Status == domain.ProcessingStateComplete || final.Status == domain.ProcessingStatePartial {
		created, err := w.notifier.CreateNotification(ctx, &domain.Notification{
			Type:        domain.NotificationComparisonCompleted,
			RecipientID: final.UserID,
			RequestID:   parentID,
			SetID:       final.SetID,
		})
		if err != nil {
			w.log.Error("create comparison notification failed", "parentRequestId", parentID, "error", err)
		} else if created {
			w.log.Info("comparison complete", "parentRequestId", parentID, "status", final.Status)
		}
	}
}

// aggregateChildProgress reflects an in-flight child checkpoint on the parent.
// Best-effort; terminal parents absorb it.
func (w *Worker) aggregateChildProgress(job *domain.GenerationJob, pct int) {
	_, _, err := w.store.Update(job.ParentRequestID, func(st *domain.ProcessingStatus) {
		if st.Comparison == nil {
			return
		}
		cur := st.Comparison.ModelStatuses[job.Model]
		if cur.Status.Terminal() {
			return
		}
		if pct > cur.Progress {
			cur.Progress = pct
		}
		cur.Status = domain.ProcessingStateProcessing
		upsertChild(st, job.Model, cur)
		st.Status = domain.ProcessingStateProcessing
		st.Message = "comparing models"
	})
	if err != nil {
		w.log.Warn("parent progress update failed",
			"parentRequestId", job.ParentRequestID, "model", job.Model, "error", err)
	}
}

// upsertChild writes one child summary and recomputes the derived fields:
// completedModels counts terminal children, progress is the mean over all
// declared models (missing entries count as 0).
func upsertChild(st *domain.ProcessingStatus, model string, summary domain.ChildSummary) {
	if st.Comparison.ModelStatuses == nil {
		st.Comparison.ModelStatuses = make(map[string]domain.ChildSummary)
	}
	st.Comparison.ModelStatuses[model] = summary

	completed := 0
	sum := 0
	for _, m := range st.Comparison.Models {
		cs, ok := st.Comparison.ModelStatuses[m]
		if !ok {
			continue
		}
		sum += cs.Progress
		if cs.Status.Terminal() {
			completed++
		}
	}
	st.Comparison.CompletedModels = completed
	if st.Comparison.TotalModels > 0 {
		st.Progress = sum / st.Comparison.TotalModels
	}
}
