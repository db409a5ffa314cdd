package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ProcessingState string

const (
	ProcessingStateQueued     ProcessingState = "queued"
	ProcessingStateProcessing ProcessingState = "processing"
	ProcessingStateComplete   ProcessingState = "complete"
	ProcessingStateFailed     ProcessingState = "failed"
	ProcessingStatePartial    ProcessingState = "partial"
)

// Terminal reports whether no further transition is allowed from s.
func (s ProcessingState) Terminal() bool {
	switch s {
	case ProcessingStateComplete, ProcessingStateFailed, ProcessingStatePartial:
		return true
	}
	return false
}

// Image is one generated asset. URL is what the client renders; ObjectKey is
// set when the asset has been copied into our own object storage.
type Image struct {
	URL       string `json:"url"`
	ObjectKey string `json:"-"`
}

// ChildSummary is the per-model entry a comparison parent keeps for each child.
type ChildSummary struct {
	Status   ProcessingState `json:"status"`
	Progress int             `json:"progress"`
	SetID    string          `json:"setId,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ComparisonStatus is the aggregate a comparison parent carries on top of the
// plain status record. CompletedModels counts children in a terminal state.
type ComparisonStatus struct {
	Models          []string                `json:"models"`
	ModelStatuses   map[string]ChildSummary `json:"modelStatuses"`
	TotalModels     int                     `json:"totalModels"`
	CompletedModels int                     `json:"completedModels"`
}

// ProcessingStatus is the per-request progress record in the status store.
// One record per request id; terminal records are immutable.
type ProcessingStatus struct {
	RequestID string          `json:"requestId"`
	UserID    string          `json:"userId"`
	Status    ProcessingState `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	SetID     string          `json:"setId,omitempty"`
	Images    []Image         `json:"images,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ClaimedBy string          `json:"claimedBy,omitempty"`

	// Comparison is set on parent records only.
	Comparison *ComparisonStatus `json:"comparison,omitempty"`
}

type JobKind string

const (
	JobKindSingle          JobKind = "single"
	JobKindComparisonChild JobKind = "comparison_child"
)

// GenerationJob is the queue payload. Kind is the discriminant: a
// comparison_child job carries the parent it aggregates into, a single job
// must not.
type GenerationJob struct {
	Kind            JobKind `json:"kind"`
	RequestID       string  `json:"requestId"`
	UserID          string  `json:"userId"`
	Prompt          string  `json:"prompt"`
	Model           string  `json:"model"`
	NumberOfImages  int     `json:"numberOfImages"`
	StylePreset     string  `json:"stylePreset,omitempty"`
	Private         bool    `json:"private,omitempty"`
	ParentRequestID string  `json:"parentRequestId,omitempty"`
}

func (j *GenerationJob) Validate() error {
	if j == nil {
		return errors.New("job is nil")
	}
	if strings.TrimSpace(j.RequestID) == "" {
		return errors.New("requestId empty")
	}
	if strings.TrimSpace(j.UserID) == "" {
		return errors.New("userId empty")
	}
	if strings.TrimSpace(j.Prompt) == "" {
		return errors.New("prompt empty")
	}
	if strings.TrimSpace(j.Model) == "" {
		return errors.New("model empty")
	}
	if j.NumberOfImages < 1 || j.NumberOfImages > 10 {
		return fmt.Errorf("numberOfImages out of range: %d", j.NumberOfImages)
	}
	switch j.Kind {
	case JobKindSingle:
		if j.ParentRequestID != "" {
			return errors.New("single job must not carry parentRequestId")
		}
	case JobKindComparisonChild:
		if strings.TrimSpace(j.ParentRequestID) == "" {
			return errors.New("comparison_child job requires parentRequestId")
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	return nil
}

type NotificationType string

const (
	NotificationImageCompleted      NotificationType = "IMAGE_COMPLETED"
	NotificationComparisonCompleted NotificationType = "COMPARISON_COMPLETED"
)

// Notification is the user-facing row written once per completed request.
type Notification struct {
	ID          int64            `json:"id"`
	Type        NotificationType `json:"type"`
	RecipientID string           `json:"recipientId"`
	RequestID   string           `json:"requestId"`
	SetID       string           `json:"setId,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

type TransactionType string

const (
	TransactionPurchase        TransactionType = "purchase"
	TransactionSpend           TransactionType = "spend"
	TransactionRefund          TransactionType = "refund"
	TransactionBonus           TransactionType = "bonus"
	TransactionAdminAdjustment TransactionType = "admin_adjustment"
)

// CreditTransaction is one append-only ledger row. Amount is signed: negative
// for spend, positive for purchase/refund/bonus.
type CreditTransaction struct {
	ID          int64           `json:"id"`
	UserID      string          `json:"userId"`
	Type        TransactionType `json:"type"`
	Amount      int             `json:"amount"`
	Description string          `json:"description,omitempty"`
	Metadata    string          `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}
