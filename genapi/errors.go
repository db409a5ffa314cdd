package genapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrorKind is the fixed classification every provider failure is mapped to
// before it reaches a user.
type ErrorKind string

const (
	ErrContentPolicy ErrorKind = "content_policy_violation"
	ErrQuotaBilling  ErrorKind = "quota_billing"
	ErrRateLimit     ErrorKind = "rate_limit"
	ErrTimeout       ErrorKind = "timeout"
	ErrUnknown       ErrorKind = "unknown"
)

type ProviderError struct {
	Kind     ErrorKind
	Provider Provider
	Model    string
	Status   int
	Raw      string
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Provider))
	b.WriteString("/")
	b.WriteString(e.Model)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Raw != "" {
		b.WriteString(": ")
		b.WriteString(e.Raw)
	}
	return b.String()
}

// UserMessage maps an error kind to the string shown to the user in a failed
// status record.
func UserMessage(kind ErrorKind) string {
	switch kind {
	case ErrContentPolicy:
		return "Your prompt was rejected by the AI safety system. Please adjust your prompt and try again."
	case ErrQuotaBilling:
		return "The AI provider has reached its usage limit. Please try again later or pick a different model."
	case ErrRateLimit:
		return "The AI provider is receiving too many requests right now. Please try again in a moment."
	case ErrTimeout:
		return "Request timed out. Please try again."
	default:
		return "Image generation failed. Please try again."
	}
}

// Classify folds an arbitrary provider failure into the fixed kind table.
// Already-classified errors pass through unchanged.
func Classify(err error, provider Provider, model string, status int) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	kind := classifyKind(err, status)
	raw := ""
	if err != nil {
		raw = err.Error()
	}
	return &ProviderError{Kind: kind, Provider: provider, Model: model, Status: status, Raw: raw}
}

func classifyKind(err error, status int) ErrorKind {
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return ErrTimeout
	}
	switch status {
	case http.StatusTooManyRequests:
		return ErrRateLimit
	case http.StatusPaymentRequired, http.StatusForbidden:
		return ErrQuotaBilling
	case http.StatusUnavailableForLegalReasons:
		return ErrContentPolicy
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return ErrTimeout
	}
	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}
	switch {
	case containsAny(msg, "content_policy", "content policy", "safety system", "safety_violations", "nsfw", "moderation"):
		return ErrContentPolicy
	case containsAny(msg, "insufficient_quota", "quota", "billing", "credit balance", "payment required"):
		return ErrQuotaBilling
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "throttl"):
		return ErrRateLimit
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrTimeout
	}
	return ErrUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
