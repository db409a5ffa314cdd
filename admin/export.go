package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"pixelstudio/domain"
)

// LedgerReader is the slice of relational storage the export needs.
type LedgerReader interface {
	Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
	Balance(ctx context.Context, userID string) (int, error)
	Adjust(ctx context.Context, userID string, amount int, reason, actorID string) error
}

// Handler serves the admin endpoints: the credit ledger export and manual
// balance adjustments. Guarded by a static bearer token.
type Handler struct {
	ledger LedgerReader
	log    *slog.Logger
	token  string
}

func NewHandlerFromEnv(ledger LedgerReader, log *slog.Logger) *Handler {
	return &Handler{
		ledger: ledger,
		log:    log,
		token:  strings.TrimSpace(os.Getenv("ADMIN_TOKEN")),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/admin/credits/export", h.handleExport)
	mux.HandleFunc("/api/admin/credits/adjust", h.handleAdjust)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	return auth == "Bearer "+h.token
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	limit := 10000
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	txs, err := h.ledger.Transactions(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("ledger export query failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := "Credit Ledger"
	f.SetSheetName(f.GetSheetName(0), sheet)
	if err := writeLedgerSheetStream(f, sheet, txs); err != nil {
		h.log.Error("ledger export write failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	name := "credit_ledger_" + time.Now().Format("20060102_150405") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", name, url.PathEscape(name)))
	if _, err := f.WriteTo(w); err != nil {
		h.log.Error("ledger export send failed", "error", err)
	}
}

func writeLedgerSheetStream(f *excelize.File, sheet string, txs []domain.CreditTransaction) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	rowNum := 1
	if len(txs) == 0 {
		if err := sw.SetRow("A1", []interface{}{"no transactions"}); err != nil {
			return err
		}
		return sw.Flush()
	}
	headers := []interface{}{"ID", "User", "Type", "Amount", "Description", "Metadata", "Created At"}
	if err := sw.SetRow(cellAxis(rowNum, 1), headers); err != nil {
		return err
	}
	rowNum++
	for _, t := range txs {
		row := []interface{}{
			t.ID,
			t.UserID,
			string(t.Type),
			t.Amount,
			t.Description,
			t.Metadata,
			t.CreatedAt.Format(time.RFC3339),
		}
		if err := sw.SetRow(cellAxis(rowNum, 1), row); err != nil {
			return err
		}
		rowNum++
	}
	return sw.Flush()
}

func cellAxis(row, col int) string {
	axis, _ := excelize.CoordinatesToCellName(col, row)
	return axis
}

type adjustRequest struct {
	UserID string `json:"userId"`
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req adjustRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || req.Amount == 0 {
		http.Error(w, "userId and non-zero amount required", http.StatusBadRequest)
		return
	}

	actor := strings.TrimSpace(r.Header.Get("X-Admin-ID"))
	if actor == "" {
		actor = "admin"
	}
	if err := h.ledger.Adjust(r.Context(), req.UserID, req.Amount, req.Reason, actor); err != nil {
		h.log.Warn("credit adjustment rejected", "userId", req.UserID, "amount", req.Amount, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), req.UserID)
	if err != nil {
		h.log.Error("balance lookup after adjust failed", "userId", req.UserID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":  req.UserID,
		"balance": balance,
	})
}
