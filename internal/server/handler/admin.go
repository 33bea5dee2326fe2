package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/settlement"
)

// adminCaller is recorded as the requester of operator-triggered actions.
const adminCaller = "admin"

// SettlementService defines the settlement operations exposed to operators.
type SettlementService interface {
	CreateMarket(ctx context.Context, m domain.Market) (domain.Market, error)
	RequestSettlement(ctx context.Context, marketID, caller string) (domain.Market, error)
	Split(ctx context.Context, marketID, holder string, amountUnits int64) (domain.Split, error)
	Redeem(ctx context.Context, marketID, holder string) (domain.Redemption, error)
	Reconcile(ctx context.Context) (settlement.Report, error)
}

// ArchiveReader opens and lists archived trade logs.
type ArchiveReader interface {
	OpenLog(ctx context.Context, marketID string) (io.ReadCloser, error)
	Logs(ctx context.Context) ([]domain.TradeLog, error)
}

// AdminHandler serves operator endpoints. Every route it serves sits behind
// the admin signature middleware.
type AdminHandler struct {
	settlement  SettlementService
	audit       domain.AuditStore
	archives    ArchiveReader // optional
	logger      *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(s SettlementService, audit domain.AuditStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{settlement: s, audit: audit, logger: logHandler(logger, "admin")}
}

// WithArchives enables listing and downloading archived trade logs.
func (h *AdminHandler) WithArchives(r ArchiveReader) *AdminHandler {
	h.archives = r
	return h
}

type createMarketRequest struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	QuestionID  string    `json:"question_id"`
	ConditionID string    `json:"condition_id"`
	TokenIDs    [2]string `json:"token_ids"`
	EndTime     time.Time `json:"end_time"`
}

// CreateMarket registers a new Active market.
// POST /api/admin/markets
func (h *AdminHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.settlement.CreateMarket(r.Context(), domain.Market{
		ID:          req.ID,
		Question:    req.Question,
		QuestionID:  strings.ToLower(req.QuestionID),
		ConditionID: strings.ToLower(req.ConditionID),
		TokenIDs:    req.TokenIDs,
		EndTime:     req.EndTime,
	})
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMarketView(m))
}

// RequestSettlement asks the oracle to resolve an ended market.
// POST /api/admin/markets/{id}/settle
func (h *AdminHandler) RequestSettlement(w http.ResponseWriter, r *http.Request) {
	m, err := h.settlement.RequestSettlement(r.Context(), r.PathValue("id"), adminCaller)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(m))
}

type splitRequest struct {
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

// Split escrows collateral for a holder and credits both outcome tokens.
// POST /api/admin/markets/{id}/split
func (h *AdminHandler) Split(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	units, err := parseUnits(req.Amount)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	s, err := h.settlement.Split(r.Context(), r.PathValue("id"), req.Holder, units)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": s.MarketID,
		"holder":    s.Holder,
		"amount":    fixed(s.AmountUnits),
		"tx_hash":   s.TxHash,
	})
}

type redeemRequest struct {
	Holder string `json:"holder"`
}

// Redeem pays out a holder's balances in a resolved market.
// POST /api/admin/markets/{id}/redeem
func (h *AdminHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	red, err := h.settlement.Redeem(r.Context(), r.PathValue("id"), req.Holder)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newRedemptionView(red))
}

// Reconcile runs one settlement reconciliation pass now. Per-market
// failures are reported alongside the pass summary.
// POST /api/admin/reconcile
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.settlement.Reconcile(r.Context())
	resp := map[string]any{"report": report}
	if err != nil {
		resp["errors"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAudit returns audit log entries newest first.
// GET /api/admin/audit?limit=50&offset=0
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	type entryView struct {
		ID        int64          `json:"id"`
		Event     string         `json:"event"`
		Detail    map[string]any `json:"detail,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
	}
	out := make([]entryView, len(entries))
	for i, e := range entries {
		out[i] = entryView{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// ListArchives lists archived trade logs.
// GET /api/admin/archives
func (h *AdminHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotFound, "not_found", "archive storage is not configured")
		return
	}
	logs, err := h.archives.Logs(r.Context())
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	type archiveView struct {
		MarketID     string    `json:"market_id"`
		Key          string    `json:"key"`
		Size         int64     `json:"size"`
		LastModified time.Time `json:"last_modified"`
	}
	out := make([]archiveView, 0, len(logs))
	for _, l := range logs {
		out = append(out, archiveView{MarketID: l.MarketID, Key: l.Key, Size: l.Size, LastModified: l.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}

// GetArchive streams a resolved market's archived trade log as JSONL.
// GET /api/admin/markets/{id}/archive
func (h *AdminHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotFound, "not_found", "archive storage is not configured")
		return
	}
	body, err := h.archives.OpenLog(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted", slog.String("error", err.Error()))
	}
}

// parseUnits converts a positive decimal amount into 1e6 fixed-point units.
func parseUnits(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, domain.Reject(domain.ErrMalformed, "amount %q is not a decimal", s)
	}
	scaled := d.Shift(6)
	if !scaled.IsInteger() {
		return 0, domain.Reject(domain.ErrMalformed, "amount %q has more than 6 decimals", s)
	}
	if !scaled.IsPositive() || !scaled.LessThan(decimal.New(1, 18)) {
		return 0, domain.Reject(domain.ErrMalformed, "amount %q out of range", s)
	}
	return scaled.IntPart(), nil
}
