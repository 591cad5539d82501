package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vallenar/pos-core/internal/auth"
	"github.com/vallenar/pos-core/internal/cash"
	"github.com/vallenar/pos-core/internal/models"
	"github.com/vallenar/pos-core/internal/queue"
	"github.com/vallenar/pos-core/internal/reports"
	"github.com/vallenar/pos-core/internal/sales"
)

type credentialRequest struct {
	HolderID int64  `json:"holder_id,omitempty"`
	PIN      string `json:"pin"`
}

func (c credentialRequest) toCredential() auth.Credential {
	return auth.Credential{HolderID: c.HolderID, PIN: c.PIN}
}

// Sales

type saleLineRequest struct {
	BatchID     int64  `json:"batch_id,omitempty"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Discount    int64  `json:"discount,omitempty"`
}

type createSaleRequest struct {
	LocationID     int64             `json:"location_id"`
	TerminalID     int               `json:"terminal_id"`
	SessionID      int64             `json:"session_id"`
	CustomerID     int64             `json:"customer_id,omitempty"`
	PaymentMethod  string            `json:"payment_method"`
	PointsToRedeem int64             `json:"points_to_redeem,omitempty"`
	Items          []saleLineRequest `json:"items"`
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items := make([]sales.LineRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, sales.LineRequest{
			BatchID:     item.BatchID,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Discount:    item.Discount,
		})
	}

	sale, err := h.processor.Create(r.Context(), sales.CreateSaleRequest{
		LocationID:     req.LocationID,
		TerminalID:     req.TerminalID,
		SessionID:      req.SessionID,
		UserID:         currentUserID(r),
		CustomerID:     req.CustomerID,
		PaymentMethod:  req.PaymentMethod,
		PointsToRedeem: req.PointsToRedeem,
		Items:          items,
	})
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, sale)
}

type voidSaleRequest struct {
	Reason     string            `json:"reason"`
	Credential credentialRequest `json:"credential"`
}

func (h *Handler) voidSale(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sale id")
		return
	}
	var req voidSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sale, err := h.processor.Void(r.Context(), sales.VoidSaleRequest{
		SaleID:     id,
		Reason:     req.Reason,
		ActorID:    currentUserID(r),
		Credential: req.Credential.toCredential(),
	})
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sale)
}

type refundLineRequest struct {
	SaleItemID int64 `json:"sale_item_id"`
	Quantity   int   `json:"quantity"`
}

type refundSaleRequest struct {
	Reason     string              `json:"reason"`
	Credential credentialRequest   `json:"credential"`
	Lines      []refundLineRequest `json:"lines"`
}

func (h *Handler) refundSale(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sale id")
		return
	}
	var req refundSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	lines := make([]sales.RefundLineRequest, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, sales.RefundLineRequest{
			SaleItemID: line.SaleItemID,
			Quantity:   line.Quantity,
		})
	}

	refund, err := h.processor.Refund(r.Context(), sales.RefundSaleRequest{
		SaleID:     id,
		Reason:     req.Reason,
		ActorID:    currentUserID(r),
		Credential: req.Credential.toCredential(),
		Lines:      lines,
	})
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, refund)
}

func (h *Handler) listSales(w http.ResponseWriter, r *http.Request) {
	filter := reports.SaleFilter{
		LocationID: queryInt64(r, "location_id"),
		TerminalID: queryInt(r, "terminal_id"),
		SessionID:  queryInt64(r, "session_id"),
		UserID:     queryInt64(r, "user_id"),
		CustomerID: queryInt64(r, "customer_id"),
		Statuses:   queryList(r, "status"),
		Methods:    queryList(r, "method"),
	}

	var err error
	if filter.From, err = queryTime(r, "from"); err != nil {
		respondError(w, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		respondError(w, http.StatusBadRequest, "to must be RFC3339")
		return
	}

	page, err := h.reporter.ListSales(r.Context(), filter, r.URL.Query().Get("cursor"), queryInt(r, "limit"))
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, page)
}

// Cash sessions

type openSessionRequest struct {
	LocationID    int64 `json:"location_id"`
	TerminalID    int   `json:"terminal_id"`
	OpeningAmount int64 `json:"opening_amount"`
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.ledger.Open(r.Context(), cash.OpenRequest{
		LocationID:    req.LocationID,
		TerminalID:    req.TerminalID,
		OperatorID:    currentUserID(r),
		OpeningAmount: req.OpeningAmount,
	})
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, session)
}

type closeSessionRequest struct {
	TerminalID     int               `json:"terminal_id"`
	DeclaredAmount int64             `json:"declared_amount"`
	Credential     credentialRequest `json:"credential"`
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	var req closeSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.ledger.Close(r.Context(), cash.CloseRequest{
		TerminalID:     req.TerminalID,
		DeclaredAmount: req.DeclaredAmount,
		Credential:     req.Credential.toCredential(),
	})
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, session)
}

type systemCloseRequest struct {
	TerminalID int    `json:"terminal_id"`
	Reason     string `json:"reason"`
}

func (h *Handler) systemCloseSession(w http.ResponseWriter, r *http.Request) {
	var req systemCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.ledger.SystemClose(r.Context(), cash.SystemCloseRequest{
		TerminalID: req.TerminalID,
		ActorID:    currentUserID(r),
		Reason:     req.Reason,
	})
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, session)
}

type adjustSessionRequest struct {
	Amount     int64             `json:"amount"`
	Reason     string            `json:"reason"`
	Credential credentialRequest `json:"credential"`
}

func (h *Handler) adjustSession(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req adjustSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	movement, err := h.ledger.Adjust(r.Context(), cash.AdjustRequest{
		SessionID:  id,
		ActorID:    currentUserID(r),
		Amount:     req.Amount,
		Reason:     req.Reason,
		Credential: req.Credential.toCredential(),
	})
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, movement)
}

func (h *Handler) withdrawSession(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req adjustSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	movement, err := h.ledger.Withdraw(r.Context(), cash.WithdrawRequest{
		SessionID:  id,
		ActorID:    currentUserID(r),
		Amount:     req.Amount,
		Reason:     req.Reason,
		Credential: req.Credential.toCredential(),
	})
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, movement)
}

func (h *Handler) sessionReport(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	report, err := h.reporter.SessionReport(r.Context(), id)
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func (h *Handler) expectedCash(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	expected, err := h.ledger.ExpectedCash(r.Context(), id)
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]int64{"expected_cash": expected})
}

// Queue

type createTicketRequest struct {
	LocationID int64  `json:"location_id"`
	CustomerID int64  `json:"customer_id,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

func (h *Handler) createTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ticket, err := h.dispatcher.CreateTicket(r.Context(), queue.CreateTicketRequest{
		LocationID: req.LocationID,
		CustomerID: req.CustomerID,
		Priority:   req.Priority,
	})
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, ticket)
}

type callNextRequest struct {
	LocationID int64 `json:"location_id"`
	TerminalID int   `json:"terminal_id"`
}

func (h *Handler) callNextTicket(w http.ResponseWriter, r *http.Request) {
	var req callNextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ticket, err := h.dispatcher.CallNext(r.Context(), req.LocationID, req.TerminalID, currentUserID(r))
	if err != nil {
		respondOpError(w, err)
		return
	}
	if ticket == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respondJSON(w, http.StatusOK, ticket)
}

func (h *Handler) completeTicket(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	ticket, err := h.dispatcher.Complete(r.Context(), id, currentUserID(r))
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ticket)
}

type cancelTicketRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelTicket(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}
	var req cancelTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ticket, err := h.dispatcher.Cancel(r.Context(), id, currentUserID(r), req.Reason)
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ticket)
}

// Reports

func (h *Handler) dailySummary(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, models.RoleSupervisor, models.RoleAdmin) {
		return
	}

	day := time.Now()
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "date must be in YYYY-MM-DD format")
			return
		}
		day = parsed
	}

	summary, err := h.reporter.DailySummary(r.Context(), queryInt64(r, "location_id"), day)
	if err != nil {
		respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// Query helpers

func urlID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}

func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}

func queryList(r *http.Request, key string) []string {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
