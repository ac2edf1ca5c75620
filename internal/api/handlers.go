// Package api is the operational HTTP surface of the matching core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/spotcore/internal/engine"
	"github.com/xtrntr/spotcore/internal/exchange"
	"github.com/xtrntr/spotcore/internal/ledger"
	"github.com/xtrntr/spotcore/internal/models"
	"github.com/xtrntr/spotcore/internal/orderbook"
)

const maxDepthLimit = 500

// Exchange is the per-pair matching front.
type Exchange interface {
	Submit(ctx context.Context, order models.Order) (exchange.Report, error)
	Cancel(ctx context.Context, order models.Order) (models.Order, error)
	GetOrderBook(ctx context.Context, pair models.Pair) ([]models.Order, []models.Order, error)
}

// Depth serves aggregated price levels.
type Depth interface {
	Depth(ctx context.Context, pair models.Pair, group decimal.Decimal, side models.Side, limit int) ([]models.PriceLevel, error)
}

// Orders reads orders persisted by order intake.
type Orders interface {
	Order(ctx context.Context, id int64) (models.Order, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange Exchange
	Depth    Depth
	Orders   Orders
	Health   Pinger
	Events   http.Handler
	log      *logrus.Entry
}

// NewHandler creates a new handler. health and events may be nil.
func NewHandler(ex Exchange, depth Depth, orders Orders, health Pinger, events http.Handler, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		Exchange: ex,
		Depth:    depth,
		Orders:   orders,
		Health:   health,
		Events:   events,
		log:      log.WithField("component", "api"),
	}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/depth/{base}/{quote}", h.GetDepth)
	r.Get("/orderbook/{base}/{quote}", h.GetOrderBook)
	r.Post("/orders/{id}/submit", h.SubmitOrder)
	r.Delete("/orders/{id}", h.CancelOrder)
	if h.Events != nil {
		r.Get("/ws", h.Events.ServeHTTP)
	}
}

// Healthz reports whether the ledger database answers
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			h.log.WithError(err).Warn("Health check failed")
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type depthResponse struct {
	Pair  string              `json:"pair"`
	Group decimal.Decimal     `json:"group"`
	Bids  []models.PriceLevel `json:"bids"`
	Asks  []models.PriceLevel `json:"asks"`
}

// GetDepth serves the aggregated book of a pair at ?group= (default exact price), capped at ?limit=
func (h *Handler) GetDepth(w http.ResponseWriter, r *http.Request) {
	pair := pairParam(r)

	group := decimal.Zero
	if s := r.URL.Query().Get("group"); s != "" {
		g, err := decimal.NewFromString(s)
		if err != nil || g.IsNegative() {
			writeError(w, http.StatusBadRequest, "invalid group")
			return
		}
		group = g
	}
	limit := orderbook.DefaultMaxDepth
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxDepthLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	resp := depthResponse{Pair: pair.String(), Group: group}
	var err error
	if resp.Bids, err = h.Depth.Depth(r.Context(), pair, group, models.SideBuy, limit); err == nil {
		resp.Asks, err = h.Depth.Depth(r.Context(), pair, group, models.SideSell, limit)
	}
	if err != nil {
		if errors.Is(err, orderbook.ErrUnknownGroup) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.log.WithError(err).WithField("pair", pair.String()).Error("Failed to read depth")
		writeError(w, http.StatusInternalServerError, "failed to read depth")
		return
	}
	if resp.Bids == nil {
		resp.Bids = []models.PriceLevel{}
	}
	if resp.Asks == nil {
		resp.Asks = []models.PriceLevel{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrderBook retrieves the resting orders of a pair
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	pair := pairParam(r)
	bids, asks, err := h.Exchange.GetOrderBook(r.Context(), pair)
	if err != nil {
		h.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"buy_orders":  bids,
		"sell_orders": asks,
	})
}

type submitResponse struct {
	Order     models.Order   `json:"order"`
	Trades    []models.Trade `json:"trades"`
	Canceled  []models.Order `json:"canceled"`
	Activated []models.Order `json:"activated"`
}

// SubmitOrder hands a NEW order created by order intake to its pair's worker
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	rep, err := h.Exchange.Submit(r.Context(), order)
	if err != nil {
		h.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Order:     rep.Order,
		Trades:    rep.Trades,
		Canceled:  rep.Canceled,
		Activated: rep.Activated,
	})
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	canceled, err := h.Exchange.Cancel(r.Context(), order)
	if err != nil {
		h.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, canceled)
}

func (h *Handler) loadOrder(w http.ResponseWriter, r *http.Request) (models.Order, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return models.Order{}, false
	}
	order, err := h.Orders.Order(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return models.Order{}, false
		}
		h.log.WithError(err).WithField("order_id", id).Error("Failed to load order")
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return models.Order{}, false
	}
	return order, true
}

func (h *Handler) writeExchangeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrUnknownPair):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotCancelable), errors.Is(err, engine.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrBufferFlush):
		h.log.WithError(err).Error("Settlement buffer flush failed")
		writeError(w, http.StatusServiceUnavailable, "settlement pending, buffer flush failed")
	default:
		h.log.WithError(err).Error("Exchange request failed")
		writeError(w, http.StatusInternalServerError, "exchange request failed")
	}
}

func pairParam(r *http.Request) models.Pair {
	return models.Pair{Base: chi.URLParam(r, "base"), Quote: chi.URLParam(r, "quote")}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
