package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"trade-lifecycle-engine/internal/auth"
	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/logging"
	"trade-lifecycle-engine/internal/plan"
	"trade-lifecycle-engine/internal/risk"
)

const (
	defaultEventLimit = 500
	maxEventLimit     = 5000
)

// PlanPreview is the response of POST /api/trades/validate
type PlanPreview struct {
	Valid           bool              `json:"valid"`
	Plan            *plan.TradePlan   `json:"plan"`
	InitialStopLoss decimal.Decimal   `json:"initialStopLoss"`
	MaxLossStop     decimal.Decimal   `json:"maxLossStop"`
	CascadeStops    []decimal.Decimal `json:"cascadeStops"`
}

func readPlan(c *gin.Context) (*plan.TradePlan, bool) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		errorResponse(c, http.StatusBadRequest, "request body must be a trade plan document")
		return nil, false
	}
	p, err := plan.Parse(body)
	if err != nil {
		var verr *plan.ValidationError
		if errors.As(err, &verr) {
			writeError(c, err)
			return nil, false
		}
		errorResponse(c, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return p, true
}

// handleValidatePlan checks a plan without persisting it and previews its stops
// POST /api/trades/validate
func (s *Server) handleValidatePlan(c *gin.Context) {
	p, ok := readPlan(c)
	if !ok {
		return
	}

	offset := s.engine.Config().SLOffsetPercent
	ref := p.AveragePrice
	if !ref.IsPositive() {
		ref = p.EntryPrice
	}
	preview := PlanPreview{
		Valid:           true,
		Plan:            p,
		InitialStopLoss: risk.InitialStopLoss(p),
		MaxLossStop:     risk.StopForMaxLoss(p.Direction, ref, p.Leverage, p.MaxLossPercent),
	}
	for k := range p.TakeProfits {
		preview.CascadeStops = append(preview.CascadeStops, risk.CascadeStopLoss(p.Direction, risk.CascadeAnchor(p, k), offset))
	}
	successResponse(c, http.StatusOK, preview)
}

// handleCreateTrade imports a plan as a PENDING trade
// POST /api/trades
func (s *Server) handleCreateTrade(c *gin.Context) {
	p, ok := readPlan(c)
	if !ok {
		return
	}

	rec, err := s.engine.Create(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}

	logging.FromContext(c.Request.Context()).Info().
		Str("trade_id", rec.ID).
		Str("symbol", p.Symbol).
		Str("operator", auth.GetUsername(c)).
		Msg("Trade plan imported via API")
	successResponse(c, http.StatusCreated, rec)
}

// handleListTrades lists trades, optionally filtered by status and symbol
// GET /api/trades?status=OPEN,ERROR&symbol=DOGEUSDT&limit=50
func (s *Server) handleListTrades(c *gin.Context) {
	filter := database.TradeFilter{
		Symbol: strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
	}
	for _, raw := range strings.Split(c.Query("status"), ",") {
		raw = strings.ToUpper(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		status := database.TradeStatus(raw)
		switch status {
		case database.StatusPending, database.StatusActive, database.StatusOpen, database.StatusClosed, database.StatusError:
			filter.Statuses = append(filter.Statuses, status)
		default:
			errorResponse(c, http.StatusBadRequest, "unknown status "+raw)
			return
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	recs, err := s.engine.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []*database.TradeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    recs,
		"count":   len(recs),
	})
}

// handleGetTrade returns status, position and ledger of one trade
// GET /api/trades/:id
func (s *Server) handleGetTrade(c *gin.Context) {
	id := c.Param("id")
	var (
		rec *database.TradeRecord
		err error
	)
	if s.reader != nil {
		rec, err = s.reader.GetTrade(c.Request.Context(), id)
	} else {
		rec, err = s.engine.Snapshot(c.Request.Context(), id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	successResponse(c, http.StatusOK, rec)
}

// handleGetTradeEvents returns a trade's events after a sequence number
// GET /api/trades/:id/events?after=12&limit=100
func (s *Server) handleGetTradeEvents(c *gin.Context) {
	var after int64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			errorResponse(c, http.StatusBadRequest, "after must be a non-negative sequence number")
			return
		}
		after = v
	}
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	id := c.Param("id")
	evs, err := s.engine.Events(c.Request.Context(), id, after, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"trade_id": id,
		"events":   evs,
		"count":    len(evs),
	})
}

// command wraps an engine command; on success it returns the trade's new snapshot
func (s *Server) command(name string, fn func(ctx context.Context, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ctx := c.Request.Context()
		if err := fn(ctx, id); err != nil {
			logging.FromContext(ctx).Warn().Err(err).
				Str("trade_id", id).
				Str("command", name).
				Msg("Trade command failed")
			writeError(c, err)
			return
		}

		logging.FromContext(ctx).Info().
			Str("trade_id", id).
			Str("command", name).
			Str("operator", auth.GetUsername(c)).
			Msg("Trade command applied")

		rec, err := s.engine.Snapshot(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		successResponse(c, http.StatusOK, rec)
	}
}
