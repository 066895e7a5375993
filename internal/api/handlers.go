package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"execution-core/internal/balance"
	"execution-core/internal/engine"
	"execution-core/internal/gateway"
	"execution-core/internal/meta"
	"execution-core/internal/normalize"
	"execution-core/internal/oco"
	"execution-core/pkg/exchanges/common"
)

type createOrderRequest struct {
	Symbol        string `json:"symbol" binding:"required,min=1"`
	Side          string `json:"side" binding:"required,oneof=BUY SELL"`
	Type          string `json:"type" binding:"required,oneof=LIMIT MARKET"`
	Qty           string `json:"qty" binding:"required"`
	Price         string `json:"price"`
	StopLossPct   string `json:"stop_loss_pct"`
	TakeProfitPct string `json:"take_profit_pct"`
	Oco           bool   `json:"oco"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func parseDecimalField(s, name string) (decimal.Decimal, string) {
	if s == "" {
		return decimal.Zero, ""
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, name + " is not a valid decimal"
	}
	return d, ""
}

// createOrder submits a manual order through the full pipeline.
func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	qty, msg := parseDecimalField(req.Qty, "qty")
	if msg == "" && !qty.IsPositive() {
		msg = "qty must be > 0"
	}
	price, msg2 := parseDecimalField(req.Price, "price")
	stopPct, msg3 := parseDecimalField(req.StopLossPct, "stop_loss_pct")
	targetPct, msg4 := parseDecimalField(req.TakeProfitPct, "take_profit_pct")
	for _, m := range []string{msg, msg2, msg3, msg4} {
		if m != "" {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", m)
			return
		}
	}
	orderType := common.OrderType(strings.ToUpper(req.Type))
	if orderType == common.OrderTypeLimit && !price.IsPositive() {
		respondError(c, http.StatusBadRequest, "INVALID_PRICE", "price must be > 0 for LIMIT orders")
		return
	}
	if req.Oco && (!stopPct.IsPositive() || !targetPct.IsPositive()) {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "oco orders require stop_loss_pct and take_profit_pct")
		return
	}

	intent := engine.Intent{
		Symbol:        strings.ToUpper(req.Symbol),
		Side:          common.Side(strings.ToUpper(req.Side)),
		OrderType:     orderType,
		Qty:           qty,
		LimitPrice:    price,
		StopLossPct:   stopPct,
		TakeProfitPct: targetPct,
		RequiresOco:   req.Oco,
	}

	order, err := s.Engine.Submit(c.Request.Context(), intent)
	if err != nil {
		s.respondSubmitError(c, err)
		return
	}
	c.JSON(http.StatusCreated, orderJSON(*order))
}

// respondSubmitError maps pipeline failures onto HTTP statuses.
func (s *Server) respondSubmitError(c *gin.Context, err error) {
	var belowMin *normalize.BelowMinimumError
	var insufficient *balance.InsufficientBalanceError
	var rejected *engine.RejectedError
	var unavailable *gateway.APIUnavailableError
	var noMeta *meta.MetadataUnavailableError

	switch {
	case errors.As(err, &belowMin):
		respondError(c, http.StatusBadRequest, "BELOW_MINIMUM", err.Error())
	case errors.As(err, &insufficient):
		respondError(c, http.StatusBadRequest, "INSUFFICIENT_BALANCE", err.Error())
	case errors.As(err, &rejected):
		respondError(c, http.StatusUnprocessableEntity, "REJECTED", rejected.Reason)
	case errors.As(err, &noMeta):
		respondError(c, http.StatusServiceUnavailable, "METADATA_UNAVAILABLE", err.Error())
	case errors.As(err, &unavailable):
		respondError(c, http.StatusServiceUnavailable, "VENUE_UNAVAILABLE", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "SUBMIT_FAILED", err.Error())
	}
}

// cancelOrder requests cancellation of a tracked order.
func (s *Server) cancelOrder(c *gin.Context) {
	id := c.Param("id")

	res, err := s.Engine.Cancel(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownOrder):
			respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "unknown order id")
		default:
			var unavailable *gateway.APIUnavailableError
			if errors.As(err, &unavailable) {
				respondError(c, http.StatusServiceUnavailable, "VENUE_UNAVAILABLE", err.Error())
				return
			}
			respondError(c, http.StatusConflict, "CANCEL_FAILED", err.Error())
		}
		return
	}

	status := "cancelled"
	if res.AlreadyFilled {
		status = "already_filled"
	} else if res.AlreadyCancelled {
		status = "already_cancelled"
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     res.LocalID,
		"status": status,
	})
}

// listOrders returns every order still in the registry.
func (s *Server) listOrders(c *gin.Context) {
	orders := s.Engine.ActiveOrders()
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderJSON(o))
	}
	c.JSON(http.StatusOK, out)
}

// getOrder returns one order by local id.
func (s *Server) getOrder(c *gin.Context) {
	o, ok := s.Engine.Get(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "unknown order id")
		return
	}
	c.JSON(http.StatusOK, orderJSON(o))
}

// listOcoGroups returns all live supervision groups.
func (s *Server) listOcoGroups(c *gin.Context) {
	groups := s.Oco.ActiveGroups()
	out := make([]gin.H, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupJSON(g))
	}
	c.JSON(http.StatusOK, out)
}

func orderJSON(o engine.TrackedOrder) gin.H {
	return gin.H{
		"id":                o.LocalID,
		"exchange_order_id": o.ExchangeOrderID,
		"symbol":            o.Symbol,
		"side":              string(o.Side),
		"type":              string(o.Type),
		"qty":               o.Qty.String(),
		"price":             o.Price.String(),
		"state":             string(o.State),
		"filled_qty":        o.FilledQty.String(),
		"avg_price":         o.AvgPrice.String(),
		"reject_reason":     o.RejectReason,
		"updated_at":        o.UpdatedAt,
	}
}

func groupJSON(g oco.Group) gin.H {
	return gin.H{
		"id":             g.ID,
		"symbol":         g.Symbol,
		"side":           string(g.Side),
		"qty":            g.Qty.String(),
		"entry_price":    g.EntryPrice.String(),
		"stop_price":     g.StopPrice.String(),
		"target_price":   g.TargetPrice.String(),
		"state":          string(g.State),
		"close_failures": g.CloseFailures,
		"created_at":     g.CreatedAt,
	}
}
