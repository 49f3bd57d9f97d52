package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/kamlabs/kamcore/internal/batch"
	"github.com/kamlabs/kamcore/internal/claims"
	"github.com/kamlabs/kamcore/internal/ledger"
	"github.com/kamlabs/kamcore/internal/registry"
	"github.com/kamlabs/kamcore/internal/roles"
	"github.com/kamlabs/kamcore/internal/settlement"
	"github.com/kamlabs/kamcore/internal/views"
	"github.com/kamlabs/kamcore/pkg/messaging"
	"github.com/kamlabs/kamcore/pkg/pause"
)

// Router is the HTTP front of the settlement core. All state changes flow
// through it; reads are served from the view service.
type Router struct {
	engine *gin.Engine

	settle    *settlement.Engine
	batches   *batch.Manager
	processor *claims.Processor
	ledgerSvc *ledger.Ledger
	vaults    *registry.Registry
	viewSvc   *views.Service
	auth      *roles.Service
	pauser    *pause.Switch
	msg       *messaging.Client

	wsClients   map[uuid.UUID]*wsClient
	wsMu        sync.RWMutex
	rateLimiter *rateLimiter
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Config holds router configuration and dependencies.
type Config struct {
	Settlement *settlement.Engine
	Batches    *batch.Manager
	Claims     *claims.Processor
	Ledger     *ledger.Ledger
	Vaults     *registry.Registry
	Views      *views.Service
	Auth       *roles.Service
	Pauser     *pause.Switch
	Messaging  *messaging.Client

	RateLimitWindow time.Duration
	RateLimitMax    int
}

// New creates the router and registers all routes.
func New(cfg Config) *Router {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 600
	}

	r := &Router{
		engine:    gin.Default(),
		settle:    cfg.Settlement,
		batches:   cfg.Batches,
		processor: cfg.Claims,
		ledgerSvc: cfg.Ledger,
		vaults:    cfg.Vaults,
		viewSvc:   cfg.Views,
		auth:      cfg.Auth,
		pauser:    cfg.Pauser,
		msg:       cfg.Messaging,
		wsClients: make(map[uuid.UUID]*wsClient),
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.engine.Use(r.rateLimitMiddleware())
	r.engine.Use(r.tracingMiddleware())

	r.engine.GET("/health", r.healthCheck)

	v1 := r.engine.Group("/api/v1")
	{
		v1.POST("/auth/token", r.issueToken)

		// Vault views
		v1.GET("/vaults/:vault", r.getVaultView)
		v1.GET("/vaults/:vault/batches/:id", r.getBatch)
		v1.GET("/vaults/:vault/batches/:id/balances", r.getBatchBalances)

		// User requests and claims
		v1.POST("/vaults/:vault/deposit", r.authMiddleware(), r.requestDeposit)
		v1.POST("/vaults/:vault/redeem", r.authMiddleware(), r.requestRedeem)
		v1.POST("/vaults/:vault/stake", r.authMiddleware(), r.requestStake)
		v1.POST("/vaults/:vault/unstake", r.authMiddleware(), r.requestUnstake)
		v1.GET("/requests/:id", r.getRequest)
		v1.POST("/claims/shares", r.authMiddleware(), r.claimShares)
		v1.POST("/claims/assets", r.authMiddleware(), r.claimAssets)

		// Batch cadence
		v1.POST("/vaults/:vault/batches/:id/close", r.authMiddleware(), r.closeBatch)
		v1.POST("/vaults/:vault/batches/:id/receiver", r.authMiddleware(), r.createReceiver)

		// Settlement
		v1.POST("/settlements/proposals", r.authMiddleware(), r.propose)
		v1.GET("/settlements/proposals/:id", r.getProposal)
		v1.GET("/settlements/proposals/:id/can-execute", r.canExecute)
		v1.POST("/settlements/proposals/:id/execute", r.execute)
		v1.DELETE("/settlements/proposals/:id", r.authMiddleware(), r.cancelProposal)
		v1.GET("/settlements/cooldown", r.getCooldown)
		v1.PUT("/settlements/cooldown", r.authMiddleware(), r.setCooldown)

		// Emergency surface
		v1.GET("/status", r.getStatus)
		v1.POST("/admin/pause", r.authMiddleware(), r.pauseProtocol)
		v1.POST("/admin/unpause", r.authMiddleware(), r.unpauseProtocol)

		v1.GET("/ws", r.handleWebSocket)
	}
}

// Start subscribes the websocket feed to the event stream and serves HTTP.
func (r *Router) Start(addr string) error {
	if r.msg != nil {
		subjects := []string{
			messaging.EventTypeBatchOpened,
			messaging.EventTypeBatchClosed,
			messaging.EventTypeBatchSettled,
			messaging.EventTypeRequestCreated,
			messaging.EventTypeRequestClaimed,
			messaging.EventTypeProposalCreated,
			messaging.EventTypeProposalCancelled,
			messaging.EventTypeProposalExecuted,
			messaging.EventTypeProtocolPaused,
			messaging.EventTypeProtocolUnpaused,
		}
		for _, subject := range subjects {
			if err := r.msg.Subscribe(subject, r.broadcast); err != nil {
				return err
			}
		}
	}
	return r.engine.Run(addr)
}

// Handler exposes the gin engine for tests.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Middleware

func (r *Router) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		caller, granted, err := r.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("caller", caller)
		c.Set("roles", granted)
		c.Next()
	}
}

func (r *Router) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.rateLimiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (r *Router) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"nats":   r.msg != nil && r.msg.IsConnected(),
		"paused": r.pauser.IsPaused(),
	})
}

type tokenRequest struct {
	Caller string `json:"caller" binding:"required"`
}

func (r *Router) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	token, err := r.auth.IssueToken(req.Caller)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (r *Router) getVaultView(c *gin.Context) {
	view, err := r.viewSvc.GetVaultView(c.Request.Context(), c.Param("vault"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (r *Router) getBatch(c *gin.Context) {
	batchID, ok := parseBatchID(c)
	if !ok {
		return
	}

	b, err := r.batches.Get(c.Param("vault"), batchID)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                     b.ID,
		"vault":                  b.Vault,
		"state":                  b.State.String(),
		"total_deposited":        b.TotalDeposited.String(),
		"total_requested_shares": b.TotalRequestedShares.String(),
		"receiver":               b.Receiver,
		"settled_price":          b.SettledPrice.String(),
	})
}

func (r *Router) getBatchBalances(c *gin.Context) {
	batchID, ok := parseBatchID(c)
	if !ok {
		return
	}

	view, err := r.viewSvc.GetBatchBalances(c.Param("vault"), batchID)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (r *Router) requestDeposit(c *gin.Context) {
	r.handleRequest(c, r.processor.RequestDeposit)
}

func (r *Router) requestRedeem(c *gin.Context) {
	r.handleRequest(c, r.processor.RequestRedeem)
}

func (r *Router) requestStake(c *gin.Context) {
	r.handleRequest(c, r.processor.RequestStake)
}

func (r *Router) requestUnstake(c *gin.Context) {
	r.handleRequest(c, r.processor.RequestUnstake)
}

func (r *Router) handleRequest(c *gin.Context, fn func(ctx context.Context, caller, vault string, amt decimal.Decimal) (uuid.UUID, error)) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amt, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	caller := c.MustGet("caller").(string)
	requestID, err := fn(c.Request.Context(), caller, c.Param("vault"), amt)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": requestID})
}

func (r *Router) getRequest(c *gin.Context) {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request ID"})
		return
	}

	req, err := r.processor.Get(requestID)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          req.ID,
		"kind":        req.Kind.String(),
		"vault":       req.Vault,
		"batch_id":    req.BatchID,
		"beneficiary": req.Beneficiary,
		"amount":      req.Amount.String(),
		"claimed":     req.Status == claims.StatusClaimed,
	})
}

type claimRequest struct {
	BatchID   uint64 `json:"batch_id"`
	RequestID string `json:"request_id" binding:"required"`
}

func (r *Router) claimShares(c *gin.Context) {
	r.handleClaim(c, r.processor.ClaimStakedShares, "shares")
}

func (r *Router) claimAssets(c *gin.Context) {
	r.handleClaim(c, r.processor.ClaimUnstakedAssets, "assets")
}

func (r *Router) handleClaim(c *gin.Context, fn func(ctx context.Context, caller string, batchID uint64, requestID uuid.UUID) (decimal.Decimal, error), field string) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request ID"})
		return
	}

	caller := c.MustGet("caller").(string)
	payout, err := fn(c.Request.Context(), caller, req.BatchID, requestID)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{field: payout.String()})
}

func (r *Router) closeBatch(c *gin.Context) {
	batchID, ok := parseBatchID(c)
	if !ok {
		return
	}

	caller := c.MustGet("caller").(string)
	if err := r.batches.Close(c.Request.Context(), caller, c.Param("vault"), batchID); err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "batch closed"})
}

func (r *Router) createReceiver(c *gin.Context) {
	batchID, ok := parseBatchID(c)
	if !ok {
		return
	}

	caller := c.MustGet("caller").(string)
	addr, err := r.batches.CreateReceiver(caller, c.Param("vault"), batchID)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receiver": addr})
}

type proposeRequest struct {
	Vault       string `json:"vault" binding:"required"`
	Asset       string `json:"asset" binding:"required"`
	BatchID     uint64 `json:"batch_id"`
	TotalAssets string `json:"total_assets" binding:"required"`
	Netted      string `json:"netted"`
	Yield       string `json:"yield"`
	Profit      bool   `json:"profit"`
}

func (r *Router) propose(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	totalAssets, err := decimal.NewFromString(req.TotalAssets)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_assets"})
		return
	}
	netted := parseDecimalOrZero(req.Netted)
	yield := parseDecimalOrZero(req.Yield)

	caller := c.MustGet("caller").(string)
	proposalID, err := r.settle.Propose(c.Request.Context(), caller, req.Vault, req.Asset,
		req.BatchID, totalAssets, netted, yield, req.Profit)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal_id": proposalID})
}

func (r *Router) getProposal(c *gin.Context) {
	p, err := r.settle.GetProposal(c.Param("id"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            p.ID,
		"vault":         p.Vault,
		"asset":         p.Asset,
		"batch_id":      p.BatchID,
		"total_assets":  p.TotalAssets.String(),
		"netted":        p.Netted.String(),
		"yield":         p.Yield.String(),
		"profit":        p.Profit,
		"execute_after": p.ExecuteAfter,
	})
}

func (r *Router) canExecute(c *gin.Context) {
	ok, reason := r.settle.CanExecute(c.Param("id"))
	resp := gin.H{"can_execute": ok}
	if reason != "" {
		resp["reason"] = reason
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) execute(c *gin.Context) {
	if err := r.settle.Execute(c.Request.Context(), c.Param("id")); err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "settlement executed"})
}

func (r *Router) cancelProposal(c *gin.Context) {
	caller := c.MustGet("caller").(string)
	if err := r.settle.Cancel(c.Request.Context(), caller, c.Param("id")); err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "proposal cancelled"})
}

func (r *Router) getCooldown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cooldown": r.settle.Cooldown().String()})
}

type cooldownRequest struct {
	Cooldown string `json:"cooldown" binding:"required"`
}

func (r *Router) setCooldown(c *gin.Context) {
	var req cooldownRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	d, err := time.ParseDuration(req.Cooldown)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cooldown"})
		return
	}

	caller := c.MustGet("caller").(string)
	if err := r.settle.SetCooldown(caller, d); err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cooldown": d.String()})
}

func (r *Router) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"paused":    r.pauser.IsPaused(),
		"paused_at": r.pauser.PausedAt(),
	})
}

func (r *Router) pauseProtocol(c *gin.Context) {
	caller := c.MustGet("caller").(string)
	if !r.auth.IsAuthorized(roles.EmergencyAdmin, caller) {
		c.JSON(http.StatusForbidden, gin.H{"error": roles.ErrWrongRole.Error()})
		return
	}
	r.pauser.Pause()
	r.publishPauseEvent(c, messaging.EventTypeProtocolPaused, caller)
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (r *Router) unpauseProtocol(c *gin.Context) {
	caller := c.MustGet("caller").(string)
	if !r.auth.IsAuthorized(roles.EmergencyAdmin, caller) {
		c.JSON(http.StatusForbidden, gin.H{"error": roles.ErrWrongRole.Error()})
		return
	}
	r.pauser.Unpause()
	r.publishPauseEvent(c, messaging.EventTypeProtocolUnpaused, caller)
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (r *Router) publishPauseEvent(c *gin.Context, eventType, caller string) {
	if r.msg == nil {
		return
	}
	r.msg.Publish(c.Request.Context(), eventType, gin.H{
		"caller": caller,
		"at":     time.Now(),
	})
}

// WebSocket event feed

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(req *http.Request) bool { return true },
}

func (r *Router) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	r.wsMu.Lock()
	r.wsClients[client.id] = client
	r.wsMu.Unlock()

	go r.wsReadPump(client)
	go r.wsWritePump(client)
}

func (r *Router) wsReadPump(client *wsClient) {
	defer func() {
		r.wsMu.Lock()
		delete(r.wsClients, client.id)
		r.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (r *Router) broadcast(m *nats.Msg) {
	r.wsMu.RLock()
	defer r.wsMu.RUnlock()

	for _, client := range r.wsClients {
		select {
		case client.send <- m.Data:
		default:
			// Slow consumer; drop the event rather than block the feed.
		}
	}
}

// writeError maps domain sentinels to HTTP status codes.
func (r *Router) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, pause.ErrPaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, roles.ErrWrongRole):
		status = http.StatusForbidden
	case errors.Is(err, claims.ErrNotBeneficiary):
		status = http.StatusForbidden
	case errors.Is(err, batch.ErrBatchNotFound),
		errors.Is(err, registry.ErrUnknownVault),
		errors.Is(err, settlement.ErrProposalNotFound),
		errors.Is(err, claims.ErrRequestNotFound):
		status = http.StatusNotFound
	case errors.Is(err, settlement.ErrCooldownNotElapsed):
		status = http.StatusLocked
	case errors.Is(err, claims.ErrRequestNotPending),
		errors.Is(err, settlement.ErrBatchAlreadyProposed),
		errors.Is(err, batch.ErrBatchAlreadyClosed),
		errors.Is(err, batch.ErrBatchNotOpen),
		errors.Is(err, batch.ErrBatchNotClosed),
		errors.Is(err, batch.ErrBatchNotSettled):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, ledger.ErrInsufficientVirtualBalance),
		errors.Is(err, settlement.ErrInvalidProposal),
		errors.Is(err, settlement.ErrInsufficientBalance),
		errors.Is(err, settlement.ErrInvalidCooldown),
		errors.Is(err, registry.ErrZeroAddress):
		status = http.StatusBadRequest
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

type rateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := make([]time.Time, 0, len(requests))
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

func parseBatchID(c *gin.Context) (uint64, bool) {
	batchID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch ID"})
		return 0, false
	}
	return batchID, true
}

func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
