package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/nftmarket/internal/auth"
	"github.com/terminal-bench/nftmarket/internal/history"
	"github.com/terminal-bench/nftmarket/internal/marketplace"
)

// Gateway exposes the marketplace over HTTP and streams its events over
// WebSocket.
type Gateway struct {
	router *gin.Engine
	market *marketplace.Market
	auth   *auth.Service
	log    *zap.Logger

	hub         *Hub
	rateLimiter *RateLimiter
}

// Config holds gateway settings.
type Config struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// RateLimiter implements per-key sliding-window rate limiting.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter allows up to limit requests per key within window. A
// non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// NewGateway wires routes and middleware. The hub may be shared with the
// marketplace as an event sink; pass nil to create a private one.
func NewGateway(cfg Config, market *marketplace.Market, authSvc *auth.Service, hub *Hub, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &Gateway{
		router:      gin.New(),
		market:      market,
		auth:        authSvc,
		log:         log,
		hub:         hub,
		rateLimiter: NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
	}

	g.setupRoutes()
	return g
}

// Hub returns the WebSocket hub; register it as an event sink to stream
// marketplace events to connected clients.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Start serves HTTP on addr until the server fails.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

func (g *Gateway) setupRoutes() {
	g.router.Use(gin.Recovery())
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		// Reads are open; getListing and getProceeds never fail.
		v1.GET("/listings/:collection/:token", g.getListing)
		v1.GET("/proceeds/:account", g.getProceeds)

		v1.POST("/listings", g.authMiddleware(), g.listItem)
		v1.PATCH("/listings/:collection/:token", g.authMiddleware(), g.updateListing)
		v1.DELETE("/listings/:collection/:token", g.authMiddleware(), g.cancelListing)
		v1.POST("/listings/:collection/:token/buy", g.authMiddleware(), g.buyItem)
		v1.POST("/withdrawals", g.authMiddleware(), g.withdrawProceeds)

		v1.GET("/ws", g.handleWebSocket)
	}
}

// RegisterHistory exposes activity queries backed by the persisted event
// stream. Only called when a history store is configured.
func (g *Gateway) RegisterHistory(store *history.Store) {
	v1 := g.router.Group("/api/v1")
	v1.GET("/activity/items/:collection/:token", g.itemActivity(store))
	v1.GET("/activity/accounts/:account", g.accountActivity(store))
}

func (g *Gateway) itemActivity(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		collection, tokenID, ok := itemParams(c)
		if !ok {
			return
		}
		records, err := store.ByItem(c.Request.Context(), collection, tokenID, activityLimit(c))
		if err != nil {
			g.log.Error("query item activity", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"activity": records})
	}
}

func (g *Gateway) accountActivity(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := store.ByAccount(c.Request.Context(), c.Param("account"), activityLimit(c))
		if err != nil {
			g.log.Error("query account activity", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"activity": records})
	}
}

func activityLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		return 50
	}
	return limit
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		token := header
		if len(header) > 7 && header[:7] == "Bearer " {
			token = header[7:]
		}

		address, err := g.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("account", address)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !g.rateLimiter.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
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

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type listItemRequest struct {
	Collection string `json:"collection" binding:"required"`
	TokenID    uint64 `json:"token_id"`
	Price      string `json:"price" binding:"required"`
}

func (g *Gateway) listItem(c *gin.Context) {
	var req listItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
		return
	}

	caller := c.MustGet("account").(string)
	if err := g.market.ListItem(c.Request.Context(), caller, req.Collection, req.TokenID, price); err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"collection": req.Collection,
		"token_id":   req.TokenID,
		"seller":     caller,
		"price":      price.String(),
	})
}

type updateListingRequest struct {
	Price string `json:"price" binding:"required"`
}

func (g *Gateway) updateListing(c *gin.Context) {
	collection, tokenID, ok := itemParams(c)
	if !ok {
		return
	}
	var req updateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
		return
	}

	caller := c.MustGet("account").(string)
	if err := g.market.UpdateListing(c.Request.Context(), caller, collection, tokenID, price); err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"collection": collection,
		"token_id":   tokenID,
		"price":      price.String(),
	})
}

func (g *Gateway) cancelListing(c *gin.Context) {
	collection, tokenID, ok := itemParams(c)
	if !ok {
		return
	}

	caller := c.MustGet("account").(string)
	if err := g.market.CancelListing(c.Request.Context(), caller, collection, tokenID); err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "listing cancelled"})
}

type buyItemRequest struct {
	Paid string `json:"paid" binding:"required"`
}

func (g *Gateway) buyItem(c *gin.Context) {
	collection, tokenID, ok := itemParams(c)
	if !ok {
		return
	}
	var req buyItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	paid, err := decimal.NewFromString(req.Paid)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment amount"})
		return
	}

	buyer := c.MustGet("account").(string)
	if err := g.market.BuyItem(c.Request.Context(), buyer, collection, tokenID, paid); err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"collection": collection,
		"token_id":   tokenID,
		"buyer":      buyer,
	})
}

func (g *Gateway) withdrawProceeds(c *gin.Context) {
	caller := c.MustGet("account").(string)
	if err := g.market.WithdrawProceeds(c.Request.Context(), caller); err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "proceeds withdrawn"})
}

func (g *Gateway) getListing(c *gin.Context) {
	collection, tokenID, ok := itemParams(c)
	if !ok {
		return
	}

	listing := g.market.GetListing(collection, tokenID)
	c.JSON(http.StatusOK, gin.H{
		"collection": collection,
		"token_id":   tokenID,
		"seller":     listing.Seller,
		"price":      listing.Price.String(),
		"active":     listing.Active(),
	})
}

func (g *Gateway) getProceeds(c *gin.Context) {
	account := c.Param("account")
	c.JSON(http.StatusOK, gin.H{
		"account":  account,
		"proceeds": g.market.GetProceeds(account).String(),
	})
}

func itemParams(c *gin.Context) (string, uint64, bool) {
	collection := c.Param("collection")
	tokenID, err := strconv.ParseUint(c.Param("token"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token ID"})
		return "", 0, false
	}
	return collection, tokenID, true
}

func (g *Gateway) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, marketplace.ErrPriceMustBeAboveZero):
		status = http.StatusBadRequest
	case errors.Is(err, marketplace.ErrNotEnoughFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, marketplace.ErrNotOwner),
		errors.Is(err, marketplace.ErrNotApprovedForMarketplace):
		status = http.StatusForbidden
	case errors.Is(err, marketplace.ErrNotListed):
		status = http.StatusNotFound
	case errors.Is(err, marketplace.ErrAlreadyListed),
		errors.Is(err, marketplace.ErrNoProceeds):
		status = http.StatusConflict
	case errors.Is(err, marketplace.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Allow checks if a request is allowed under the sliding window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := requests[:0]
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
