// Package gateway exposes the settlement engine over HTTP: the read-only
// query surface, the beneficiary claim call, the executor/issuer
// operations, and a websocket stream of ledger events.
package gateway

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/terminal-bench/vestd/internal/pausegate"
	"github.com/terminal-bench/vestd/internal/roles"
	"github.com/terminal-bench/vestd/internal/settlement"
	"github.com/terminal-bench/vestd/internal/transfer"
	"github.com/terminal-bench/vestd/pkg/amount"
	"github.com/terminal-bench/vestd/pkg/messaging"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Config holds gateway configuration.
type Config struct {
	JWTSecret string
}

// Gateway is the HTTP surface of the ledger.
type Gateway struct {
	router    *gin.Engine
	engine    *settlement.Engine
	msgClient *messaging.Client
	jwtSecret string

	wsClients map[uuid.UUID]*wsClient
	wsMu      sync.RWMutex
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Claims are the JWT claims carried by API tokens; the subject is the
// acting principal.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a bearer token for a principal.
func IssueToken(secret, principal string, ttl time.Duration) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// NewGateway creates the gateway. msgClient may be nil; the websocket event
// stream is then unavailable.
func NewGateway(cfg Config, engine *settlement.Engine, msgClient *messaging.Client) *Gateway {
	g := &Gateway{
		router:    gin.Default(),
		engine:    engine,
		msgClient: msgClient,
		jwtSecret: cfg.JWTSecret,
		wsClients: make(map[uuid.UUID]*wsClient),
	}
	g.setupRoutes()
	if msgClient != nil {
		if err := msgClient.Subscribe("vesting.>", g.broadcastEvent); err != nil {
			log.Printf("Failed to subscribe to ledger events: %v", err)
		}
	}
	return g
}

// Router returns the underlying gin engine, for mounting in an http.Server.
func (g *Gateway) Router() http.Handler {
	return g.router
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	v1 := g.router.Group("/api/v1")
	v1.Use(g.authMiddleware())
	{
		v1.GET("/accounts/:beneficiary", g.getAccount)
		v1.GET("/orders", g.getOrders)
		v1.GET("/spare-balance", g.getSpareBalance)
		v1.GET("/pending-transfers", g.getPendingTransfers)
		v1.GET("/config", g.getConfig)

		v1.POST("/claim", g.claim)
		v1.POST("/grants", g.issue)
		v1.POST("/buy", g.buy)
		v1.POST("/authorize", g.authorize)
		v1.POST("/terminate", g.terminate)

		v1.POST("/admin/force-unpause", g.forceUnpause)
		v1.POST("/admin/roles", g.grantRole)
		v1.DELETE("/admin/roles/:role/:principal", g.revokeRole)
		v1.GET("/admin/roles/:role", g.roleMembers)

		v1.GET("/ws", g.handleWebSocket)
	}
}

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if len(header) < 8 || header[:7] != "Bearer " {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		principal, err := g.validateToken(header[7:])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("principal", principal)
		c.Next()
	}
}

func (g *Gateway) validateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(g.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Handlers

func (g *Gateway) getAccount(c *gin.Context) {
	view, ok := g.engine.AccountOf(c.Param("beneficiary"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (g *Gateway) getOrders(c *gin.Context) {
	orders := g.engine.Orders()
	if orders == nil {
		orders = []settlement.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (g *Gateway) getSpareBalance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"spare_balance": g.engine.SpareBalance()})
}

func (g *Gateway) getPendingTransfers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending_transfers": g.engine.PendingTransfers()})
}

func (g *Gateway) getConfig(c *gin.Context) {
	paused, err := g.engine.Paused(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":    g.engine.Asset(),
		"schedule": g.engine.Schedule(),
		"paused":   paused,
	})
}

func (g *Gateway) claim(c *gin.Context) {
	principal := c.MustGet("principal").(string)
	if err := g.engine.Claim(c.Request.Context(), principal); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "claim processed"})
}

type issueRequest struct {
	IssuedAt int64 `json:"issued_at" binding:"required"`
	Grants   []struct {
		Beneficiary string `json:"beneficiary" binding:"required"`
		Amount      string `json:"amount" binding:"required"`
	} `json:"grants" binding:"required"`
}

func (g *Gateway) issue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	grants := make([]settlement.GrantRequest, 0, len(req.Grants))
	for _, gr := range req.Grants {
		amt, err := amount.Parse(gr.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		grants = append(grants, settlement.GrantRequest{Beneficiary: gr.Beneficiary, Amount: amt})
	}

	principal := c.MustGet("principal").(string)
	if err := g.engine.Issue(c.Request.Context(), principal, req.IssuedAt, grants); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "grants issued"})
}

type settleRequest struct {
	Beneficiaries []string `json:"beneficiaries" binding:"required"`
	PercentageBP  *uint32  `json:"percentage_bp"`
}

func (g *Gateway) buy(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	bp := uint32(10_000)
	if req.PercentageBP != nil {
		bp = *req.PercentageBP
	}

	principal := c.MustGet("principal").(string)
	if err := g.engine.Buy(c.Request.Context(), principal, req.Beneficiaries, bp); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "buyback processed"})
}

func (g *Gateway) authorize(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	principal := c.MustGet("principal").(string)
	if err := g.engine.Authorize(c.Request.Context(), principal, req.Beneficiaries, req.PercentageBP); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "transfer batch submitted"})
}

type terminateRequest struct {
	Beneficiary string `json:"beneficiary" binding:"required"`
	Timestamp   int64  `json:"timestamp" binding:"required"`
}

func (g *Gateway) terminate(c *gin.Context) {
	var req terminateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	principal := c.MustGet("principal").(string)
	if err := g.engine.Terminate(c.Request.Context(), principal, req.Beneficiary, req.Timestamp); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account terminated"})
}

func (g *Gateway) forceUnpause(c *gin.Context) {
	principal := c.MustGet("principal").(string)
	if err := g.engine.ForceUnpause(c.Request.Context(), principal); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ledger unpaused"})
}

type roleRequest struct {
	Principal string `json:"principal" binding:"required"`
	Role      string `json:"role" binding:"required"`
}

func (g *Gateway) grantRole(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	principal := c.MustGet("principal").(string)
	if err := g.engine.GrantRole(c.Request.Context(), principal, req.Principal, roles.Role(req.Role)); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "role granted"})
}

func (g *Gateway) revokeRole(c *gin.Context) {
	principal := c.MustGet("principal").(string)
	err := g.engine.RevokeRole(c.Request.Context(), principal, c.Param("principal"), roles.Role(c.Param("role")))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "role revoked"})
}

func (g *Gateway) roleMembers(c *gin.Context) {
	members, err := g.engine.RoleMembers(c.Request.Context(), roles.Role(c.Param("role")))
	if err != nil {
		abortWith(c, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func abortWith(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, pausegate.ErrPaused), errors.Is(err, pausegate.ErrNotPaused),
		errors.Is(err, settlement.ErrDuplicateGrant):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrInsufficientSpare),
		errors.Is(err, settlement.ErrAmountMismatch),
		errors.Is(err, transfer.ErrBudgetExceeded):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WebSocket event stream

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	if g.msgClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}

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

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
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

func (g *Gateway) broadcastEvent(msg *nats.Msg) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.send <- msg.Data:
		default:
			// slow consumer, drop the event
		}
	}
}
