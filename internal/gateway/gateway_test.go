package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/vestd/internal/grant"
	"github.com/terminal-bench/vestd/internal/roles"
	"github.com/terminal-bench/vestd/internal/settlement"
	"github.com/terminal-bench/vestd/pkg/amount"
)

const testSecret = "test-secret"

func newTestGateway(t *testing.T) (*Gateway, *settlement.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := settlement.NewEngine(settlement.Options{
		Asset:    "vest-token",
		Owner:    "owner",
		Schedule: grant.Schedule{CliffDuration: 1000, VestingDuration: 2000},
	})

	ctx := context.Background()
	require.NoError(t, engine.GrantRole(ctx, "owner", "issuer-1", roles.Issuer))
	require.NoError(t, engine.TopUp(ctx, amount.New(10_000)))

	return NewGateway(Config{JWTSecret: testSecret}, engine, nil), engine
}

func doRequest(t *testing.T, gw *Gateway, method, path, principal string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		token, err := IssueToken(testSecret, principal, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	gw.Router().ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	gw, _ := newTestGateway(t)

	t.Run("should serve health without a token", func(t *testing.T) {
		w := doRequest(t, gw, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("should reject missing tokens", func(t *testing.T) {
		w := doRequest(t, gw, http.MethodGet, "/api/v1/orders", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject tokens signed with another secret", func(t *testing.T) {
		token, err := IssueToken("wrong-secret", "alice", time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		gw.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGrantEndpoints(t *testing.T) {
	t.Run("should issue grants for an issuer", func(t *testing.T) {
		gw, engine := newTestGateway(t)

		w := doRequest(t, gw, http.MethodPost, "/api/v1/grants", "issuer-1", gin.H{
			"issued_at": 1000,
			"grants": []gin.H{
				{"beneficiary": "alice", "amount": "4000"},
			},
		})
		assert.Equal(t, http.StatusCreated, w.Code)

		_, ok := engine.AccountOf("alice")
		assert.True(t, ok)
	})

	t.Run("should refuse grants from anyone else", func(t *testing.T) {
		gw, _ := newTestGateway(t)

		w := doRequest(t, gw, http.MethodPost, "/api/v1/grants", "alice", gin.H{
			"issued_at": 1000,
			"grants": []gin.H{
				{"beneficiary": "alice", "amount": "4000"},
			},
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("should reject grants past the spare balance", func(t *testing.T) {
		gw, _ := newTestGateway(t)

		w := doRequest(t, gw, http.MethodPost, "/api/v1/grants", "issuer-1", gin.H{
			"issued_at": 1000,
			"grants": []gin.H{
				{"beneficiary": "alice", "amount": "999999"},
			},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("should reject malformed amounts", func(t *testing.T) {
		gw, _ := newTestGateway(t)

		w := doRequest(t, gw, http.MethodPost, "/api/v1/grants", "issuer-1", gin.H{
			"issued_at": 1000,
			"grants": []gin.H{
				{"beneficiary": "alice", "amount": "4.5"},
			},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestQueryEndpoints(t *testing.T) {
	gw, engine := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, engine.Issue(ctx, "issuer-1", 1000, []settlement.GrantRequest{
		{Beneficiary: "alice", Amount: amount.New(4_000)},
	}))

	t.Run("should return an account view", func(t *testing.T) {
		w := doRequest(t, gw, http.MethodGet, "/api/v1/accounts/alice", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var view settlement.AccountView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		assert.Equal(t, "alice", view.Beneficiary)
		assert.Len(t, view.Grants, 1)
	})

	t.Run("should 404 unknown accounts", func(t *testing.T) {
		w := doRequest(t, gw, http.MethodGet, "/api/v1/accounts/stranger", "alice", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("should expose the ledger configuration", func(t *testing.T) {
		w := doRequest(t, gw, http.MethodGet, "/api/v1/config", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var cfg struct {
			Asset  string `json:"asset"`
			Paused bool   `json:"paused"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
		assert.Equal(t, "vest-token", cfg.Asset)
		assert.False(t, cfg.Paused)
	})

	t.Run("should report the spare balance", func(t *testing.T) {
		w := doRequest(t, gw, http.MethodGet, "/api/v1/spare-balance", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "6000")
	})
}

func TestClaimEndpoint(t *testing.T) {
	gw, engine := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, engine.Issue(ctx, "issuer-1", 1000, []settlement.GrantRequest{
		{Beneficiary: "alice", Amount: amount.New(4_000)},
	}))

	t.Run("should claim for the token's principal", func(t *testing.T) {
		w := doRequest(t, gw, http.MethodPost, "/api/v1/claim", "alice", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAdminEndpoints(t *testing.T) {
	t.Run("should let the owner manage roles", func(t *testing.T) {
		gw, _ := newTestGateway(t)

		w := doRequest(t, gw, http.MethodPost, "/api/v1/admin/roles", "owner", gin.H{
			"principal": "bob",
			"role":      "executor",
		})
		assert.Equal(t, http.StatusOK, w.Code)

		w = doRequest(t, gw, http.MethodGet, "/api/v1/admin/roles/executor", "owner", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "bob")

		w = doRequest(t, gw, http.MethodDelete, "/api/v1/admin/roles/executor/bob", "owner", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("should refuse role changes from non-owners", func(t *testing.T) {
		gw, _ := newTestGateway(t)

		w := doRequest(t, gw, http.MethodPost, "/api/v1/admin/roles", "alice", gin.H{
			"principal": "bob",
			"role":      "executor",
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("should treat force-unpause as idempotent", func(t *testing.T) {
		gw, _ := newTestGateway(t)

		w := doRequest(t, gw, http.MethodPost, "/api/v1/admin/force-unpause", "owner", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("should refuse force-unpause from non-owners", func(t *testing.T) {
		gw, _ := newTestGateway(t)

		w := doRequest(t, gw, http.MethodPost, "/api/v1/admin/force-unpause", "alice", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
