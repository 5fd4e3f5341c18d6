package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"trade-lifecycle-engine/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("correct-horse", bcrypt.MinCost)
	require.NoError(t, err)
	return NewService(config.AuthConfig{
		Enabled:             true,
		JWTSecret:           testSecret,
		OperatorUser:        "operator",
		OperatorPassword:    hash,
		AccessTokenDuration: time.Minute,
	}, zerolog.Nop())
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct-horse", bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, VerifyPassword("correct-horse", hash))
	assert.False(t, VerifyPassword("wrong-horse", hash))

	_, err = HashPassword("short", bcrypt.MinCost)
	assert.Error(t, err)
	_, err = HashPassword(strings.Repeat("x", MaxPasswordLength+1), bcrypt.MinCost)
	assert.Error(t, err)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := NewJWTManager(testSecret, time.Minute)
	token, err := m.GenerateAccessToken(OperatorClaims{Username: "operator", Role: RoleOperator})
	require.NoError(t, err)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, int64(60), m.GetAccessTokenDuration())
}

func TestAccessTokenRejections(t *testing.T) {
	m := NewJWTManager(testSecret, time.Minute)
	token, err := m.GenerateAccessToken(OperatorClaims{Username: "operator", Role: RoleOperator})
	require.NoError(t, err)

	other := NewJWTManager("another-secret-another-secret-xx", time.Minute)
	_, err = other.ValidateAccessToken(token)
	assert.Equal(t, ErrInvalidToken, err)

	_, err = m.ValidateAccessToken(token + "x")
	assert.Equal(t, ErrInvalidToken, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = m.ValidateAccessToken(token)
	assert.Equal(t, ErrTokenExpired, err)
}

func TestServiceLogin(t *testing.T) {
	s := newTestService(t)

	resp, err := s.Login(LoginRequest{Username: "operator", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	claims, err := s.JWT().ValidateAccessToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, claims.Role)

	_, err = s.Login(LoginRequest{Username: "operator", Password: "wrong-horse"})
	assert.Equal(t, ErrInvalidCredentials, err)
	_, err = s.Login(LoginRequest{Username: "admin", Password: "correct-horse"})
	assert.Equal(t, ErrInvalidCredentials, err)

	noHash := NewService(config.AuthConfig{JWTSecret: testSecret, OperatorUser: "operator"}, zerolog.Nop())
	_, err = noHash.Login(LoginRequest{Username: "operator", Password: ""})
	assert.Equal(t, ErrInvalidCredentials, err)
}

func protectedRouter(m *JWTManager) *gin.Engine {
	r := gin.New()
	r.GET("/read", Middleware(m), func(c *gin.Context) {
		c.String(http.StatusOK, GetUsername(c))
	})
	r.POST("/write", Middleware(m), RequireOperator(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestMiddleware(t *testing.T) {
	m := NewJWTManager(testSecret, time.Minute)
	r := protectedRouter(m)
	operator, err := m.GenerateAccessToken(OperatorClaims{Username: "operator", Role: RoleOperator})
	require.NoError(t, err)
	viewer, err := m.GenerateAccessToken(OperatorClaims{Username: "watcher", Role: RoleViewer})
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"missing header", "GET", "/read", "", http.StatusUnauthorized},
		{"wrong scheme", "GET", "/read", "Basic abc", http.StatusUnauthorized},
		{"bad token", "GET", "/read", "Bearer nope", http.StatusUnauthorized},
		{"operator reads", "GET", "/read", "Bearer " + operator, http.StatusOK},
		{"query token", "GET", "/read?access_token=" + operator, "", http.StatusOK},
		{"operator writes", "POST", "/write", "Bearer " + operator, http.StatusNoContent},
		{"viewer cannot write", "POST", "/write", "Bearer " + viewer, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestTokenHandler(t *testing.T) {
	h := NewHandlers(newTestService(t))
	r := gin.New()
	r.POST("/api/auth/token", h.Token)

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/auth/token", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := post(`{"username":"operator","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool          `json:"success"`
		Data    TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Data.AccessToken)
	assert.Equal(t, int64(60), resp.Data.ExpiresIn)

	assert.Equal(t, http.StatusBadRequest, post(`{"username":"operator"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, post(`{"username":"operator","password":"nope-nope"}`).Code)
}
