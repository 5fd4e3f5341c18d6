package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"trade-lifecycle-engine/config"
	"trade-lifecycle-engine/internal/auth"
	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/gateway"
	"trade-lifecycle-engine/internal/lifecycle"
	"trade-lifecycle-engine/internal/metrics"
)

const (
	symbol     = "DOGEUSDT"
	testSecret = "0123456789abcdef0123456789abcdef"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server  *Server
	engine  *lifecycle.Manager
	bus     *events.EventBus
	metrics *metrics.Collector
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newEnv(t *testing.T, authService *auth.Service) *testEnv {
	t.Helper()
	gw := gateway.NewPaperGateway()
	gw.SetRules(gateway.SymbolRules{
		Symbol:      symbol,
		TickSize:    d("0.000001"),
		StepSize:    d("1"),
		MinQuantity: d("1"),
	})
	gw.SetMarkPrice(symbol, d("0.0221"))

	cfg := lifecycle.DefaultConfig()
	cfg.PollInterval = time.Hour

	bus := events.NewEventBus()
	collector := metrics.NewCollector()
	engine := lifecycle.NewManager(cfg, gw, database.NewMemoryStore(), bus, zerolog.Nop())
	t.Cleanup(engine.Shutdown)

	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Engine:  engine,
		Bus:     bus,
		Metrics: collector,
		Auth:    authService,
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(srv.Hub().Close)
	return &testEnv{server: srv, engine: engine, bus: bus, metrics: collector}
}

func planBody(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("../plan/testdata/short_plan.json")
	require.NoError(t, err)
	return data
}

func (e *testEnv) do(method, path string, body []byte, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
	Count   int             `json:"count"`
	Events  []events.TradeEvent
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func decodeTrade(t *testing.T, w *httptest.ResponseRecorder) database.TradeRecord {
	t.Helper()
	var rec database.TradeRecord
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &rec))
	return rec
}

func (e *testEnv) create(t *testing.T, token string) database.TradeRecord {
	t.Helper()
	w := e.do(http.MethodPost, "/api/trades", planBody(t), token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeTrade(t, w)
}

func TestCreateAndQueryTrade(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.create(t, "")
	assert.Equal(t, database.StatusPending, rec.Status)
	assert.Equal(t, symbol, rec.Plan.Symbol)
	assert.NotEmpty(t, rec.ID)

	w := env.do(http.MethodGet, "/api/trades/"+rec.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rec.ID, decodeTrade(t, w).ID)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = env.do(http.MethodGet, "/api/trades?status=pending&symbol=dogeusdt", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode(t, w).Count)

	w = env.do(http.MethodGet, "/api/trades?status=OPEN", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode(t, w).Count)

	w = env.do(http.MethodGet, "/api/trades?status=DONE", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/trades/"+rec.ID+"/events", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	evs := decode(t, w).Events
	require.Len(t, evs, 1)
	assert.Equal(t, events.Created, evs[0].Type)
	assert.Equal(t, int64(1), evs[0].Seq)

	w = env.do(http.MethodGet, "/api/trades/"+rec.ID+"/events?after=1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w).Events)

	w = env.do(http.MethodGet, "/api/trades/"+rec.ID+"/events?after=-3", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRejectsInvalidPlan(t *testing.T) {
	env := newEnv(t, nil)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(planBody(t), &doc))
	doc["tradeSetup"].(map[string]interface{})["stopLoss"] = 0.02
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/api/trades", body, "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	env422 := decode(t, w)
	assert.True(t, env422.Error)
	assert.Equal(t, "stop_loss_side", env422.Kind)

	w = env.do(http.MethodPost, "/api/trades", []byte(`{"tradeSetup":`), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/trades", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/trades", nil, "")
	assert.Equal(t, 0, decode(t, w).Count)
}

func TestValidatePreviewsStops(t *testing.T) {
	env := newEnv(t, nil)

	w := env.do(http.MethodPost, "/api/trades/validate", planBody(t), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var preview PlanPreview
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &preview))
	assert.True(t, preview.Valid)
	assert.True(t, d("0.024699").Equal(preview.InitialStopLoss))
	require.Len(t, preview.CascadeStops, 3)
	// SHORT cascade: each stop sits just below its anchor
	assert.True(t, preview.CascadeStops[0].LessThan(d("0.0222")))
	assert.True(t, preview.CascadeStops[1].LessThan(d("0.0219")))
	// 40% of margin at 20x is a 2% move from the plan average
	assert.True(t, d("0.023154").Equal(preview.MaxLossStop), preview.MaxLossStop.String())

	w = env.do(http.MethodGet, "/api/trades", nil, "")
	assert.Equal(t, 0, decode(t, w).Count)
}

func TestValidateMaxLossFallsBackToEntryPrice(t *testing.T) {
	env := newEnv(t, nil)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(planBody(t), &doc))
	delete(doc["tradeSetup"].(map[string]interface{}), "averagePrice")
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/api/trades/validate", body, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var preview PlanPreview
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &preview))
	assert.True(t, d("0.022644").Equal(preview.MaxLossStop), preview.MaxLossStop.String())
}

func TestCommandsMapErrors(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.create(t, "")
	base := "/api/trades/" + rec.ID

	w := env.do(http.MethodPost, base+"/close", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodPost, base+"/start", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	started := decodeTrade(t, w)
	assert.Equal(t, database.StatusActive, started.Status)
	assert.NotEmpty(t, started.Orders)

	w = env.do(http.MethodPost, base+"/start", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodPost, "/api/trades/missing/start", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/trades/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, base+"/force-close", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		var body struct {
			Data database.TradeRecord `json:"data"`
		}
		w := env.do(http.MethodGet, base, nil, "")
		return json.Unmarshal(w.Body.Bytes(), &body) == nil && body.Data.Status == database.StatusClosed
	}, time.Second, 10*time.Millisecond)

	w = env.do(http.MethodGet, base+"/events", nil, "")
	evs := decode(t, w).Events
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TradeClosed, evs[len(evs)-1].Type)
}

func TestAuthProtectsRoutes(t *testing.T) {
	hash, err := auth.HashPassword("correct-horse", bcrypt.MinCost)
	require.NoError(t, err)
	svc := auth.NewService(config.AuthConfig{
		Enabled:             true,
		JWTSecret:           testSecret,
		OperatorUser:        "operator",
		OperatorPassword:    hash,
		AccessTokenDuration: time.Minute,
	}, zerolog.Nop())
	env := newEnv(t, svc)

	w := env.do(http.MethodGet, "/api/trades", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/auth/token", []byte(`{"username":"operator","password":"correct-horse"}`), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var token auth.TokenResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &token))

	rec := env.create(t, token.AccessToken)

	viewer, err := svc.JWT().GenerateAccessToken(auth.OperatorClaims{Username: "dash", Role: auth.RoleViewer})
	require.NoError(t, err)

	w = env.do(http.MethodGet, "/api/trades/"+rec.ID, nil, viewer)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/trades/"+rec.ID+"/start", nil, viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPost, "/api/trades", planBody(t), viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newEnv(t, nil)
	env.create(t, "")

	w := env.do(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(0), health["running_trades"])

	w = env.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `engine_http_requests_total{code="201",method="POST",route="/api/trades"} 1`)
}

func TestWebsocketStreamsTradeEvents(t *testing.T) {
	env := newEnv(t, nil)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events?trade_id=T1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var welcome map[string]interface{}
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "CONNECTED", welcome["type"])
	assert.Equal(t, "T1", welcome["tradeId"])

	now := time.Now()
	env.bus.Publish(
		events.New("T2", events.Started, now, nil),
		events.New("T1", events.TPHit, now, map[string]interface{}{"level": "TP1"}),
	)

	var ev events.TradeEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "T1", ev.TradeID)
	assert.Equal(t, events.TPHit, ev.Type)
	assert.Equal(t, "TP1", ev.Payload["level"])

	assert.Eventually(t, func() bool { return env.server.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
}
