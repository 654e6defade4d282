package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starmeter-project/starmeter/internal/config"
	"github.com/starmeter-project/starmeter/internal/db"
	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/events"
	"github.com/starmeter-project/starmeter/internal/meter"
	"github.com/starmeter-project/starmeter/internal/pipeline"
	"github.com/starmeter-project/starmeter/internal/protocol"
	"github.com/starmeter-project/starmeter/internal/tables"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	srv   *Server
	deps  Deps
	bus   *events.EventBus
	tally *meter.Tally
	dir   *entity.Directory
	log   *db.CombatLog
}

func newFixture(t *testing.T, withStorage bool) *fixture {
	t.Helper()

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	dec, err := protocol.NewDecompressor(0)
	require.NoError(t, err)
	t.Cleanup(dec.Close)

	dir := entity.NewDirectory()
	tally := meter.NewTally(16)
	sess := pipeline.NewSession(pipeline.Config{}, dir, tables.NewStatic(nil, nil), dec,
		pipeline.NewBusSink(context.Background(), bus))

	cfg := config.DefaultConfig()
	deps := Deps{
		Config:    cfg,
		Bus:       bus,
		Session:   sess,
		Tally:     tally,
		Directory: dir,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("starmeter_flow_bound 0\n"))
		}),
	}

	f := &fixture{bus: bus, tally: tally, dir: dir}
	if withStorage {
		cl, err := db.NewCombatLog(db.MemoryPath)
		require.NoError(t, err)
		t.Cleanup(func() { cl.Close() })
		deps.CombatLog = cl
		f.log = cl
	}

	apiCfg := cfg.GetAPI()
	apiCfg.RateLimitRPS = 0
	f.deps = deps
	f.srv = NewServer(apiCfg, deps)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestPing(t *testing.T) {
	f := newFixture(t, false)
	w, body := f.do(t, http.MethodGet, "/api/public/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, false)
	f.dir.UpsertPlayerName(1, "Alice")

	w, body := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	pipe := body["pipeline"].(map[string]interface{})
	assert.Equal(t, false, pipe["bound"])
	ents := body["entities"].(map[string]interface{})
	assert.Equal(t, float64(1), ents["players"])
	assert.Equal(t, float64(0), ents["monsters"])
	assert.NotContains(t, body, "capture")
}

func TestEntities(t *testing.T) {
	f := newFixture(t, false)
	f.dir.UpsertPlayerName(1, "Alice")
	f.dir.UpsertMonsterName(7<<16|entity.TagMonster, "Slime")

	_, body := f.do(t, http.MethodGet, "/api/entities", nil)
	assert.Len(t, body["players"], 1)
	assert.Len(t, body["monsters"], 1)

	_, body = f.do(t, http.MethodGet, "/api/entities?role=player", nil)
	assert.Len(t, body["players"], 1)
	assert.NotContains(t, body, "monsters")

	w, _ := f.do(t, http.MethodGet, "/api/entities?role=npc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCombatTotalsAndRecent(t *testing.T) {
	f := newFixture(t, false)
	f.tally.Add(events.CombatEvent{Timestamp: t0, Session: "s1", SourceID: 1, Source: "Alice", Amount: 100, IsCrit: true})
	f.tally.Add(events.CombatEvent{Timestamp: t0.Add(2 * time.Second), Session: "s1", SourceID: 1, Source: "Alice", Amount: 300})
	f.tally.Add(events.CombatEvent{Timestamp: t0, Session: "s1", SourceID: 2, Source: "Bob", Amount: 50})

	w, body := f.do(t, http.MethodGet, "/api/combat/totals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s1", body["session"])
	sources := body["sources"].([]interface{})
	require.Len(t, sources, 2)
	top := sources[0].(map[string]interface{})
	assert.Equal(t, "Alice", top["source"])
	assert.Equal(t, float64(400), top["damage"])
	assert.Equal(t, float64(200), top["dps"])
	assert.Equal(t, 0.5, top["crit_rate"])

	_, body = f.do(t, http.MethodGet, "/api/combat/recent?limit=2", nil)
	assert.Equal(t, float64(2), body["count"])

	w, _ = f.do(t, http.MethodPost, "/api/control/clear", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, body = f.do(t, http.MethodGet, "/api/combat/totals", nil)
	assert.Empty(t, body["sources"])
}

func TestSessions(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.log.StartSession(events.DetectionPayload{Session: "s1", Flow: "a -> b", Method: "FrameDown Notify", Time: t0}))
	_, err := f.log.InsertEvents([]events.CombatEvent{{Timestamp: t0, Session: "s1", SourceID: 1, Source: "Alice", Amount: 10}})
	require.NoError(t, err)

	_, body := f.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, float64(1), body["count"])

	_, body = f.do(t, http.MethodGet, "/api/sessions/s1/totals", nil)
	sources := body["sources"].([]interface{})
	require.Len(t, sources, 1)
	assert.Equal(t, float64(10), sources[0].(map[string]interface{})["damage"])

	_, body = f.do(t, http.MethodGet, "/api/sessions/s1/events", nil)
	assert.Equal(t, float64(1), body["count"])
}

func TestSessionsWithoutStorage(t *testing.T) {
	f := newFixture(t, false)
	w, _ := f.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReset(t *testing.T) {
	f := newFixture(t, false)
	w, body := f.do(t, http.MethodPost, "/api/control/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reset", body["status"])
	assert.Equal(t, false, body["was_bound"])
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t, false)

	w, body := f.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "pipeline")

	w, _ = f.do(t, http.MethodPost, "/api/control/config/pipeline/allow_rebind", map[string]interface{}{"value": true})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.deps.Config.GetPipeline().AllowRebind)

	w, _ = f.do(t, http.MethodPost, "/api/control/config/pipeline/nope", map[string]interface{}{"value": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/control/config/pipeline/max_frame_size", map[string]interface{}{"value": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsAndNotFound(t *testing.T) {
	f := newFixture(t, false)

	w, _ := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "starmeter_flow_bound")

	w, body := f.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "endpoint not found", body["error"])
}

func TestRateLimiter(t *testing.T) {
	now := t0
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	assert.True(t, NewRateLimiter(0).Allow("a"))
}

func TestRateLimitMiddleware(t *testing.T) {
	f := newFixture(t, false)
	apiCfg := f.deps.Config.GetAPI()
	apiCfg.RateLimitRPS = 1
	srv := NewServer(apiCfg, Deps{Tally: f.tally})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/combat/totals", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestStream(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.Hub().Run(ctx)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.srv.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.bus.Emit(ctx, events.Event{Type: events.EventCombat, Payload: events.CombatEvent{Timestamp: t0, Source: "Alice", Amount: 42}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string             `json:"type"`
		Payload events.CombatEvent `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, string(events.EventCombat), msg.Type)
	assert.Equal(t, "Alice", msg.Payload.Source)
	assert.Equal(t, int64(42), msg.Payload.Amount)

	cancel()
	assert.Eventually(t, func() bool { return f.srv.Hub().Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubEvictsSlowClient(t *testing.T) {
	h := NewHub()
	slow := &streamClient{remote: "10.0.0.9:5000", send: make(chan []byte)}
	h.mu.Lock()
	h.clients[slow] = struct{}{}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.Publish(events.EventStatus, "hello")

	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), h.Evicted())
	assert.Zero(t, h.Dropped())

	_, open := <-slow.send
	assert.False(t, open, "evicted client's queue is closed")
}
