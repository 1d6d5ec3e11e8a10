package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

func newTestRelay(t *testing.T, mutate func(*Config)) (*Server, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SessionTick = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(s.Close)

	mux := http.NewServeMux()
	s.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialPath(t *testing.T, base, path string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(base+path, nil)
	if err != nil {
		t.Fatalf("Dial(%s) failed: %v", path, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// wsMsg is a union of the envelope fields the tests assert on.
type wsMsg struct {
	Type        string                  `json:"type"`
	ClientID    string                  `json:"clientId"`
	Reason      string                  `json:"reason"`
	Received    string                  `json:"received"`
	NewActiveID string                  `json:"newActiveId"`
	UserID      string                  `json:"userId"`
	Position    *int                    `json:"position"`
	BatchSize   int                     `json:"batchSize"`
	PointNumber int64                   `json:"pointNumber"`
	Data        json.RawMessage         `json:"data"`
	Stats       *protocol.StatsSnapshot `json:"stats"`
	Orientation *protocol.Orientation   `json:"orientation"`
}

func readMsg(t *testing.T, c *websocket.Conn) wsMsg {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	var m wsMsg
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", b, err)
	}
	return m
}

// awaitType skips interleaved control traffic until the wanted type arrives.
func awaitType(t *testing.T, c *websocket.Conn, want string) wsMsg {
	t.Helper()
	for i := 0; i < 32; i++ {
		m := readMsg(t, c)
		if m.Type == want {
			return m
		}
	}
	t.Fatalf("did not receive %q within 32 messages", want)
	return wsMsg{}
}

func awaitClose(t *testing.T, c *websocket.Conn, code int, text string) {
	t.Helper()
	for i := 0; i < 32; i++ {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected CloseError, got %T: %v", err, err)
		}
		if ce.Code != code || ce.Text != text {
			t.Fatalf("expected close %d %q, got %d %q", code, text, ce.Code, ce.Text)
		}
		return
	}
	t.Fatalf("connection did not close")
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
}

func dataFrame(id string, withOrientation, withGPS bool) map[string]any {
	f := map[string]any{
		"type":      protocol.TypeData,
		"id":        id,
		"timestamp": protocol.Timestamp(time.Now()),
	}
	if withOrientation {
		f["orientation"] = map[string]any{"alpha": 90.0, "beta": 10.0, "gamma": -10.0}
	}
	if withGPS {
		f["gps"] = map[string]any{"lat": 47.6, "lon": -122.3, "accuracy": 5.0}
	}
	return f
}

func TestFirstSenderIsPromotedAndWelcomed(t *testing.T) {
	_, base := newTestRelay(t, nil)
	c := dialPath(t, base, protocol.PathSender)

	if m := readMsg(t, c); m.Type != protocol.TypePromoted {
		t.Fatalf("expected promoted greeting, got %q", m.Type)
	}

	sendJSON(t, c, map[string]any{"type": protocol.TypeHandshake, "username": "ada", "deviceId": "pixel"})
	w := awaitType(t, c, protocol.TypeWelcome)
	if w.ClientID == "" {
		t.Fatalf("expected welcome to carry a client id")
	}

	sendJSON(t, c, dataFrame("f1", true, true))
	ack := awaitType(t, c, protocol.TypeAck)
	if ack.Received != "f1" {
		t.Fatalf("expected ack to echo frame id, got %q", ack.Received)
	}
}

func TestSecondSenderObservesAndIsPromotedOnLeave(t *testing.T) {
	_, base := newTestRelay(t, nil)

	s1 := dialPath(t, base, protocol.PathSender)
	awaitType(t, s1, protocol.TypePromoted)

	s2 := dialPath(t, base, protocol.PathSender)
	obs := awaitType(t, s2, protocol.TypeObserverMode)
	if obs.Position == nil || *obs.Position != 0 {
		t.Fatalf("expected observer position 0, got %v", obs.Position)
	}

	_ = s1.Close()
	awaitType(t, s2, protocol.TypePromoted)
}

func TestObserverDataIsRejectedNotActive(t *testing.T) {
	_, base := newTestRelay(t, nil)

	s1 := dialPath(t, base, protocol.PathSender)
	awaitType(t, s1, protocol.TypePromoted)

	s2 := dialPath(t, base, protocol.PathSender)
	awaitType(t, s2, protocol.TypeObserverMode)

	sendJSON(t, s2, dataFrame("f1", false, true))
	rej := awaitType(t, s2, protocol.TypeRejected)
	if rej.Reason != protocol.ReasonNotActive {
		t.Fatalf("expected not_active, got %q", rej.Reason)
	}
}

func TestCapacityEvictsOldestSender(t *testing.T) {
	_, base := newTestRelay(t, func(cfg *Config) { cfg.MaxSenders = 2 })

	s1 := dialPath(t, base, protocol.PathSender)
	awaitType(t, s1, protocol.TypePromoted)
	s2 := dialPath(t, base, protocol.PathSender)
	awaitType(t, s2, protocol.TypeObserverMode)

	s3 := dialPath(t, base, protocol.PathSender)

	awaitType(t, s1, protocol.TypeEvicted)
	awaitClose(t, s1, websocket.ClosePolicyViolation, "evicted")

	// The evicted sender was active, so the head observer takes over and
	// the newcomer queues behind it.
	awaitType(t, s2, protocol.TypePromoted)
	obs := awaitType(t, s3, protocol.TypeObserverMode)
	if obs.Position == nil || *obs.Position != 0 {
		t.Fatalf("expected newcomer at observer position 0, got %v", obs.Position)
	}
}

func TestDemoteRequeuesActiveSender(t *testing.T) {
	_, base := newTestRelay(t, nil)

	s1 := dialPath(t, base, protocol.PathSender)
	awaitType(t, s1, protocol.TypePromoted)
	s2 := dialPath(t, base, protocol.PathSender)
	awaitType(t, s2, protocol.TypeObserverMode)

	sendJSON(t, s1, map[string]any{"type": protocol.TypeDemote})
	obs := awaitType(t, s1, protocol.TypeObserverMode)
	if obs.Position == nil || *obs.Position != 0 {
		t.Fatalf("expected demoted sender at position 0, got %v", obs.Position)
	}
	awaitType(t, s2, protocol.TypePromoted)
}

func TestSoleSenderDemoteRepromotes(t *testing.T) {
	_, base := newTestRelay(t, nil)

	s1 := dialPath(t, base, protocol.PathSender)
	awaitType(t, s1, protocol.TypePromoted)

	sendJSON(t, s1, map[string]any{"type": protocol.TypeDemote})
	awaitType(t, s1, protocol.TypePromoted)
}

func TestActiveSenderTimesOut(t *testing.T) {
	_, base := newTestRelay(t, func(cfg *Config) {
		cfg.SenderTimeout = 60 * time.Millisecond
	})

	c := dialPath(t, base, protocol.PathSender)
	awaitType(t, c, protocol.TypePromoted)
	awaitClose(t, c, websocket.CloseGoingAway, "sender_timeout")
}

func TestObserverSurvivesActiveTimeout(t *testing.T) {
	_, base := newTestRelay(t, func(cfg *Config) {
		cfg.SenderTimeout = 60 * time.Millisecond
	})

	s1 := dialPath(t, base, protocol.PathSender)
	awaitType(t, s1, protocol.TypePromoted)
	s2 := dialPath(t, base, protocol.PathSender)
	awaitType(t, s2, protocol.TypeObserverMode)

	// The observer inherits the slot once the silent active sender expires.
	awaitType(t, s2, protocol.TypePromoted)
}

func TestUnknownPathClosesWithReason(t *testing.T) {
	_, base := newTestRelay(t, nil)
	c := dialPath(t, base, "/nope")
	awaitClose(t, c, websocket.ClosePolicyViolation, "unknown_path")
}

func TestMalformedFramesStrikeOut(t *testing.T) {
	_, base := newTestRelay(t, func(cfg *Config) {
		cfg.ViolationStrikes = 3
	})

	c := dialPath(t, base, protocol.PathSender)
	awaitType(t, c, protocol.TypePromoted)

	for i := 0; i < 3; i++ {
		if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
			t.Fatalf("WriteMessage() failed: %v", err)
		}
	}
	awaitClose(t, c, websocket.ClosePolicyViolation, "protocol_error")
}

func TestDashboardStatsFlow(t *testing.T) {
	_, base := newTestRelay(t, func(cfg *Config) { cfg.MaxSenders = 7 })

	d := dialPath(t, base, protocol.PathDashboard)
	greeting := awaitType(t, d, protocol.TypeStats)
	if greeting.Stats == nil || greeting.Stats.MaxUsers != 7 {
		t.Fatalf("expected stats greeting with maxUsers=7, got %+v", greeting.Stats)
	}

	s := dialPath(t, base, protocol.PathSender)
	awaitType(t, s, protocol.TypePromoted)

	awaitType(t, d, protocol.TypeUserConnected)

	sendJSON(t, s, dataFrame("f1", false, true))
	awaitType(t, s, protocol.TypeAck)
	dr := awaitType(t, d, protocol.TypeDataReceived)
	if dr.PointNumber != 1 {
		t.Fatalf("expected first accepted point, got %d", dr.PointNumber)
	}

	sendJSON(t, d, map[string]any{"type": protocol.TypeGetStats})
	reply := awaitType(t, d, protocol.TypeStats)
	if reply.Stats == nil || reply.Stats.ActiveUsers != 1 || reply.Stats.TotalDataPoints != 1 {
		t.Fatalf("unexpected stats reply: %+v", reply.Stats)
	}
	if len(reply.Stats.Users) != 1 || reply.Stats.Users[0].DataCount != 1 {
		t.Fatalf("expected one sender with one point, got %+v", reply.Stats.Users)
	}
}

func TestListenerReceivesSensorData(t *testing.T) {
	_, base := newTestRelay(t, nil)

	l := dialPath(t, base, protocol.PathListener)
	awaitType(t, l, protocol.TypeListenerConnected)
	awaitType(t, l, protocol.TypeStats)

	s := dialPath(t, base, protocol.PathSender)
	awaitType(t, s, protocol.TypePromoted)

	sendJSON(t, s, dataFrame("f1", true, true))
	sd := awaitType(t, l, protocol.TypeSensorData)
	if len(sd.Data) == 0 {
		t.Fatalf("expected sensor_data to carry the frame")
	}
	var frame protocol.SensorFrame
	if err := json.Unmarshal(sd.Data, &frame); err != nil {
		t.Fatalf("Unmarshal(frame) failed: %v", err)
	}
	if frame.ID != "f1" || frame.Orientation == nil || frame.GPS == nil {
		t.Fatalf("expected the unsplit frame, got %+v", frame)
	}
}

func TestOrientationFastPath(t *testing.T) {
	_, base := newTestRelay(t, nil)

	o := dialPath(t, base, protocol.PathOrientation)
	awaitType(t, o, protocol.TypeOrientationListenerConnected)

	s := dialPath(t, base, protocol.PathSender)
	awaitType(t, s, protocol.TypePromoted)

	sendJSON(t, s, dataFrame("f1", true, false))
	od := awaitType(t, o, protocol.TypeOrientationData)
	if od.Orientation == nil || od.Orientation.Alpha != 90 {
		t.Fatalf("expected orientation alpha=90, got %+v", od.Orientation)
	}
}

func TestBulkBatchSizeTrigger(t *testing.T) {
	_, base := newTestRelay(t, func(cfg *Config) {
		cfg.BatchInterval = time.Minute
		cfg.MaxBatchSize = 3
	})

	b := dialPath(t, base, protocol.PathBulk)
	awaitType(t, b, protocol.TypeBulkListenerConnected)

	s := dialPath(t, base, protocol.PathSender)
	awaitType(t, s, protocol.TypePromoted)

	for i := 0; i < 3; i++ {
		sendJSON(t, s, dataFrame(fmt.Sprintf("f%d", i), false, true))
		awaitType(t, s, protocol.TypeAck)
	}

	batch := awaitType(t, b, protocol.TypeBulkDataBatch)
	if batch.BatchSize != 3 {
		t.Fatalf("expected batch of 3, got %d", batch.BatchSize)
	}
	var items []protocol.BulkItem
	if err := json.Unmarshal(batch.Data, &items); err != nil {
		t.Fatalf("Unmarshal(items) failed: %v", err)
	}
	for _, it := range items {
		if it.GPS == nil {
			t.Fatalf("expected bulk items to carry gps, got %+v", it)
		}
	}
}

func TestOrientationNeverEntersBulk(t *testing.T) {
	_, base := newTestRelay(t, func(cfg *Config) {
		cfg.BatchInterval = 30 * time.Millisecond
	})

	b := dialPath(t, base, protocol.PathBulk)
	awaitType(t, b, protocol.TypeBulkListenerConnected)

	s := dialPath(t, base, protocol.PathSender)
	awaitType(t, s, protocol.TypePromoted)

	// Orientation-only frames have no bulk remainder.
	sendJSON(t, s, dataFrame("f1", true, false))
	awaitType(t, s, protocol.TypeAck)
	sendJSON(t, s, dataFrame("f2", true, true))
	awaitType(t, s, protocol.TypeAck)

	batch := awaitType(t, b, protocol.TypeBulkDataBatch)
	if batch.BatchSize != 1 {
		t.Fatalf("expected only the gps frame in the batch, got %d", batch.BatchSize)
	}
}

func TestGracefulShutdownFlushesAndAnnounces(t *testing.T) {
	s, base := newTestRelay(t, func(cfg *Config) {
		cfg.BatchInterval = time.Minute
		cfg.MaxBatchSize = 10
	})

	b := dialPath(t, base, protocol.PathBulk)
	awaitType(t, b, protocol.TypeBulkListenerConnected)

	sender := dialPath(t, base, protocol.PathSender)
	awaitType(t, sender, protocol.TypePromoted)

	for i := 0; i < 5; i++ {
		sendJSON(t, sender, dataFrame(fmt.Sprintf("f%d", i), false, true))
		awaitType(t, sender, protocol.TypeAck)
	}

	go s.Close()

	batch := awaitType(t, b, protocol.TypeBulkDataBatch)
	if batch.BatchSize != 5 {
		t.Fatalf("expected final flush of 5 queued items, got %d", batch.BatchSize)
	}
	awaitType(t, b, protocol.TypeServerShutdown)
	awaitClose(t, b, websocket.CloseGoingAway, "server_shutdown")
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	s, base := newTestRelay(t, nil)
	s.Close()

	_, resp, err := websocket.DefaultDialer.Dial(base+protocol.PathSender, nil)
	if err == nil {
		t.Fatalf("expected dial to fail during shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestOriginAllowList(t *testing.T) {
	_, base := newTestRelay(t, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
		cfg.AllowNoOrigin = false
	})

	h := http.Header{}
	h.Set("Origin", "https://evil.example.net")
	if _, _, err := websocket.DefaultDialer.Dial(base+protocol.PathSender, h); err == nil {
		t.Fatalf("expected forbidden origin to be rejected")
	}

	h.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(base+protocol.PathSender, h)
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	defer c.Close()

	if _, _, err := websocket.DefaultDialer.Dial(base+protocol.PathSender, nil); err == nil {
		t.Fatalf("expected missing origin to be rejected")
	}
}

func TestHealthz(t *testing.T) {
	_, base := newTestRelay(t, nil)
	url := "http" + strings.TrimPrefix(base, "ws") + "/healthz"
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Get(healthz) failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
