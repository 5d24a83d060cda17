package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peersync/internal/doc"
	"github.com/mossy-p/peersync/internal/handlers"
	"github.com/mossy-p/peersync/internal/models"
	"github.com/mossy-p/peersync/internal/store"
)

// newStoreServer runs the signal store on a loopback address, which makes
// the relay the selected transport tier for controllers pointed at it.
func newStoreServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := handlers.Router(store.NewMemStore(), handlers.NewRelayHub(), "test-secret", nil)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

type eventRecorder struct {
	mu      sync.Mutex
	actions []models.GameAction
	players [][]doc.Player
	counts  []int
	state   []byte
}

func (r *eventRecorder) events() Events {
	return Events{
		OnAction: func(a models.GameAction) {
			r.mu.Lock()
			r.actions = append(r.actions, a)
			r.mu.Unlock()
		},
		OnPlayersChange: func(players []doc.Player) {
			r.mu.Lock()
			r.players = append(r.players, players)
			r.mu.Unlock()
		},
		OnConnectionChange: func(peers int) {
			r.mu.Lock()
			r.counts = append(r.counts, peers)
			r.mu.Unlock()
		},
		OnStateReceived: func(state []byte) {
			r.mu.Lock()
			r.state = append([]byte(nil), state...)
			r.mu.Unlock()
		},
	}
}

func (r *eventRecorder) lastCount() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.counts) == 0 {
		return 0, false
	}
	return r.counts[len(r.counts)-1], true
}

func (r *eventRecorder) actionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

func (r *eventRecorder) lastAction() (models.GameAction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.actions) == 0 {
		return models.GameAction{}, false
	}
	return r.actions[len(r.actions)-1], true
}

func (r *eventRecorder) receivedState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRelaySession(t *testing.T) {
	server := newStoreServer(t)
	ctx := context.Background()

	hostRec := &eventRecorder{}
	host := New(Options{
		BaseURL:    server.URL,
		IsHost:     true,
		CityName:   "Milton Creek",
		PlayerName: "host-player",
		Color:      "#ff0000",
		PeerID:     "host-1",
	}, hostRec.events())
	t.Cleanup(host.Destroy)

	if err := host.Connect(ctx); err != nil {
		t.Fatalf("host Connect: %v", err)
	}
	if host.RoomCode() == "" {
		t.Fatal("host has no room code after Connect")
	}
	if !host.AmIHost() {
		t.Fatal("host does not consider itself host")
	}
	host.UpdateGameState([]byte(`{"money":1000,"buildings":[]}`))

	guestRec := &eventRecorder{}
	guest := New(Options{
		BaseURL:    server.URL,
		RoomCode:   host.RoomCode(),
		PlayerName: "guest-player",
		Color:      "#00ff00",
		PeerID:     "guest-1",
	}, guestRec.events())
	t.Cleanup(guest.Destroy)

	if err := guest.Connect(ctx); err != nil {
		t.Fatalf("guest Connect: %v", err)
	}

	// Presence converges over the relay: each side sees both players.
	waitUntil(t, 5*time.Second, "host and guest presence convergence", func() bool {
		return len(host.Players()) == 2 && len(guest.Players()) == 2
	})

	// The host's snapshot greeting carries the session metadata.
	waitUntil(t, 5*time.Second, "guest metadata sync", func() bool {
		_, ok := guest.Meta(MetaCityName)
		return ok
	})
	if city, _ := guest.Meta(MetaCityName); city != "Milton Creek" {
		t.Fatalf("guest city name = %q, want Milton Creek", city)
	}
	if guest.Host() != "host-1" {
		t.Fatalf("guest host = %q, want host-1", guest.Host())
	}
	if guest.AmIHost() {
		t.Fatal("guest considers itself host")
	}

	// The initial game state arrives exactly once, decompressed.
	waitUntil(t, 5*time.Second, "guest state snapshot", func() bool {
		return guestRec.receivedState() != nil
	})
	if got := guestRec.receivedState(); !bytes.Equal(got, []byte(`{"money":1000,"buildings":[]}`)) {
		t.Fatalf("guest state = %s", got)
	}

	// A host action reaches the guest exactly once.
	host.DispatchAction(models.GameAction{
		Type:    models.ActionSetSpeed,
		Payload: json.RawMessage(`{"speed":3}`),
	})
	waitUntil(t, 5*time.Second, "guest receiving host action", func() bool {
		return guestRec.actionCount() >= 1
	})
	if a, _ := guestRec.lastAction(); a.Type != models.ActionSetSpeed || a.PeerID != "host-1" {
		t.Fatalf("guest received %+v, want setSpeed from host-1", a)
	}

	// And a guest action reaches the host.
	guest.DispatchAction(models.GameAction{
		Type:    models.ActionBulldoze,
		Payload: json.RawMessage(`{"x":2,"y":3}`),
	})
	waitUntil(t, 5*time.Second, "host receiving guest action", func() bool {
		return hostRec.actionCount() >= 1
	})
	if a, _ := hostRec.lastAction(); a.Type != models.ActionBulldoze || a.PeerID != "guest-1" {
		t.Fatalf("host received %+v, want bulldoze from guest-1", a)
	}

	// Neither side ever hears its own actions back.
	time.Sleep(300 * time.Millisecond)
	if got := guestRec.actionCount(); got != 1 {
		t.Fatalf("guest received %d actions, want 1", got)
	}
	if got := hostRec.actionCount(); got != 1 {
		t.Fatalf("host received %d actions, want 1", got)
	}

	if len(guest.AllOperations()) != 2 {
		t.Fatalf("guest log has %d operations, want 2", len(guest.AllOperations()))
	}
}

func TestDirectNegotiation(t *testing.T) {
	server := newStoreServer(t)
	ctx := context.Background()

	hostRec := &eventRecorder{}
	host := New(Options{
		BaseURL:    server.URL,
		IsHost:     true,
		CityName:   "Milton Creek",
		PlayerName: "host-player",
		PeerID:     "host-1",
	}, hostRec.events())
	t.Cleanup(host.Destroy)
	if err := host.Connect(ctx); err != nil {
		t.Fatalf("host Connect: %v", err)
	}

	guestRec := &eventRecorder{}
	guest := New(Options{
		BaseURL:    server.URL,
		RoomCode:   host.RoomCode(),
		PlayerName: "guest-player",
		PeerID:     "guest-1",
	}, guestRec.events())
	t.Cleanup(guest.Destroy)
	if err := guest.Connect(ctx); err != nil {
		t.Fatalf("guest Connect: %v", err)
	}

	// Hand the host the guest's announce the way a poll would, then pump
	// both clients' signal queues until the data channels connect.
	annPayload, err := json.Marshal(models.AnnouncePayload{
		Type:       models.AnnounceSentinel,
		PeerID:     "guest-1",
		PlayerName: "guest-player",
	})
	if err != nil {
		t.Fatalf("encoding announce: %v", err)
	}
	host.routeSignal(models.SignalMessage{
		Type:    models.SignalTypeOffer,
		From:    "guest-1",
		Payload: annPayload,
	})

	deadline := time.Now().Add(20 * time.Second)
	for host.mgr.ConnectedCount() != 1 || guest.mgr.ConnectedCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("peers never connected: host=%d guest=%d",
				host.mgr.ConnectedCount(), guest.mgr.ConnectedCount())
		}
		for _, c := range []*Controller{host, guest} {
			msgs, err := c.sig.Poll(ctx)
			if err != nil {
				t.Fatalf("polling signals: %v", err)
			}
			for _, msg := range msgs {
				c.routeSignal(msg)
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Each side reports the connected-peer count going to 1.
	waitUntil(t, 5*time.Second, "connection count callbacks", func() bool {
		h, okH := hostRec.lastCount()
		g, okG := guestRec.lastCount()
		return okH && h == 1 && okG && g == 1
	})

	// With a channel and the relay both live, an action still arrives
	// exactly once.
	host.DispatchAction(models.GameAction{
		Type:    models.ActionSetSpeed,
		Payload: json.RawMessage(`{"speed":2}`),
	})
	waitUntil(t, 5*time.Second, "guest receiving host action", func() bool {
		return guestRec.actionCount() >= 1
	})
	time.Sleep(300 * time.Millisecond)
	if got := guestRec.actionCount(); got != 1 {
		t.Fatalf("guest received the action %d times, want exactly once", got)
	}
}

func TestFirstConnectionStopsPolling(t *testing.T) {
	server := newStoreServer(t)
	ctx := context.Background()

	c := New(Options{
		BaseURL:    server.URL,
		IsHost:     true,
		CityName:   "Milton Creek",
		PlayerName: "host-player",
		PeerID:     "host-1",
	}, Events{})
	t.Cleanup(c.Destroy)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// On the signaling tier the poll loop runs until a channel exists.
	c.startPolling()
	c.mu.Lock()
	polling := c.pollCancel != nil
	c.mu.Unlock()
	if !polling {
		t.Fatal("poll loop not running before any connection")
	}

	c.handleConnected("p2")

	c.mu.Lock()
	stopped := c.pollCancel == nil
	c.mu.Unlock()
	if !stopped {
		t.Fatal("first connected peer did not stop signal polling")
	}

	// Later connections find polling already stopped and leave it so.
	c.handleConnected("p3")
	c.mu.Lock()
	stopped = c.pollCancel == nil
	c.mu.Unlock()
	if !stopped {
		t.Fatal("polling restarted by a later connection")
	}
}

func TestDestroyIdempotent(t *testing.T) {
	server := newStoreServer(t)
	ctx := context.Background()

	c := New(Options{
		BaseURL:    server.URL,
		IsHost:     true,
		CityName:   "Milton Creek",
		PlayerName: "host-player",
		PeerID:     "host-1",
	}, Events{})
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Destroy()
	c.Destroy()

	// Every post-destroy operation is a no-op.
	c.DispatchAction(models.GameAction{Type: models.ActionSetSpeed})
	c.UpdateAwareness(AwarenessUpdate{})
	c.SetMeta("k", "v")
	c.UpdateGameState([]byte("x"))
	if _, ok := c.Meta("k"); ok {
		t.Fatal("SetMeta succeeded after Destroy")
	}
	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded after Destroy")
	}
	if len(c.AllOperations()) != 0 {
		t.Fatal("post-destroy dispatch reached the log")
	}
}

func TestDestroyFlushesPending(t *testing.T) {
	server := newStoreServer(t)
	ctx := context.Background()

	c := New(Options{
		BaseURL:    server.URL,
		IsHost:     true,
		CityName:   "Milton Creek",
		PlayerName: "host-player",
		PeerID:     "host-1",
	}, Events{})
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		c.DispatchAction(models.GameAction{
			Type:    models.ActionPlace,
			Payload: json.RawMessage(`{"x":1}`),
		})
	}
	c.Destroy()

	// Buffered placements were committed to the log as one batch before
	// the transports closed.
	ops := c.AllOperations()
	if len(ops) != 1 || ops[0].Type != models.ActionPlaceBatch {
		t.Fatalf("post-destroy log = %+v, want one placeBatch", ops)
	}
}

func TestIsLoopbackURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"http://localhost:3001", true},
		{"http://127.0.0.1:3001", true},
		{"http://[::1]:3001", true},
		{"https://signals.example.com", false},
		{"http://192.168.1.10:3001", false},
	}
	for _, tc := range cases {
		if got := isLoopbackURL(tc.url); got != tc.want {
			t.Errorf("isLoopbackURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}
