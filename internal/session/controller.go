// Package session composes signaling, peer connections, the replicated
// document, and the fallback transport behind one controller facade owned
// by the embedding game.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/peersync/internal/doc"
	"github.com/mossy-p/peersync/internal/models"
	"github.com/mossy-p/peersync/internal/peer"
	"github.com/mossy-p/peersync/internal/signaling"
)

// Durable metadata keys seeded by the host.
const (
	MetaHostID    = "hostId"
	MetaCreatedAt = "createdAt"
	MetaCityName  = "cityName"
	MetaRoomCode  = "roomCode"
)

const (
	defaultPollInterval = 1500 * time.Millisecond
	// roomCheckAttempts is how many times the host re-reads its own room
	// before polling, absorbing store propagation latency.
	roomCheckAttempts = 5
	// fallbackStateDelay lets the host finish arming before a guest asks
	// for the full state over the fallback channel.
	fallbackStateDelay = 500 * time.Millisecond
)

// Events is the narrow sink the embedding simulation consumes, fixed at
// construction.
type Events struct {
	// OnAction delivers each remote action exactly once.
	OnAction func(models.GameAction)
	// OnPlayersChange delivers the full player list after presence changes.
	OnPlayersChange func([]doc.Player)
	// OnConnectionChange reports the connected peer count.
	OnConnectionChange func(peers int)
	// OnStateReceived delivers the host's initial game-state snapshot.
	// Over the relay tier replies are broadcast, so this can also fire
	// for a snapshot another peer requested.
	OnStateReceived func(state []byte)
}

// Options configures a session controller.
type Options struct {
	// BaseURL locates the signal store service.
	BaseURL string
	// RoomCode joins an existing room; leave empty with IsHost set.
	RoomCode string
	IsHost   bool

	CityName   string
	PlayerName string
	Color      string

	// PeerID overrides the generated peer identity. Test use mostly.
	PeerID string

	PollInterval time.Duration
	ICEServers   []webrtc.ICEServer

	// EnableRelayFallback makes the websocket relay an escalation target
	// off loopback hosts too. On loopback the fallback is always the
	// selected tier.
	EnableRelayFallback bool

	Logger *slog.Logger
}

// stateRequestPayload identifies the requesting peer, needed because the
// fallback relay carries no per-sender addressing.
type stateRequestPayload struct {
	PeerID string `json:"peerId"`
}

// Controller is the public facade of the sync core. One instance per
// session, owned and lifecycle-managed by the embedding application,
// never an ambient global.
type Controller struct {
	opts   Options
	events Events
	logger *slog.Logger
	peerID string

	d       *doc.Document
	batcher *Batcher
	sig     *signaling.Client
	mgr     *peer.Manager

	// ctx outlives Connect's argument; Destroy cancels it, and every
	// async continuation consults destroyed before touching state.
	ctx       context.Context
	ctxCancel context.CancelFunc

	mu            sync.Mutex
	destroyed     bool
	connected     bool
	roomCode      string
	hostID        string
	self          doc.Player
	pollCancel    context.CancelFunc
	fb            *fallbackTransport
	fallbackArmed bool
	gameState     []byte
	stateServed   map[string]struct{}
}

// New creates a controller. Connect must be called before any dispatch.
func New(opts Options, events Events) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	peerID := opts.PeerID
	if peerID == "" {
		peerID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:        opts,
		events:      events,
		logger:      opts.Logger.With("peer", peerID),
		peerID:      peerID,
		d:           doc.New(peerID),
		ctx:         ctx,
		ctxCancel:   cancel,
		stateServed: make(map[string]struct{}),
	}

	c.d.Subscribe(func(action models.GameAction) {
		if c.isDestroyed() {
			return
		}
		if events.OnAction != nil {
			events.OnAction(action)
		}
	})
	c.d.OnPresenceChange(func(players []doc.Player) {
		if c.isDestroyed() {
			return
		}
		if events.OnPlayersChange != nil {
			events.OnPlayersChange(players)
		}
	})
	c.batcher = NewBatcher(c.commit)
	return c
}

// PeerID returns this session's peer identity.
func (c *Controller) PeerID() string { return c.peerID }

// RoomCode returns the joined room code (empty before Connect).
func (c *Controller) RoomCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode
}

// Connect establishes the session: hosts create the room and seed its
// metadata, guests announce themselves. The transport tier is selected
// here: loopback store hosts go straight to the fallback relay.
func (c *Controller) Connect(ctx context.Context) error {
	if c.isDestroyed() {
		return fmt.Errorf("session destroyed")
	}

	var room models.Room
	var err error
	if c.opts.IsHost {
		room, err = signaling.CreateRoom(ctx, c.opts.BaseURL, c.opts.CityName, c.peerID)
		if err != nil {
			return fmt.Errorf("creating room: %w", err)
		}
	} else {
		room, err = signaling.FetchRoom(ctx, c.opts.BaseURL, c.opts.RoomCode)
		if err != nil {
			return fmt.Errorf("joining room %s: %w", c.opts.RoomCode, err)
		}
	}

	c.mu.Lock()
	c.roomCode = room.Code
	c.hostID = room.HostID
	c.self = doc.Player{
		PeerID:   c.peerID,
		Name:     c.opts.PlayerName,
		Color:    c.opts.Color,
		JoinedAt: time.Now().UnixMilli(),
		IsHost:   c.opts.IsHost,
	}
	self := c.self
	c.mu.Unlock()

	if c.opts.IsHost {
		c.d.SetMeta(MetaHostID, c.peerID)
		c.d.SetMeta(MetaCreatedAt, room.CreatedAt.UTC().Format(time.RFC3339))
		c.d.SetMeta(MetaCityName, room.CityName)
		c.d.SetMeta(MetaRoomCode, room.Code)
	}
	c.d.SetPresence(self)

	c.sig = signaling.NewClient(c.opts.BaseURL, room.Code, c.peerID, c.logger)
	c.mgr = peer.NewManager(c.peerID, c.sendSignal, peer.Callbacks{
		OnChannelOpen: c.handleChannelOpen,
		OnMessage:     c.handleEnvelope,
		OnConnected:   c.handleConnected,
		OnFailure:     c.handleFailure,
	}, c.opts.ICEServers, c.logger)

	// Loopback hosts cannot reach each other over direct candidates
	// (mDNS between same-machine tabs resolves nowhere), so the relay is
	// the only tier worth trying.
	if isLoopbackURL(c.opts.BaseURL) {
		return c.armFallback()
	}

	if c.opts.IsHost {
		if err := c.sig.EnsureRoom(ctx, roomCheckAttempts); err != nil {
			c.logger.Warn("room existence check failed, polling anyway", "error", err)
		}
	} else {
		if err := c.sig.Announce(ctx, c.opts.PlayerName); err != nil {
			return fmt.Errorf("announcing to room %s: %w", room.Code, err)
		}
	}

	c.startPolling()
	c.logger.Info("session connected", "room", room.Code, "host", c.opts.IsHost)
	return nil
}

// DispatchAction routes one locally-originated game action through the
// batcher into the replicated log and out to every open channel.
func (c *Controller) DispatchAction(action models.GameAction) {
	if c.isDestroyed() {
		return
	}
	action.PeerID = c.peerID
	if action.Timestamp == 0 {
		action.Timestamp = time.Now().UnixMilli()
	}
	c.batcher.Dispatch(action)
}

// AwarenessUpdate carries the fields of a presence update; nil fields are
// left unchanged.
type AwarenessUpdate struct {
	Name  *string
	Color *string
}

// UpdateAwareness overwrites this replica's presence entry and broadcasts
// it.
func (c *Controller) UpdateAwareness(update AwarenessUpdate) {
	if c.isDestroyed() {
		return
	}

	c.mu.Lock()
	if update.Name != nil {
		c.self.Name = *update.Name
	}
	if update.Color != nil {
		c.self.Color = *update.Color
	}
	self := c.self
	c.mu.Unlock()

	c.d.SetPresence(self)
	if frame, err := models.MarshalEnvelope(models.EnvelopeAwareness, self); err == nil {
		c.broadcastFrame(frame)
	}
}

// Players returns the current presence list ordered by join time.
func (c *Controller) Players() []doc.Player {
	return c.d.Players()
}

// Host returns the hosting peer's id.
func (c *Controller) Host() string {
	if hostID, ok := c.d.Meta(MetaHostID); ok {
		return hostID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostID
}

// AmIHost reports whether this replica hosts the session.
func (c *Controller) AmIHost() bool {
	return c.Host() == c.peerID
}

// OperationsSince returns the actions appended at or after the given log
// index on this replica.
func (c *Controller) OperationsSince(index int) []models.GameAction {
	entries := c.d.EntriesSince(index)
	actions := make([]models.GameAction, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

// AllOperations returns this replica's full action log.
func (c *Controller) AllOperations() []models.GameAction {
	return c.OperationsSince(0)
}

// Meta reads one durable metadata key.
func (c *Controller) Meta(key string) (string, bool) {
	return c.d.Meta(key)
}

// SetMeta writes one durable metadata key.
func (c *Controller) SetMeta(key, value string) {
	if c.isDestroyed() {
		return
	}
	c.d.SetMeta(key, value)
}

// UpdateGameState refreshes the in-memory snapshot offered to future
// joiners. The snapshot never enters the replicated log; it is handed
// directly to each new peer exactly once.
func (c *Controller) UpdateGameState(state []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.gameState = append([]byte(nil), state...)
}

// Destroy tears the session down: flushes the batcher, stops polling,
// closes every connection and the fallback channel. Idempotent; all
// later operations are no-ops.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	// Flush remaining placements while the transports are still open.
	c.batcher.Destroy()

	c.mu.Lock()
	pollCancel := c.pollCancel
	c.pollCancel = nil
	fb := c.fb
	c.fb = nil
	c.mu.Unlock()

	if pollCancel != nil {
		pollCancel()
	}
	c.ctxCancel()
	if c.mgr != nil {
		c.mgr.CloseAll()
	}
	if fb != nil {
		fb.Close()
	}
	c.logger.Info("session destroyed")
}

// ---- internal plumbing ----

func (c *Controller) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// commit is the batcher's flush target: append locally, broadcast the new
// entry to every open channel.
func (c *Controller) commit(action models.GameAction) {
	entry := c.d.Append(action)
	frame, err := models.MarshalEnvelope(models.EnvelopeUpdate, []doc.Entry{entry})
	if err != nil {
		c.logger.Error("encoding update failed", "error", err)
		return
	}
	c.broadcastFrame(frame)
}

// sendSignal lets the peer manager post negotiation messages through the
// signaling store.
func (c *Controller) sendSignal(typ models.SignalType, payload any, to string) error {
	if c.isDestroyed() {
		return fmt.Errorf("session destroyed")
	}
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	return c.sig.Post(ctx, typ, payload, to)
}

func (c *Controller) startPolling() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.pollCancel != nil {
		c.pollCancel()
	}
	c.pollCancel = cancel
	c.mu.Unlock()

	go c.pollLoop(ctx)
}

func (c *Controller) stopPolling() {
	c.mu.Lock()
	cancel := c.pollCancel
	c.pollCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := c.sig.Poll(ctx)
			if err != nil {
				// Transient: retried on the next tick.
				c.logger.Debug("signal poll failed", "error", err)
				continue
			}
			for _, msg := range msgs {
				c.routeSignal(msg)
			}
		}
	}
}

// routeSignal dispatches one rendezvous message. Negotiation work runs on
// its own goroutine because producing a bundle waits out candidate
// gathering.
func (c *Controller) routeSignal(msg models.SignalMessage) {
	if c.isDestroyed() {
		return
	}

	switch msg.Type {
	case models.SignalTypeOffer:
		var ann models.AnnouncePayload
		if err := json.Unmarshal(msg.Payload, &ann); err == nil &&
			ann.Type == models.AnnounceSentinel && ann.PeerID != "" {
			c.handleAnnounce(ann)
			return
		}
		var desc models.DescriptionPayload
		if err := json.Unmarshal(msg.Payload, &desc); err != nil || desc.SDP == "" {
			c.logger.Warn("malformed offer payload dropped", "from", msg.From)
			return
		}
		go func() {
			if err := c.mgr.HandleOffer(msg.From, desc); err != nil {
				c.logger.Warn("answering offer failed", "from", msg.From, "error", err)
			}
		}()

	case models.SignalTypeAnswer:
		var desc models.DescriptionPayload
		if err := json.Unmarshal(msg.Payload, &desc); err != nil || desc.SDP == "" {
			c.logger.Warn("malformed answer payload dropped", "from", msg.From)
			return
		}
		if err := c.mgr.HandleAnswer(msg.From, desc); err != nil {
			c.logger.Warn("applying answer failed", "from", msg.From, "error", err)
		}

	case models.SignalTypeCandidate:
		var candidate models.CandidatePayload
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil || candidate.Candidate == "" {
			c.logger.Warn("malformed candidate payload dropped", "from", msg.From)
			return
		}
		c.mgr.HandleCandidate(msg.From, candidate)

	default:
		c.logger.Warn("unknown signal type dropped", "type", msg.Type, "from", msg.From)
	}
}

// handleAnnounce initiates a connection offer to a newly announced peer.
func (c *Controller) handleAnnounce(ann models.AnnouncePayload) {
	if ann.PeerID == c.peerID {
		return
	}
	if _, ok := c.mgr.Get(ann.PeerID); ok {
		return
	}
	c.logger.Info("peer announced, initiating offer", "peer", ann.PeerID, "name", ann.PlayerName)
	go func() {
		if _, err := c.mgr.GetOrCreate(ann.PeerID, true); err != nil {
			c.logger.Warn("initiating connection failed", "peer", ann.PeerID, "error", err)
		}
	}()
}

// handleChannelOpen runs the new-channel protocol: push a full snapshot,
// push our presence, and (guests only) request the host's game state.
func (c *Controller) handleChannelOpen(remoteID string) {
	if c.isDestroyed() {
		return
	}

	if snap, err := c.d.EncodeFull(); err == nil {
		if frame, err := models.MarshalEnvelope(models.EnvelopeSync, base64.StdEncoding.EncodeToString(snap)); err == nil {
			c.sendTo(remoteID, frame)
		}
	} else {
		c.logger.Error("encoding snapshot failed", "error", err)
	}

	c.mu.Lock()
	self := c.self
	c.mu.Unlock()
	if frame, err := models.MarshalEnvelope(models.EnvelopeAwareness, self); err == nil {
		c.sendTo(remoteID, frame)
	}

	if !c.AmIHost() {
		if frame, err := models.MarshalEnvelope(models.EnvelopeStateRequest, stateRequestPayload{PeerID: c.peerID}); err == nil {
			c.sendTo(remoteID, frame)
		}
	}
}

func (c *Controller) handleConnected(remoteID string) {
	if c.isDestroyed() {
		return
	}
	count := c.mgr.ConnectedCount()
	c.logger.Info("peer connected", "peer", remoteID, "peers", count)

	c.mu.Lock()
	first := !c.connected
	c.connected = true
	c.mu.Unlock()

	if c.events.OnConnectionChange != nil {
		c.events.OnConnectionChange(count)
	}

	// Once a channel exists, further signaling rides the channel itself;
	// polling is pure overhead.
	if first {
		c.stopPolling()
	}
}

func (c *Controller) handleFailure(remoteID string) {
	if c.isDestroyed() {
		return
	}
	count := c.mgr.ConnectedCount()
	c.logger.Warn("peer connection lost", "peer", remoteID, "peers", count)

	c.d.RemovePresence(remoteID)
	c.batcher.Flush()

	if c.events.OnConnectionChange != nil {
		c.events.OnConnectionChange(count)
	}

	if count > 0 {
		return
	}
	c.mu.Lock()
	c.connected = false
	armed := c.fallbackArmed
	c.mu.Unlock()

	if c.fallbackAvailable() && !armed {
		if err := c.armFallback(); err != nil {
			c.logger.Warn("arming fallback failed, resuming polling", "error", err)
			c.startPolling()
		}
		return
	}
	if !armed {
		c.startPolling()
	}
}

// handleEnvelope routes one wire frame, identically regardless of which
// transport delivered it. from is empty for relay frames.
func (c *Controller) handleEnvelope(from string, raw []byte) {
	if c.isDestroyed() {
		return
	}

	env, err := models.ParseEnvelope(raw)
	if err != nil {
		c.logger.Warn("malformed wire frame dropped", "error", err)
		return
	}

	switch env.Type {
	case models.EnvelopeSync:
		var encoded string
		if err := json.Unmarshal(env.Data, &encoded); err != nil {
			c.logger.Warn("malformed sync frame dropped", "error", err)
			return
		}
		snap, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			c.logger.Warn("malformed sync frame dropped", "error", err)
			return
		}
		if err := c.d.ApplyEncoded(snap); err != nil {
			c.logger.Warn("applying snapshot failed", "error", err)
		}

	case models.EnvelopeUpdate:
		var entries []doc.Entry
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			c.logger.Warn("malformed update frame dropped", "error", err)
			return
		}
		c.d.ApplyRemote(entries)

	case models.EnvelopeAwareness:
		var p doc.Player
		if err := json.Unmarshal(env.Data, &p); err != nil || p.PeerID == "" {
			c.logger.Warn("malformed awareness frame dropped", "error", err)
			return
		}
		if p.PeerID == c.peerID {
			return
		}
		known := c.knownPresence(p.PeerID)
		c.d.SetPresence(p)
		// Over the relay there is no per-peer channel-open moment, so
		// newcomers are greeted in-band: every peer echoes its own presence
		// (the echo stops once the sender is known), and the host adds a
		// snapshot broadcast.
		if !known && c.fallbackActive() {
			c.mu.Lock()
			self := c.self
			c.mu.Unlock()
			if frame, err := models.MarshalEnvelope(models.EnvelopeAwareness, self); err == nil {
				c.broadcastFrame(frame)
			}
			if c.AmIHost() {
				if snap, err := c.d.EncodeFull(); err == nil {
					if frame, err := models.MarshalEnvelope(models.EnvelopeSync, base64.StdEncoding.EncodeToString(snap)); err == nil {
						c.broadcastFrame(frame)
					}
				}
			}
		}

	case models.EnvelopeStateRequest:
		requester := from
		var payload stateRequestPayload
		if err := json.Unmarshal(env.Data, &payload); err == nil && payload.PeerID != "" {
			requester = payload.PeerID
		}
		if requester == "" || requester == c.peerID {
			return
		}
		c.serveState(requester)

	case models.EnvelopeStateSync:
		var encoded string
		if err := json.Unmarshal(env.Data, &encoded); err != nil {
			c.logger.Warn("malformed state-sync frame dropped", "error", err)
			return
		}
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			c.logger.Warn("malformed state-sync frame dropped", "error", err)
			return
		}
		state, err := decompressState(compressed)
		if err != nil {
			c.logger.Warn("decompressing state failed", "error", err)
			return
		}
		if c.events.OnStateReceived != nil {
			c.events.OnStateReceived(state)
		}
	}
}

// serveState answers a state request, exactly once per requesting peer,
// with the host's in-memory snapshot. The exactly-once guard is on the
// host's reply, not on delivery: over the relay tier the reply degrades
// to a room-wide broadcast, so peers that did not request it observe the
// state-sync too and hand it to OnStateReceived.
func (c *Controller) serveState(requester string) {
	if !c.AmIHost() {
		return
	}

	c.mu.Lock()
	if c.destroyed || c.gameState == nil {
		c.mu.Unlock()
		return
	}
	if _, served := c.stateServed[requester]; served {
		c.mu.Unlock()
		return
	}
	c.stateServed[requester] = struct{}{}
	state := append([]byte(nil), c.gameState...)
	c.mu.Unlock()

	compressed, err := compressState(state)
	if err != nil {
		c.logger.Error("compressing state failed", "error", err)
		return
	}
	frame, err := models.MarshalEnvelope(models.EnvelopeStateSync, base64.StdEncoding.EncodeToString(compressed))
	if err != nil {
		return
	}
	c.sendTo(requester, frame)
	c.logger.Info("state snapshot served", "peer", requester, "bytes", len(state))
}

// sendTo delivers a frame to one peer over its data channel, falling back
// to the relay broadcast when no channel is open.
func (c *Controller) sendTo(remoteID string, frame []byte) {
	if c.mgr == nil {
		return
	}
	if conn, ok := c.mgr.Get(remoteID); ok {
		if err := conn.Send(frame); err == nil {
			return
		}
	}
	c.mu.Lock()
	fb := c.fb
	c.mu.Unlock()
	if fb != nil {
		if err := fb.Send(frame); err != nil {
			c.logger.Debug("relay send failed", "error", err)
		}
	}
}

// broadcastFrame delivers a frame over every open transport. Before
// Connect there is no transport; the entry still lands in the local log.
func (c *Controller) broadcastFrame(frame []byte) {
	if c.mgr != nil {
		c.mgr.Broadcast(frame)
	}
	c.mu.Lock()
	fb := c.fb
	c.mu.Unlock()
	if fb != nil {
		if err := fb.Send(frame); err != nil {
			c.logger.Debug("relay broadcast failed", "error", err)
		}
	}
}

// armFallback activates the relay tier. Exactly one activation per
// session; the guard makes repeat calls no-ops.
func (c *Controller) armFallback() error {
	c.mu.Lock()
	if c.destroyed || c.fallbackArmed {
		c.mu.Unlock()
		return nil
	}
	c.fallbackArmed = true
	roomCode := c.roomCode
	c.mu.Unlock()

	fb, err := dialFallback(c.ctx, c.opts.BaseURL, roomCode, c.peerID, func(frame []byte) {
		c.handleEnvelope("", frame)
	}, c.logger)
	if err != nil {
		c.mu.Lock()
		c.fallbackArmed = false
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.fb = fb
	self := c.self
	c.mu.Unlock()

	c.logger.Info("fallback transport armed", "room", roomCode)

	if frame, err := models.MarshalEnvelope(models.EnvelopeAwareness, self); err == nil {
		if err := fb.Send(frame); err != nil {
			c.logger.Debug("fallback announce failed", "error", err)
		}
	}

	if !c.opts.IsHost {
		time.AfterFunc(fallbackStateDelay, func() {
			if c.isDestroyed() {
				return
			}
			if frame, err := models.MarshalEnvelope(models.EnvelopeStateRequest, stateRequestPayload{PeerID: c.peerID}); err == nil {
				c.sendTo("", frame)
			}
		})
	}
	return nil
}

func (c *Controller) fallbackAvailable() bool {
	return isLoopbackURL(c.opts.BaseURL) || c.opts.EnableRelayFallback
}

func (c *Controller) fallbackActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fb != nil
}

func (c *Controller) knownPresence(peerID string) bool {
	for _, p := range c.d.Players() {
		if p.PeerID == peerID {
			return true
		}
	}
	return false
}

// isLoopbackURL reports whether the store lives on a loopback host, where
// direct peer discovery between same-machine sessions reliably fails.
func isLoopbackURL(baseURL string) bool {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func compressState(state []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(state, nil), nil
}

func decompressState(compressed []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(compressed, nil)
}
