// Package peer manages one WebRTC connection per remote peer: offer and
// answer exchange with bundled candidates, buffering of early candidates,
// and data channel lifecycle.
package peer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/peersync/internal/models"
)

// gatherCeiling bounds the wait for ICE candidate gathering. Past the
// ceiling the bundle ships with whatever candidates exist; degraded
// connectivity is accepted, not an error.
const gatherCeiling = 4 * time.Second

// dataChannelLabel names the single game channel per peer pair.
const dataChannelLabel = "game"

// maxPendingCandidates bounds the per-peer buffer of candidates that
// arrive before the peer's description. A peer that sends candidates but
// never completes an offer must not grow the buffer forever; past the
// bound the oldest entries are dropped.
const maxPendingCandidates = 32

// State tracks a connection through its negotiation lifecycle.
type State int

const (
	StateUnconnected State = iota
	StateNegotiating
	StateIceGathering
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateIceGathering:
		return "ice-gathering"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unconnected"
	}
}

// SignalSender posts one signal addressed to a peer (empty to broadcasts).
type SignalSender func(typ models.SignalType, payload any, to string) error

// Callbacks is the event sink a Manager reports into, fixed at
// construction.
type Callbacks struct {
	// OnChannelOpen fires when the game data channel to a peer opens.
	OnChannelOpen func(remoteID string)
	// OnMessage delivers one raw wire frame from a peer.
	OnMessage func(remoteID string, data []byte)
	// OnConnected fires when network-level connectivity is reached.
	OnConnected func(remoteID string)
	// OnFailure fires after a failed or lost connection is removed.
	OnFailure func(remoteID string)
}

// Manager owns every PeerConnection of a session, one per remote peer id.
type Manager struct {
	localID   string
	send      SignalSender
	callbacks Callbacks
	logger    *slog.Logger
	ice       []webrtc.ICEServer

	mu    sync.Mutex
	conns map[string]*Conn
	// pending buffers candidates that arrived before the corresponding
	// description, keyed by remote peer id.
	pending map[string][]models.CandidatePayload
	closed  bool
}

// Conn is the connection to a single remote peer. Owned exclusively by
// the Manager.
type Conn struct {
	remoteID string
	pc       *webrtc.PeerConnection

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	state    State
	gathered []models.CandidatePayload
	open     bool
}

// RemoteID returns the peer this connection reaches.
func (c *Conn) RemoteID() string { return c.remoteID }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one frame to the peer's game channel.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	open := c.open
	c.mu.Unlock()
	if dc == nil || !open {
		return fmt.Errorf("data channel to %s not open", c.remoteID)
	}
	return dc.Send(data)
}

// NewManager creates a Manager for the given local peer id. Signals
// produced during negotiation go out through send.
func NewManager(localID string, send SignalSender, callbacks Callbacks, iceServers []webrtc.ICEServer, logger *slog.Logger) *Manager {
	return &Manager{
		localID:   localID,
		send:      send,
		callbacks: callbacks,
		logger:    logger,
		ice:       iceServers,
		conns:     make(map[string]*Conn),
		pending:   make(map[string][]models.CandidatePayload),
	}
}

// GetOrCreate returns the existing connection to remoteID or creates one.
// When initiator is true the local side opens the data channel, produces
// a bundled offer and sends it.
func (m *Manager) GetOrCreate(remoteID string, initiator bool) (*Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager closed")
	}
	if existing, ok := m.conns[remoteID]; ok {
		m.mu.Unlock()
		return existing, nil
	}

	pc, err := m.newPeerConnection()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	conn := &Conn{remoteID: remoteID, pc: pc, state: StateNegotiating}
	m.conns[remoteID] = conn
	m.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		conn.mu.Lock()
		conn.gathered = append(conn.gathered, models.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		conn.mu.Unlock()
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.handleICEStateChange(conn, state)
	})

	if initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			m.remove(conn)
			return nil, fmt.Errorf("creating data channel: %w", err)
		}
		m.bindChannel(conn, dc)

		if err := m.sendBundledDescription(conn, true); err != nil {
			m.remove(conn)
			return nil, err
		}
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.bindChannel(conn, dc)
		})
	}

	return conn, nil
}

// Get returns the connection to remoteID, if any.
func (m *Manager) Get(remoteID string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[remoteID]
	return conn, ok
}

// ConnectedPeers lists remote ids with network-level connectivity.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var peers []string
	for id, conn := range m.conns {
		if conn.State() == StateConnected {
			peers = append(peers, id)
		}
	}
	return peers
}

// ConnectedCount reports how many peers are currently connected.
func (m *Manager) ConnectedCount() int {
	return len(m.ConnectedPeers())
}

// Broadcast writes a frame to every open game channel. Per-peer send
// failures are logged, not returned; delivery to the remaining peers
// continues.
func (m *Manager) Broadcast(data []byte) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			m.logger.Debug("broadcast skipped peer", "peer", conn.remoteID, "error", err)
		}
	}
}

// HandleOffer applies a remote bundled offer and replies with a bundled
// answer through the signal sender.
func (m *Manager) HandleOffer(from string, payload models.DescriptionPayload) error {
	conn, err := m.GetOrCreate(from, false)
	if err != nil {
		return err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
	if err := conn.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("setting remote offer from %s: %w", from, err)
	}
	m.applyCandidates(conn, payload.Candidates)

	if err := m.sendBundledDescription(conn, false); err != nil {
		return err
	}

	m.logger.Info("answered offer", "peer", from)
	return nil
}

// HandleAnswer applies a remote bundled answer to a connection this side
// initiated.
func (m *Manager) HandleAnswer(from string, payload models.DescriptionPayload) error {
	conn, ok := m.Get(from)
	if !ok {
		return fmt.Errorf("answer from unknown peer %s", from)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
	if err := conn.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote answer from %s: %w", from, err)
	}
	m.applyCandidates(conn, payload.Candidates)

	m.logger.Info("applied answer", "peer", from)
	return nil
}

// HandleCandidate accepts a legacy individually-sent candidate. If the
// remote description is not yet applied the candidate is buffered and
// flushed later.
func (m *Manager) HandleCandidate(from string, candidate models.CandidatePayload) {
	conn, ok := m.Get(from)
	if !ok || conn.pc.RemoteDescription() == nil {
		m.mu.Lock()
		buffered := append(m.pending[from], candidate)
		if len(buffered) > maxPendingCandidates {
			buffered = buffered[len(buffered)-maxPendingCandidates:]
		}
		m.pending[from] = buffered
		m.mu.Unlock()
		return
	}
	m.addCandidate(conn, candidate)
}

// CloseAll tears down every connection. Safe to call more than once.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for id, conn := range m.conns {
		conns = append(conns, conn)
		delete(m.conns, id)
	}
	m.pending = make(map[string][]models.CandidatePayload)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.pc.Close()
	}
}

// sendBundledDescription produces the local description, waits out
// candidate gathering up to the ceiling, and ships description plus
// candidates as one signal.
func (m *Manager) sendBundledDescription(conn *Conn, initiator bool) error {
	pc := conn.pc

	var (
		desc webrtc.SessionDescription
		err  error
	)
	if initiator {
		desc, err = pc.CreateOffer(nil)
	} else {
		desc, err = pc.CreateAnswer(nil)
	}
	if err != nil {
		return fmt.Errorf("creating description for %s: %w", conn.remoteID, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("setting local description for %s: %w", conn.remoteID, err)
	}

	conn.mu.Lock()
	conn.state = StateIceGathering
	conn.mu.Unlock()

	// Bounded wait: proceed with partial candidates past the ceiling.
	select {
	case <-gatherComplete:
	case <-time.After(gatherCeiling):
		m.logger.Warn("candidate gathering exceeded ceiling, sending partial bundle",
			"peer", conn.remoteID)
	}

	local := pc.LocalDescription()
	conn.mu.Lock()
	candidates := append([]models.CandidatePayload(nil), conn.gathered...)
	conn.mu.Unlock()

	sigType := models.SignalTypeAnswer
	if initiator {
		sigType = models.SignalTypeOffer
	}
	payload := models.DescriptionPayload{
		SDPType:    local.Type.String(),
		SDP:        local.SDP,
		Candidates: candidates,
	}
	if err := m.send(sigType, payload, conn.remoteID); err != nil {
		return fmt.Errorf("sending %s to %s: %w", sigType, conn.remoteID, err)
	}

	m.logger.Info("description bundle sent",
		"peer", conn.remoteID,
		"type", sigType,
		"candidates", len(candidates))
	return nil
}

// applyCandidates flushes any buffered candidates for the peer, then the
// bundled ones. The remote description must already be applied.
func (m *Manager) applyCandidates(conn *Conn, bundled []models.CandidatePayload) {
	m.mu.Lock()
	buffered := m.pending[conn.remoteID]
	delete(m.pending, conn.remoteID)
	m.mu.Unlock()

	for _, candidate := range buffered {
		m.addCandidate(conn, candidate)
	}
	for _, candidate := range bundled {
		m.addCandidate(conn, candidate)
	}
}

func (m *Manager) addCandidate(conn *Conn, candidate models.CandidatePayload) {
	err := conn.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err != nil {
		// A bad candidate degrades connectivity but never fails the
		// negotiation; others may still succeed.
		m.logger.Warn("adding candidate failed", "peer", conn.remoteID, "error", err)
	}
}

func (m *Manager) bindChannel(conn *Conn, dc *webrtc.DataChannel) {
	conn.mu.Lock()
	conn.dc = dc
	conn.mu.Unlock()

	dc.OnOpen(func() {
		conn.mu.Lock()
		conn.open = true
		conn.mu.Unlock()
		m.logger.Debug("data channel opened", "peer", conn.remoteID)
		if m.callbacks.OnChannelOpen != nil {
			m.callbacks.OnChannelOpen(conn.remoteID)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.callbacks.OnMessage != nil {
			m.callbacks.OnMessage(conn.remoteID, msg.Data)
		}
	})
	dc.OnClose(func() {
		conn.mu.Lock()
		conn.open = false
		conn.mu.Unlock()
	})
}

func (m *Manager) handleICEStateChange(conn *Conn, state webrtc.ICEConnectionState) {
	m.logger.Info("ICE state change", "peer", conn.remoteID, "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		conn.mu.Lock()
		already := conn.state == StateConnected
		conn.state = StateConnected
		conn.mu.Unlock()
		if !already && m.callbacks.OnConnected != nil {
			m.callbacks.OnConnected(conn.remoteID)
		}

	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
		conn.mu.Lock()
		wasFailed := conn.state == StateFailed
		conn.state = StateFailed
		conn.mu.Unlock()
		if wasFailed {
			return
		}
		m.remove(conn)
		if m.callbacks.OnFailure != nil {
			m.callbacks.OnFailure(conn.remoteID)
		}
	}
}

// remove drops a connection from the active map and closes it.
func (m *Manager) remove(conn *Conn) {
	m.mu.Lock()
	if current, ok := m.conns[conn.remoteID]; ok && current == conn {
		delete(m.conns, conn.remoteID)
	}
	delete(m.pending, conn.remoteID)
	m.mu.Unlock()
	conn.pc.Close()
}

// newPeerConnection creates a pion PeerConnection. Loopback candidates
// are enabled so same-machine sessions and tests can connect without
// STUN.
func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: m.ice})
}
