// Package doc holds the replicated session document: an append-only
// action log with set-union merge semantics, an ephemeral presence map,
// and a small durable metadata map.
package doc

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/mossy-p/peersync/internal/models"
)

// Entry is one replicated log record. (Origin, Seq) is globally unique:
// Seq increases monotonically per origin replica.
type Entry struct {
	Origin string            `json:"origin" cbor:"1,keyasint"`
	Seq    uint64            `json:"seq" cbor:"2,keyasint"`
	Action models.GameAction `json:"action" cbor:"3,keyasint"`
}

func (e Entry) key() string {
	return e.Origin + "#" + strconv.FormatUint(e.Seq, 10)
}

// Player is one peer's presence record. Updates overwrite the whole
// entry; presence is never merged field by field.
type Player struct {
	PeerID   string `json:"peerId"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	JoinedAt int64  `json:"joinedAt"`
	IsHost   bool   `json:"isHost"`
}

// Subscriber receives actions appended by remote replicas, each exactly
// once, in this replica's arrival order.
type Subscriber func(models.GameAction)

// PresenceListener receives the full player list after presence changes.
type PresenceListener func([]Player)

// snapshot is the serialized form produced by EncodeFull. Presence is
// ephemeral and deliberately excluded.
type snapshot struct {
	Log  []Entry           `cbor:"1,keyasint"`
	Meta map[string]string `cbor:"2,keyasint"`
}

// Document is one replica of the session document. Merge across replicas
// is idempotent and commutative: entries are unioned on (Origin, Seq),
// so concurrent appends from different peers both survive. Each replica
// observes a consistent local total order, not necessarily the same
// order as other replicas.
type Document struct {
	mu        sync.Mutex
	replicaID string

	log     []Entry
	applied map[string]struct{} // entry keys already in the log
	nextSeq uint64

	presence map[string]Player
	meta     map[string]string

	// lastForwarded is the subscriber watermark: log indexes below it
	// have been offered to the subscriber and are never re-delivered.
	lastForwarded int
	subscriber    Subscriber
	presenceHook  PresenceListener
}

// New creates an empty replica owned by the given peer.
func New(replicaID string) *Document {
	return &Document{
		replicaID: replicaID,
		applied:   make(map[string]struct{}),
		presence:  make(map[string]Player),
		meta:      make(map[string]string),
	}
}

// Subscribe installs the action subscriber. Entries appended by this
// replica itself are not forwarded.
func (d *Document) Subscribe(fn Subscriber) {
	d.mu.Lock()
	d.subscriber = fn
	d.mu.Unlock()
}

// OnPresenceChange installs the presence listener.
func (d *Document) OnPresenceChange(fn PresenceListener) {
	d.mu.Lock()
	d.presenceHook = fn
	d.mu.Unlock()
}

// Append adds one locally-originated action and returns its log entry
// for broadcasting.
func (d *Document) Append(action models.GameAction) Entry {
	d.mu.Lock()
	d.nextSeq++
	entry := Entry{Origin: d.replicaID, Seq: d.nextSeq, Action: action}
	d.log = append(d.log, entry)
	d.applied[entry.key()] = struct{}{}
	forward := d.collectForwardableLocked()
	d.mu.Unlock()

	d.deliver(forward)
	return entry
}

// ApplyRemote merges entries received from another replica. Duplicates
// are ignored, so redelivery is harmless. Returns how many entries were
// new.
func (d *Document) ApplyRemote(entries []Entry) int {
	d.mu.Lock()
	added := 0
	for _, entry := range entries {
		if _, ok := d.applied[entry.key()]; ok {
			continue
		}
		d.log = append(d.log, entry)
		d.applied[entry.key()] = struct{}{}
		added++
	}
	forward := d.collectForwardableLocked()
	d.mu.Unlock()

	d.deliver(forward)
	return added
}

// collectForwardableLocked advances the subscriber watermark and returns
// the remote-originated actions not yet forwarded. Self-originated
// entries advance the watermark silently.
func (d *Document) collectForwardableLocked() []models.GameAction {
	if d.subscriber == nil {
		// No subscriber yet; hold the watermark so nothing is lost.
		return nil
	}
	var out []models.GameAction
	for ; d.lastForwarded < len(d.log); d.lastForwarded++ {
		entry := d.log[d.lastForwarded]
		if entry.Origin == d.replicaID {
			continue
		}
		out = append(out, entry.Action)
	}
	return out
}

func (d *Document) deliver(actions []models.GameAction) {
	if len(actions) == 0 {
		return
	}
	d.mu.Lock()
	fn := d.subscriber
	d.mu.Unlock()
	for _, action := range actions {
		fn(action)
	}
}

// EntriesSince returns a copy of the log from the given index.
func (d *Document) EntriesSince(index int) []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 {
		index = 0
	}
	if index >= len(d.log) {
		return nil
	}
	return append([]Entry(nil), d.log[index:]...)
}

// Len reports the replica's log length.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.log)
}

// EncodeFull serializes the log and metadata for initial sync.
func (d *Document) EncodeFull() ([]byte, error) {
	d.mu.Lock()
	snap := snapshot{
		Log:  append([]Entry(nil), d.log...),
		Meta: make(map[string]string, len(d.meta)),
	}
	for k, v := range d.meta {
		snap.Meta[k] = v
	}
	d.mu.Unlock()

	data, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding document snapshot: %w", err)
	}
	return data, nil
}

// ApplyEncoded merges a serialized snapshot into this replica. The log is
// unioned; metadata keys already set locally are kept (meta is written by
// the host once, so first writer wins on a join).
func (d *Document) ApplyEncoded(data []byte) error {
	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding document snapshot: %w", err)
	}

	d.mu.Lock()
	for k, v := range snap.Meta {
		if _, ok := d.meta[k]; !ok {
			d.meta[k] = v
		}
	}
	d.mu.Unlock()

	d.ApplyRemote(snap.Log)
	return nil
}

// SetPresence overwrites one peer's presence entry.
func (d *Document) SetPresence(p Player) {
	d.mu.Lock()
	d.presence[p.PeerID] = p
	d.mu.Unlock()
	d.notifyPresence()
}

// RemovePresence drops a departed peer.
func (d *Document) RemovePresence(peerID string) {
	d.mu.Lock()
	_, existed := d.presence[peerID]
	delete(d.presence, peerID)
	d.mu.Unlock()
	if existed {
		d.notifyPresence()
	}
}

// Players returns the presence map as a list ordered by join time.
func (d *Document) Players() []Player {
	d.mu.Lock()
	players := make([]Player, 0, len(d.presence))
	for _, p := range d.presence {
		players = append(players, p)
	}
	d.mu.Unlock()

	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt != players[j].JoinedAt {
			return players[i].JoinedAt < players[j].JoinedAt
		}
		return players[i].PeerID < players[j].PeerID
	})
	return players
}

func (d *Document) notifyPresence() {
	d.mu.Lock()
	fn := d.presenceHook
	d.mu.Unlock()
	if fn != nil {
		fn(d.Players())
	}
}

// Meta reads one durable metadata key.
func (d *Document) Meta(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.meta[key]
	return v, ok
}

// SetMeta writes one durable metadata key. Last write wins; keys are
// single-writer in practice.
func (d *Document) SetMeta(key, value string) {
	d.mu.Lock()
	d.meta[key] = value
	d.mu.Unlock()
}
