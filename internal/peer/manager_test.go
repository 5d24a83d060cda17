package peer

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/mossy-p/peersync/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// wirePair connects two managers with in-process signal delivery, standing
// in for the store. Each side's signals are handed to the other manager on
// a goroutine, like polled signals would be.
func wirePair(t *testing.T) (a, b *Manager, openA, openB, gotB chan []byte) {
	t.Helper()

	openA = make(chan []byte, 1)
	openB = make(chan []byte, 1)
	gotB = make(chan []byte, 16)

	var mA, mB *Manager

	deliver := func(target **Manager, from string) SignalSender {
		return func(typ models.SignalType, payload any, to string) error {
			desc, ok := payload.(models.DescriptionPayload)
			if !ok {
				t.Errorf("unexpected payload type %T for %s", payload, typ)
				return nil
			}
			go func() {
				var err error
				switch typ {
				case models.SignalTypeOffer:
					err = (*target).HandleOffer(from, desc)
				case models.SignalTypeAnswer:
					err = (*target).HandleAnswer(from, desc)
				}
				if err != nil {
					t.Errorf("handling %s from %s: %v", typ, from, err)
				}
			}()
			return nil
		}
	}

	mA = NewManager("a", deliver(&mB, "a"), Callbacks{
		OnChannelOpen: func(remoteID string) { openA <- []byte(remoteID) },
	}, nil, discardLogger())
	mB = NewManager("b", deliver(&mA, "b"), Callbacks{
		OnChannelOpen: func(remoteID string) { openB <- []byte(remoteID) },
		OnMessage:     func(remoteID string, data []byte) { gotB <- data },
	}, nil, discardLogger())

	t.Cleanup(mA.CloseAll)
	t.Cleanup(mB.CloseAll)
	return mA, mB, openA, openB, gotB
}

func waitChan(t *testing.T, ch chan []byte, what string) []byte {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestLoopbackConnection(t *testing.T) {
	mA, mB, openA, openB, gotB := wirePair(t)

	conn, err := mA.GetOrCreate("b", true)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if conn.RemoteID() != "b" {
		t.Fatalf("RemoteID = %q, want b", conn.RemoteID())
	}

	waitChan(t, openA, "initiator channel open")
	waitChan(t, openB, "responder channel open")

	// Both sides should report the peer as connected once channels open.
	deadline := time.Now().Add(5 * time.Second)
	for mA.ConnectedCount() != 1 || mB.ConnectedCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connected counts = %d/%d, want 1/1", mA.ConnectedCount(), mB.ConnectedCount())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if conn.State() != StateConnected {
		t.Fatalf("initiator state = %s, want connected", conn.State())
	}

	frame := []byte(`{"type":"update","data":{"type":"setSpeed"}}`)
	if err := conn.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := waitChan(t, gotB, "relayed frame"); !bytes.Equal(got, frame) {
		t.Fatalf("received %s, want %s", got, frame)
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	mA, _, openA, openB, _ := wirePair(t)

	first, err := mA.GetOrCreate("b", true)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := mA.GetOrCreate("b", true)
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if first != second {
		t.Fatal("GetOrCreate created a duplicate connection for the same peer")
	}

	waitChan(t, openA, "initiator channel open")
	waitChan(t, openB, "responder channel open")
}

func TestEarlyCandidateBuffered(t *testing.T) {
	m := NewManager("a", func(models.SignalType, any, string) error { return nil },
		Callbacks{}, nil, discardLogger())
	defer m.CloseAll()

	// Candidate for a peer with no connection yet must be buffered, not
	// dropped or applied.
	m.HandleCandidate("ghost", models.CandidatePayload{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54555 typ host",
	})

	m.mu.Lock()
	buffered := len(m.pending["ghost"])
	m.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("buffered %d candidates, want 1", buffered)
	}
}

func TestEarlyCandidateBufferBounded(t *testing.T) {
	m := NewManager("a", func(models.SignalType, any, string) error { return nil },
		Callbacks{}, nil, discardLogger())
	defer m.CloseAll()

	// A peer that announces candidates but never completes an offer must
	// not grow its buffer without bound; the oldest entries are dropped.
	for i := 0; i < maxPendingCandidates+10; i++ {
		m.HandleCandidate("ghost", models.CandidatePayload{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 54555 typ host", i),
		})
	}

	m.mu.Lock()
	buffered := m.pending["ghost"]
	m.mu.Unlock()
	if len(buffered) != maxPendingCandidates {
		t.Fatalf("buffered %d candidates, want %d", len(buffered), maxPendingCandidates)
	}
	want := fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 54555 typ host", maxPendingCandidates+9)
	if buffered[len(buffered)-1].Candidate != want {
		t.Fatalf("newest candidate missing after trim: %s", buffered[len(buffered)-1].Candidate)
	}

	m.CloseAll()
	m.mu.Lock()
	remaining := len(m.pending)
	m.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("CloseAll left %d pending buffers", remaining)
	}
}

func TestAnswerFromUnknownPeer(t *testing.T) {
	m := NewManager("a", func(models.SignalType, any, string) error { return nil },
		Callbacks{}, nil, discardLogger())
	defer m.CloseAll()

	err := m.HandleAnswer("ghost", models.DescriptionPayload{SDPType: "answer"})
	if err == nil {
		t.Fatal("HandleAnswer from unknown peer succeeded")
	}
}

func TestCloseAllStopsManager(t *testing.T) {
	m := NewManager("a", func(models.SignalType, any, string) error { return nil },
		Callbacks{}, nil, discardLogger())

	m.CloseAll()
	m.CloseAll()

	if _, err := m.GetOrCreate("b", false); err == nil {
		t.Fatal("GetOrCreate on a closed manager succeeded")
	}
}
