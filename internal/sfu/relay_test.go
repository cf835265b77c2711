package sfu

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/openproctor/backend/internal/signaling"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r, err := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestCreateSessionOffersMedia(t *testing.T) {
	r := newTestRelay(t)
	r.OnRenegotiate(func(string, string) {})
	r.OnICECandidate(func(string, signaling.ICECandidateInit) {})

	offer, err := r.CreateSession(context.Background(), "123456", "peer-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer r.ClosePeer("peer-1")

	if !strings.HasPrefix(offer, "v=0") {
		t.Errorf("offer is not an SDP description: %.40q", offer)
	}
	// The server invites the peer to publish camera and microphone.
	if !strings.Contains(offer, "m=video") || !strings.Contains(offer, "m=audio") {
		t.Errorf("offer missing media sections:\n%s", offer)
	}
}

func TestCreateSessionReplacesExisting(t *testing.T) {
	r := newTestRelay(t)

	if _, err := r.CreateSession(context.Background(), "123456", "peer-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	first := r.lookup("peer-1")

	if _, err := r.CreateSession(context.Background(), "123456", "peer-1"); err != nil {
		t.Fatalf("CreateSession (replacement): %v", err)
	}
	defer r.ClosePeer("peer-1")

	second := r.lookup("peer-1")
	if second == nil || second == first {
		t.Error("reconnecting peer must get a fresh session")
	}
}

func TestCreateSessionCancelledContext(t *testing.T) {
	r := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.CreateSession(ctx, "123456", "peer-1"); err == nil {
		t.Fatal("CreateSession must fail on a cancelled context")
	}
	if r.lookup("peer-1") != nil {
		t.Error("no session may exist after a cancelled CreateSession")
	}
}

func TestAnswerAndCandidateRequireSession(t *testing.T) {
	r := newTestRelay(t)

	if err := r.HandleAnswer("ghost", "v=0"); err == nil {
		t.Error("HandleAnswer must fail for an unknown peer")
	}
	if err := r.AddICECandidate("ghost", signaling.ICECandidateInit{Candidate: "candidate:1"}); err == nil {
		t.Error("AddICECandidate must fail for an unknown peer")
	}
}

func TestCandidatesBufferedBeforeAnswer(t *testing.T) {
	r := newTestRelay(t)
	if _, err := r.CreateSession(context.Background(), "123456", "peer-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer r.ClosePeer("peer-1")

	// No remote description yet: the candidate must be accepted and held.
	err := r.AddICECandidate("peer-1", signaling.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host"})
	if err != nil {
		t.Fatalf("AddICECandidate before answer: %v", err)
	}

	s := r.lookup("peer-1")
	s.negMu.Lock()
	buffered := len(s.buffered)
	s.negMu.Unlock()
	if buffered != 1 {
		t.Errorf("buffered candidates = %d, want 1", buffered)
	}
}

func TestClosePeerIdempotent(t *testing.T) {
	r := newTestRelay(t)
	if _, err := r.CreateSession(context.Background(), "123456", "peer-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	r.ClosePeer("peer-1")
	r.ClosePeer("peer-1") // second close is a no-op
	r.ClosePeer("never-existed")

	if r.lookup("peer-1") != nil {
		t.Error("session survived ClosePeer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rooms) != 0 {
		t.Errorf("room topology not cleaned up: %v", r.rooms)
	}
}

func TestNewRejectsInvalidPortRange(t *testing.T) {
	_, err := New(Config{UDPPortMin: 50100, UDPPortMax: 50000},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("New must reject an inverted UDP port range")
	}
}
