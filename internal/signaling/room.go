package signaling

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
)

// Room code generation. Codes are short human-typable decimal strings the
// proctor reads out loud; collisions are retried and the length grows once
// before giving up entirely.
const (
	roomCodeLength         = 6
	roomCodeFallbackLength = 8
	roomCodeAttempts       = 64
)

// Participant is a student that has been admitted to a room. Entries are
// kept after a participant leaves or is kicked (with Live false) so that
// an exam result racing a kick can still be attributed: submission
// requires historical membership, not live status.
type Participant struct {
	PeerID        string
	Name          string
	WalletAddress string
	Live          bool
	HasVideo      bool
	HasAudio      bool
}

// JoinRequest is a student waiting on the proctor's decision.
type JoinRequest struct {
	PeerID        string
	Name          string
	WalletAddress string
}

// Room owns one proctor, the set of admitted participants, and the
// ordered queue of pending join requests. A peer ID appears in at most
// one of pending/participants at any instant. All mutations on one room
// serialize on its mutex; rooms never contend with each other.
type Room struct {
	mu sync.Mutex

	ID            string
	ProctorPeerID string
	ProctorName   string

	participants map[string]*Participant
	pending      []*JoinRequest // insertion order, first-decided wins
	ended        bool
}

// Store is the in-memory table of active rooms. The store lock covers the
// room map and the proctor index only; per-room state is guarded by each
// room's own mutex.
type Store struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	byProctor map[string]string // proctor peer ID → room ID
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		rooms:     make(map[string]*Room),
		byProctor: make(map[string]string),
	}
}

// randomCode returns a random decimal string of the given length, using
// crypto/rand like the rest of the code space.
func randomCode(length int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < length; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// CreateRoom creates a room owned by the given proctor and returns its
// fresh code. A proctor connection may own at most one open room at a
// time. Code generation retries on collision at 6 digits, then at 8,
// before reporting exhaustion.
func (s *Store) CreateRoom(proctorPeerID, proctorName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byProctor[proctorPeerID]; ok {
		return "", ErrRoomExists
	}

	for _, length := range []int{roomCodeLength, roomCodeFallbackLength} {
		for attempt := 0; attempt < roomCodeAttempts; attempt++ {
			code, err := randomCode(length)
			if err != nil {
				return "", err
			}
			if _, taken := s.rooms[code]; taken {
				continue
			}
			s.rooms[code] = &Room{
				ID:            code,
				ProctorPeerID: proctorPeerID,
				ProctorName:   proctorName,
				participants:  make(map[string]*Participant),
			}
			s.byProctor[proctorPeerID] = code
			return code, nil
		}
		slog.Warn("room code collisions, growing code length", "length", length)
	}
	return "", ErrCodeSpaceExhausted
}

// get returns a live room by ID.
func (s *Store) get(roomID string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	return room, ok
}

// Proctor returns the immutable owner of a room.
func (s *Store) Proctor(roomID string) (string, bool) {
	room, ok := s.get(roomID)
	if !ok {
		return "", false
	}
	return room.ProctorPeerID, true
}

// RoomOfProctor returns the room a proctor currently owns.
func (s *Store) RoomOfProctor(proctorPeerID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.byProctor[proctorPeerID]
	return roomID, ok
}

// RequestJoin queues a join request. A duplicate request from a peer that
// is already pending is idempotent: the stored name and wallet are
// refreshed, no second entry appears. A peer that is already an admitted
// participant cannot also be pending.
func (s *Store) RequestJoin(roomID string, req JoinRequest) error {
	room, ok := s.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.ended {
		return ErrRoomNotFound
	}
	if p, ok := room.participants[req.PeerID]; ok && p.Live {
		return ErrAlreadyParticipant
	}
	for _, pending := range room.pending {
		if pending.PeerID == req.PeerID {
			pending.Name = req.Name
			pending.WalletAddress = req.WalletAddress
			return nil
		}
	}
	r := req
	room.pending = append(room.pending, &r)
	return nil
}

// CancelJoinRequest drops a pending request, used when the requester
// disconnects before the proctor decides. Reports whether one existed.
func (s *Store) CancelJoinRequest(roomID, peerID string) bool {
	room, ok := s.get(roomID)
	if !ok {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	for i, pending := range room.pending {
		if pending.PeerID == peerID {
			room.pending = append(room.pending[:i], room.pending[i+1:]...)
			return true
		}
	}
	return false
}

// ResolveJoin removes a pending request and, on approval, admits the
// requester as a live participant. Two decisions racing on the same
// requester linearize on the room lock: the second one observes
// ErrRequestNotFound.
func (s *Store) ResolveJoin(roomID, requesterPeerID string, approved bool) (JoinRequest, error) {
	room, ok := s.get(roomID)
	if !ok {
		return JoinRequest{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.ended {
		return JoinRequest{}, ErrRoomNotFound
	}
	for i, pending := range room.pending {
		if pending.PeerID != requesterPeerID {
			continue
		}
		room.pending = append(room.pending[:i], room.pending[i+1:]...)
		if approved {
			room.participants[pending.PeerID] = &Participant{
				PeerID:        pending.PeerID,
				Name:          pending.Name,
				WalletAddress: pending.WalletAddress,
				Live:          true,
			}
		}
		return *pending, nil
	}
	return JoinRequest{}, ErrRequestNotFound
}

// RemoveParticipant marks a participant as no longer live, used by kick
// and voluntary leave. The entry itself is retained for result
// attribution. Reports the participant and whether it was live; removing
// an absent or already-left peer is a no-op.
func (s *Store) RemoveParticipant(roomID, peerID string) (Participant, bool) {
	room, ok := s.get(roomID)
	if !ok {
		return Participant{}, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[peerID]
	if !ok || !p.Live {
		return Participant{}, false
	}
	p.Live = false
	return *p, true
}

// ReviveParticipant re-marks a previously admitted participant as live,
// used when a dropped peer re-enters with Join. Peers the room never
// admitted get ErrNotParticipant; admission always goes through the
// proctor's approval.
func (s *Store) ReviveParticipant(roomID, peerID string) error {
	room, ok := s.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[peerID]
	if !ok {
		return ErrNotParticipant
	}
	p.Live = true
	return nil
}

// Participant returns a participant entry, live or left.
func (s *Store) Participant(roomID, peerID string) (Participant, bool) {
	room, ok := s.get(roomID)
	if !ok {
		return Participant{}, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[peerID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// SetMediaState records a participant's announced audio/video state.
func (s *Store) SetMediaState(roomID, peerID string, hasVideo, hasAudio bool) error {
	room, ok := s.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[peerID]
	if !ok || !p.Live {
		return ErrNotParticipant
	}
	p.HasVideo = hasVideo
	p.HasAudio = hasAudio
	return nil
}

// Members returns the proctor plus every live participant: the set of
// peers a room-wide broadcast addresses.
func (s *Store) Members(roomID string) []string {
	room, ok := s.get(roomID)
	if !ok {
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	members := make([]string, 0, len(room.participants)+1)
	members = append(members, room.ProctorPeerID)
	for _, p := range room.participants {
		if p.Live {
			members = append(members, p.PeerID)
		}
	}
	return members
}

// PendingPeerIDs returns the peers still waiting on a decision, in
// request order.
func (s *Store) PendingPeerIDs(roomID string) []string {
	room, ok := s.get(roomID)
	if !ok {
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	ids := make([]string, 0, len(room.pending))
	for _, pending := range room.pending {
		ids = append(ids, pending.PeerID)
	}
	return ids
}

// EndRoom removes a room entirely and returns every peer that must be
// told: the proctor, all live participants, and anyone still pending.
// Operations arriving after this observe ErrRoomNotFound.
func (s *Store) EndRoom(roomID string) ([]string, error) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	delete(s.byProctor, room.ProctorPeerID)
	s.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	room.ended = true
	affected := make([]string, 0, len(room.participants)+len(room.pending)+1)
	affected = append(affected, room.ProctorPeerID)
	for _, p := range room.participants {
		if p.Live {
			affected = append(affected, p.PeerID)
		}
	}
	for _, pending := range room.pending {
		affected = append(affected, pending.PeerID)
	}
	room.pending = nil
	return affected, nil
}
