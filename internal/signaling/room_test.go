package signaling

import (
	"errors"
	"sync"
	"testing"
)

func TestStore_CreateRoom(t *testing.T) {
	s := NewStore()
	roomID, err := s.CreateRoom("proctor-1", "Dr. Gray")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(roomID) != roomCodeLength {
		t.Errorf("room code %q, want %d digits", roomID, roomCodeLength)
	}
	for _, r := range roomID {
		if r < '0' || r > '9' {
			t.Errorf("room code %q contains non-digit %q", roomID, r)
		}
	}
	if proctor, ok := s.Proctor(roomID); !ok || proctor != "proctor-1" {
		t.Errorf("Proctor(%q) = %q, %v", roomID, proctor, ok)
	}
}

func TestStore_OneRoomPerProctor(t *testing.T) {
	s := NewStore()
	if _, err := s.CreateRoom("proctor-1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateRoom("proctor-1", ""); !errors.Is(err, ErrRoomExists) {
		t.Errorf("second CreateRoom = %v, want ErrRoomExists", err)
	}
}

func TestStore_RequestJoinUnknownRoom(t *testing.T) {
	s := NewStore()
	err := s.RequestJoin("000000", JoinRequest{PeerID: "student-1"})
	if !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("RequestJoin = %v, want ErrRoomNotFound", err)
	}
}

func TestStore_DuplicateJoinRequestIsIdempotent(t *testing.T) {
	s := NewStore()
	roomID, _ := s.CreateRoom("proctor-1", "")

	if err := s.RequestJoin(roomID, JoinRequest{PeerID: "student-1", Name: "Ann"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RequestJoin(roomID, JoinRequest{PeerID: "student-1", Name: "Anne"}); err != nil {
		t.Fatal(err)
	}

	if pending := s.PendingPeerIDs(roomID); len(pending) != 1 {
		t.Fatalf("pending = %v, want exactly one entry", pending)
	}
	// The stored name was replaced, not duplicated.
	req, err := s.ResolveJoin(roomID, "student-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if req.Name != "Anne" {
		t.Errorf("resolved name %q, want the refreshed %q", req.Name, "Anne")
	}
}

func TestStore_PendingAndParticipantsAreDisjoint(t *testing.T) {
	s := NewStore()
	roomID, _ := s.CreateRoom("proctor-1", "")

	s.RequestJoin(roomID, JoinRequest{PeerID: "student-1", Name: "Ann"})
	if _, err := s.ResolveJoin(roomID, "student-1", true); err != nil {
		t.Fatal(err)
	}

	if pending := s.PendingPeerIDs(roomID); len(pending) != 0 {
		t.Errorf("pending after approval = %v, want empty", pending)
	}
	if p, ok := s.Participant(roomID, "student-1"); !ok || !p.Live {
		t.Errorf("participant after approval = %+v, %v", p, ok)
	}

	// An admitted participant cannot re-enter the pending queue.
	err := s.RequestJoin(roomID, JoinRequest{PeerID: "student-1"})
	if !errors.Is(err, ErrAlreadyParticipant) {
		t.Errorf("RequestJoin for participant = %v, want ErrAlreadyParticipant", err)
	}
}

func TestStore_ResolveJoinTwice(t *testing.T) {
	s := NewStore()
	roomID, _ := s.CreateRoom("proctor-1", "")
	s.RequestJoin(roomID, JoinRequest{PeerID: "student-1"})

	if _, err := s.ResolveJoin(roomID, "student-1", true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveJoin(roomID, "student-1", true); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("second resolve = %v, want ErrRequestNotFound", err)
	}
}

func TestStore_RacingResolvesLinearize(t *testing.T) {
	s := NewStore()
	roomID, _ := s.CreateRoom("proctor-1", "")
	s.RequestJoin(roomID, JoinRequest{PeerID: "student-1"})

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ResolveJoin(roomID, "student-1", true)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrRequestNotFound) {
			t.Errorf("unexpected resolve error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d resolves succeeded, want exactly 1", succeeded)
	}
}

func TestStore_DenyLeavesNoParticipant(t *testing.T) {
	s := NewStore()
	roomID, _ := s.CreateRoom("proctor-1", "")
	s.RequestJoin(roomID, JoinRequest{PeerID: "student-1"})

	if _, err := s.ResolveJoin(roomID, "student-1", false); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Participant(roomID, "student-1"); ok {
		t.Error("denied requester must not become a participant")
	}
	if pending := s.PendingPeerIDs(roomID); len(pending) != 0 {
		t.Errorf("pending after denial = %v, want empty", pending)
	}
}

func TestStore_RemoveParticipantKeepsHistory(t *testing.T) {
	s := NewStore()
	roomID, _ := s.CreateRoom("proctor-1", "")
	s.RequestJoin(roomID, JoinRequest{PeerID: "student-1", Name: "Ann"})
	s.ResolveJoin(roomID, "student-1", true)

	p, wasLive := s.RemoveParticipant(roomID, "student-1")
	if !wasLive || p.Name != "Ann" {
		t.Fatalf("RemoveParticipant = %+v, %v", p, wasLive)
	}
	if _, wasLive := s.RemoveParticipant(roomID, "student-1"); wasLive {
		t.Error("second removal should be a no-op")
	}
	// The entry survives for result attribution.
	if p, ok := s.Participant(roomID, "student-1"); !ok || p.Live {
		t.Errorf("historical participant = %+v, %v; want present and not live", p, ok)
	}
	if _, wasLive := s.RemoveParticipant(roomID, "student-9"); wasLive {
		t.Error("removing an unknown peer should be a no-op")
	}
}

func TestStore_ReviveParticipant(t *testing.T) {
	s := NewStore()
	roomID, _ := s.CreateRoom("proctor-1", "")
	s.RequestJoin(roomID, JoinRequest{PeerID: "student-1", Name: "Ann"})
	s.ResolveJoin(roomID, "student-1", true)
	s.RemoveParticipant(roomID, "student-1")

	if err := s.ReviveParticipant(roomID, "student-1"); err != nil {
		t.Fatalf("ReviveParticipant: %v", err)
	}
	if p, ok := s.Participant(roomID, "student-1"); !ok || !p.Live {
		t.Errorf("revived participant = %+v, %v; want live", p, ok)
	}
	// Admission still goes through the proctor: never-admitted peers
	// cannot be revived into the room.
	if err := s.ReviveParticipant(roomID, "student-9"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("ReviveParticipant(unknown peer) = %v, want ErrNotParticipant", err)
	}
	if err := s.ReviveParticipant("000000", "student-1"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("ReviveParticipant(unknown room) = %v, want ErrRoomNotFound", err)
	}
}

func TestStore_Members(t *testing.T) {
	s := NewStore()
	roomID, _ := s.CreateRoom("proctor-1", "")
	s.RequestJoin(roomID, JoinRequest{PeerID: "student-1"})
	s.ResolveJoin(roomID, "student-1", true)
	s.RequestJoin(roomID, JoinRequest{PeerID: "student-2"})
	s.ResolveJoin(roomID, "student-2", true)
	s.RemoveParticipant(roomID, "student-2")

	members := s.Members(roomID)
	want := map[string]bool{"proctor-1": true, "student-1": true}
	if len(members) != len(want) {
		t.Fatalf("members = %v, want proctor and live participants only", members)
	}
	for _, id := range members {
		if !want[id] {
			t.Errorf("unexpected member %q", id)
		}
	}
}

func TestStore_EndRoom(t *testing.T) {
	s := NewStore()
	roomID, _ := s.CreateRoom("proctor-1", "")
	s.RequestJoin(roomID, JoinRequest{PeerID: "student-1"})
	s.ResolveJoin(roomID, "student-1", true)
	s.RequestJoin(roomID, JoinRequest{PeerID: "student-2"}) // still pending

	affected, err := s.EndRoom(roomID)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, id := range affected {
		got[id] = true
	}
	for _, id := range []string{"proctor-1", "student-1", "student-2"} {
		if !got[id] {
			t.Errorf("affected set %v missing %q", affected, id)
		}
	}

	if _, ok := s.Proctor(roomID); ok {
		t.Error("room still resolvable after EndRoom")
	}
	if _, err := s.EndRoom(roomID); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("second EndRoom = %v, want ErrRoomNotFound", err)
	}
	// The proctor is free to open a new room.
	if _, err := s.CreateRoom("proctor-1", ""); err != nil {
		t.Errorf("CreateRoom after EndRoom: %v", err)
	}
}

func TestStore_CancelJoinRequest(t *testing.T) {
	s := NewStore()
	roomID, _ := s.CreateRoom("proctor-1", "")
	s.RequestJoin(roomID, JoinRequest{PeerID: "student-1"})

	if !s.CancelJoinRequest(roomID, "student-1") {
		t.Fatal("cancel of pending request should report true")
	}
	if s.CancelJoinRequest(roomID, "student-1") {
		t.Error("second cancel should report false")
	}
	if _, err := s.ResolveJoin(roomID, "student-1", true); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("resolve after cancel = %v, want ErrRequestNotFound", err)
	}
}
