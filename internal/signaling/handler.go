package signaling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openproctor/backend/internal/result"
)

// upstreamTimeout bounds calls to the media relay and the result sink so
// a stalled collaborator cannot wedge a connection goroutine.
const upstreamTimeout = 10 * time.Second

// Handler is the signaling dispatch state machine. Every inbound message
// is validated against room and peer state before anything mutates, and
// every failure is answered with an `error` message on a connection that
// stays open. Handler methods run on the sending peer's read goroutine;
// room state is serialized by the store's per-room locks.
type Handler struct {
	registry *Registry
	rooms    *Store
	relay    MediaRelay
	sink     result.Sink
	logger   *slog.Logger
}

// NewHandler wires the dispatch machine to its collaborators and installs
// the relay's downstream callbacks (renegotiation offers and trickled ICE
// candidates are pushed straight to the addressed peer).
func NewHandler(registry *Registry, rooms *Store, relay MediaRelay, sink result.Sink, logger *slog.Logger) *Handler {
	h := &Handler{
		registry: registry,
		rooms:    rooms,
		relay:    relay,
		sink:     sink,
		logger:   logger,
	}
	relay.OnRenegotiate(func(peerID, offerSDP string) {
		h.registry.Send(peerID, &Message{Type: TypeRenegotiate, SDP: offerSDP})
	})
	relay.OnICECandidate(func(peerID string, candidate ICECandidateInit) {
		h.registry.Send(peerID, &Message{
			Type:          TypeIceCandidate,
			PeerID:        peerID,
			Candidate:     candidate.Candidate,
			SDPMid:        candidate.SDPMid,
			SDPMLineIndex: candidate.SDPMLineIndex,
		})
	})
	return h
}

func (h *Handler) sendError(c *Client, text string) {
	c.trySend(&Message{Type: TypeError, Message: text})
}

// HandleMessage validates and dispatches one inbound message. Called from
// the sender's read pump, so one peer's messages are processed in arrival
// order.
func (h *Handler) HandleMessage(c *Client, msg *Message) {
	// A peer comes into existence on the first message that announces its
	// identity. Everything else requires an established identity.
	switch msg.Type {
	case TypeCreateRoom, TypeJoinRequest, TypeJoin:
		if msg.PeerID == "" {
			h.sendError(c, "peer_id is required")
			return
		}
		if c.PeerID == "" {
			c.PeerID = msg.PeerID
			h.registry.Register(c)
		} else if c.PeerID != msg.PeerID {
			h.sendError(c, "peer_id does not match this connection")
			return
		}
	default:
		if c.PeerID == "" {
			h.sendError(c, "unknown peer: send CreateRoom, JoinRequest, or Join first")
			return
		}
	}

	// A display name is supplied at create/join time and may be changed
	// once after that; a wallet address is immutable once set.
	if msg.Name != "" && msg.Name != c.Name {
		switch {
		case c.Name == "":
			c.Name = msg.Name
		case !c.nameUpdated:
			c.Name = msg.Name
			c.nameUpdated = true
		}
	}
	if msg.WalletAddress != "" && c.WalletAddress == "" {
		c.WalletAddress = msg.WalletAddress
	}

	switch msg.Type {
	case TypeCreateRoom:
		h.handleCreateRoom(c)
	case TypeJoinRequest:
		h.handleJoinRequest(c, msg)
	case TypeJoin:
		h.handleJoin(c, msg)
	case TypeJoinResponse:
		h.handleJoinResponse(c, msg)
	case TypeLeave:
		h.handleLeave(c)
	case TypeAnswer:
		h.handleAnswer(c, msg)
	case TypeIceCandidate:
		h.handleIceCandidate(c, msg)
	case TypeMediaReady:
		h.handleMediaReady(c, msg)
	case TypeKickParticipant:
		h.handleKickParticipant(c, msg)
	case TypeReportSuspiciousActivity:
		h.handleReport(c, msg)
	case TypeSubmitExamResult:
		h.handleSubmitExamResult(c, msg)
	case TypeEndExam:
		h.handleEndExam(c, msg)
	default:
		h.sendError(c, "unknown message type: "+msg.Type)
	}
}

func (h *Handler) handleCreateRoom(c *Client) {
	if c.Role == RoleStudent {
		h.sendError(c, "not authorized: students cannot create rooms")
		return
	}
	c.Role = RoleProctor

	roomID, err := h.rooms.CreateRoom(c.PeerID, c.Name)
	switch {
	case errors.Is(err, ErrRoomExists):
		h.sendError(c, "you already have an open room")
		return
	case errors.Is(err, ErrCodeSpaceExhausted):
		h.sendError(c, "server at capacity, try again later")
		return
	case err != nil:
		h.sendError(c, "failed to create room")
		h.logger.Error("room creation failed", "peer_id", c.PeerID, "error", err)
		return
	}
	c.RoomID = roomID

	h.logger.Info("room created", "room_id", roomID, "proctor", c.PeerID)
	c.trySend(&Message{Type: TypeRoomCreated, RoomID: roomID})

	// The proctor's media session starts with the room, so student tracks
	// have somewhere to land as soon as the first join is approved.
	h.openMediaSession(c.PeerID, roomID, c.PeerID)
}

// openMediaSession asks the relay for a session offer and forwards it to
// the target peer. Relay failures are reported to errTo without touching
// room state: signaling survives a broken media plane.
func (h *Handler) openMediaSession(peerID, roomID, errTo string) {
	ctx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
	defer cancel()

	offerSDP, err := h.relay.CreateSession(ctx, roomID, peerID)
	if err != nil {
		h.logger.Error("media session failed", "room_id", roomID, "peer_id", peerID, "error", err)
		h.registry.Send(errTo, &Message{Type: TypeError, Message: "failed to start media session"})
		return
	}
	h.registry.Send(peerID, &Message{Type: TypeOffer, SDP: offerSDP, PeerID: peerID})
}

func (h *Handler) handleJoinRequest(c *Client, msg *Message) {
	if msg.Role != "" && Role(msg.Role) != RoleStudent {
		h.sendError(c, "only students may request to join")
		return
	}
	c.Role = RoleStudent

	err := h.rooms.RequestJoin(msg.RoomID, JoinRequest{
		PeerID:        c.PeerID,
		Name:          msg.Name,
		WalletAddress: msg.WalletAddress,
	})
	switch {
	case errors.Is(err, ErrRoomNotFound):
		h.sendError(c, "room not found")
		return
	case errors.Is(err, ErrAlreadyParticipant):
		h.sendError(c, "you are already a participant of this room")
		return
	case err != nil:
		h.sendError(c, "failed to request join")
		return
	}
	c.RoomID = msg.RoomID

	c.trySend(&Message{Type: TypeJoinRequestSent, Message: "join request sent, waiting for proctor approval"})

	if proctorID, ok := h.rooms.Proctor(msg.RoomID); ok {
		h.registry.Send(proctorID, &Message{Type: TypeJoinRequest, PeerID: c.PeerID, Name: msg.Name})
	}
}

// handleJoin is the reconnect/renegotiation entry for a peer the room has
// already admitted, whether its previous connection is still live or
// already cleaned up after a transport drop. Initial admission goes
// through JoinRequest.
func (h *Handler) handleJoin(c *Client, msg *Message) {
	if msg.Role != "" && Role(msg.Role) != RoleStudent {
		h.sendError(c, "only students may join")
		return
	}

	if err := h.rooms.ReviveParticipant(msg.RoomID, c.PeerID); err != nil {
		h.sendError(c, "not a participant: send JoinRequest and wait for approval")
		return
	}
	c.Role = RoleStudent
	c.RoomID = msg.RoomID

	// Replace whatever media session the previous connection had.
	h.openMediaSession(c.PeerID, msg.RoomID, c.PeerID)
}

func (h *Handler) handleJoinResponse(c *Client, msg *Message) {
	if !h.authorizeProctor(c, msg.RoomID) {
		return
	}

	req, err := h.rooms.ResolveJoin(msg.RoomID, msg.RequesterPeerID, msg.Approved)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		h.sendError(c, "room not found")
		return
	case errors.Is(err, ErrRequestNotFound):
		h.sendError(c, "join request not found or already resolved")
		return
	case err != nil:
		h.sendError(c, "failed to resolve join request")
		return
	}

	if !msg.Approved {
		h.logger.Info("join denied", "room_id", msg.RoomID, "peer_id", req.PeerID)
		h.registry.Send(req.PeerID, &Message{
			Type:    TypeJoinDenied,
			RoomID:  msg.RoomID,
			Message: "the proctor denied your join request",
		})
		return
	}

	h.logger.Info("join approved", "room_id", msg.RoomID, "peer_id", req.PeerID)
	h.registry.Send(req.PeerID, &Message{
		Type:    TypeJoinApproved,
		RoomID:  msg.RoomID,
		Message: "join request approved",
	})

	// Session setup toward the newly admitted student.
	h.openMediaSession(req.PeerID, msg.RoomID, req.PeerID)
}

func (h *Handler) handleLeave(c *Client) {
	h.cleanupRoomState(c)
	h.registry.Unregister(c)
	c.closeSend()
}

func (h *Handler) handleAnswer(c *Client, msg *Message) {
	if msg.SDP == "" {
		h.sendError(c, "sdp is required")
		return
	}
	if err := h.relay.HandleAnswer(c.PeerID, msg.SDP); err != nil {
		h.logger.Warn("relay rejected answer", "peer_id", c.PeerID, "error", err)
		h.sendError(c, "media relay rejected answer")
	}
}

func (h *Handler) handleIceCandidate(c *Client, msg *Message) {
	if msg.Candidate == "" {
		h.sendError(c, "candidate is required")
		return
	}
	candidate := ICECandidateInit{
		Candidate:     msg.Candidate,
		SDPMid:        msg.SDPMid,
		SDPMLineIndex: msg.SDPMLineIndex,
	}
	if err := h.relay.AddICECandidate(c.PeerID, candidate); err != nil {
		h.logger.Warn("relay rejected candidate", "peer_id", c.PeerID, "error", err)
		h.sendError(c, "media relay rejected ice candidate")
	}
}

func (h *Handler) handleMediaReady(c *Client, msg *Message) {
	if msg.HasVideo == nil || msg.HasAudio == nil {
		h.sendError(c, "has_video and has_audio are required")
		return
	}
	if err := h.rooms.SetMediaState(c.RoomID, c.PeerID, *msg.HasVideo, *msg.HasAudio); err != nil {
		h.sendError(c, "not a live participant of any room")
		return
	}
	if proctorID, ok := h.rooms.Proctor(c.RoomID); ok {
		h.registry.Send(proctorID, &Message{
			Type:     TypeMediaReady,
			RoomID:   c.RoomID,
			PeerID:   c.PeerID,
			HasVideo: msg.HasVideo,
			HasAudio: msg.HasAudio,
		})
	}
}

func (h *Handler) handleKickParticipant(c *Client, msg *Message) {
	if !h.authorizeProctor(c, msg.RoomID) {
		return
	}

	p, wasLive := h.rooms.RemoveParticipant(msg.RoomID, msg.PeerID)
	if !wasLive {
		h.sendError(c, "participant not found")
		return
	}

	h.logger.Info("participant kicked", "room_id", msg.RoomID, "peer_id", msg.PeerID, "reason", msg.Reason)
	h.registry.Send(msg.PeerID, &Message{
		Type:   TypeParticipantKicked,
		RoomID: msg.RoomID,
		PeerID: msg.PeerID,
		Reason: msg.Reason,
	})
	h.registry.Broadcast(h.rooms.Members(msg.RoomID), &Message{
		Type:   TypeParticipantLeft,
		RoomID: msg.RoomID,
		PeerID: msg.PeerID,
		Name:   p.Name,
	}, "")
	h.relay.ClosePeer(msg.PeerID)
}

func (h *Handler) handleReport(c *Client, msg *Message) {
	if !h.authorizeProctor(c, msg.RoomID) {
		return
	}
	if msg.ActivityType == "" {
		h.sendError(c, "activity_type is required")
		return
	}
	if _, ok := h.rooms.Participant(msg.RoomID, msg.PeerID); !ok {
		h.sendError(c, "participant not found")
		return
	}

	// Reports are forwarded to whatever monitoring reads the structured
	// log stream; the room itself is untouched.
	h.logger.Warn("suspicious activity reported",
		"room_id", msg.RoomID,
		"peer_id", msg.PeerID,
		"activity_type", msg.ActivityType,
		"details", msg.Details,
	)
	c.trySend(&Message{
		Type:         TypeSuspiciousActivityReported,
		RoomID:       msg.RoomID,
		PeerID:       msg.PeerID,
		ActivityType: msg.ActivityType,
	})
}

func (h *Handler) handleSubmitExamResult(c *Client, msg *Message) {
	// Historical membership is enough: a submission racing a kick is
	// still attributed to the peer that sat the exam.
	if _, ok := h.rooms.Participant(msg.RoomID, c.PeerID); !ok {
		h.sendError(c, "not a participant of this room")
		return
	}
	if msg.Score == nil || msg.Total == nil {
		h.sendError(c, "score and total are required")
		return
	}

	grade, err := ComputeGrade(*msg.Score, *msg.Total)
	if err != nil {
		h.sendError(c, "invalid exam result: total must be positive")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
	defer cancel()
	resultID, err := h.sink.RecordResult(ctx, result.Submission{
		RoomID:   msg.RoomID,
		PeerID:   c.PeerID,
		Grade:    grade,
		ExamName: msg.ExamName,
	})
	if err != nil {
		h.logger.Error("result sink failed", "room_id", msg.RoomID, "peer_id", c.PeerID, "error", err)
		h.sendError(c, "failed to record exam result, please retry")
		return
	}

	h.logger.Info("exam result recorded",
		"room_id", msg.RoomID, "peer_id", c.PeerID, "grade", grade, "result_id", resultID)
	c.trySend(&Message{
		Type:   TypeExamResultSubmitted,
		RoomID: msg.RoomID,
		PeerID: c.PeerID,
		Grade:  &grade,
	})
}

func (h *Handler) handleEndExam(c *Client, msg *Message) {
	if !h.authorizeProctor(c, msg.RoomID) {
		return
	}
	h.endRoom(msg.RoomID, c.PeerID)
	c.RoomID = ""
}

// HandleDisconnect runs when a peer's transport goes away, from the read
// pump's defer: cleanup is synchronous with the disconnect, not swept up
// later. Transport loss is not an error to surface, just a lifecycle
// event.
//
// Room cleanup only runs when this connection is still the peer's
// current binding. A connection superseded by a reconnect under the same
// peer ID owns no room state anymore; tearing it down here would destroy
// the reconnected peer's session.
func (h *Handler) HandleDisconnect(c *Client) {
	if c.PeerID == "" {
		return // Never identified, nothing to clean up.
	}
	if h.registry.Unregister(c) {
		h.cleanupRoomState(c)
		h.logger.Debug("peer disconnected", "peer_id", c.PeerID)
	}
	c.closeSend()
}

// cleanupRoomState releases whatever room state a departing peer holds: a
// proctor takes the whole room down, a pending student cancels its
// request, a live participant leaves and the room is told.
func (h *Handler) cleanupRoomState(c *Client) {
	if c.RoomID == "" {
		return
	}

	if c.Role == RoleProctor {
		if roomID, ok := h.rooms.RoomOfProctor(c.PeerID); ok {
			h.endRoom(roomID, c.PeerID)
		}
		c.RoomID = ""
		return
	}

	if h.rooms.CancelJoinRequest(c.RoomID, c.PeerID) {
		c.RoomID = ""
		return
	}

	if p, wasLive := h.rooms.RemoveParticipant(c.RoomID, c.PeerID); wasLive {
		h.relay.ClosePeer(c.PeerID)
		h.registry.Broadcast(h.rooms.Members(c.RoomID), &Message{
			Type:   TypeParticipantLeft,
			RoomID: c.RoomID,
			PeerID: c.PeerID,
			Name:   p.Name,
		}, "")
	}
	c.RoomID = ""
}

// endRoom tears a room down: every member and pending requester is
// notified that the proctor is gone, students are disconnected, and all
// media sessions close. The proctor's own connection stays open so it can
// open a fresh room.
func (h *Handler) endRoom(roomID, proctorPeerID string) {
	affected, err := h.rooms.EndRoom(roomID)
	if err != nil {
		return // Already gone; racing teardown is fine.
	}

	h.logger.Info("room ended", "room_id", roomID, "proctor", proctorPeerID, "peers", len(affected))

	notice := &Message{Type: TypeParticipantLeft, RoomID: roomID, PeerID: proctorPeerID}
	for _, peerID := range affected {
		h.relay.ClosePeer(peerID)
		if peerID == proctorPeerID {
			continue
		}
		h.registry.Send(peerID, notice)
		if cl, ok := h.registry.Lookup(peerID); ok {
			h.registry.Unregister(cl)
			cl.closeSend()
		}
	}
}

// authorizeProctor checks that the room exists and the sender owns it.
// On failure the sender gets an error reply and nothing mutates.
func (h *Handler) authorizeProctor(c *Client, roomID string) bool {
	proctorID, ok := h.rooms.Proctor(roomID)
	if !ok {
		h.sendError(c, "room not found")
		return false
	}
	if proctorID != c.PeerID {
		h.sendError(c, "not authorized: only the room's proctor may do this")
		return false
	}
	return true
}
