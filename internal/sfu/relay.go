// Package sfu is the production media relay: a small selective forwarding
// unit on pion/webrtc. Each peer gets one PeerConnection; RTP from a
// peer's published tracks is fanned out to every other session in the
// same room, and topology changes push renegotiation offers back through
// the signaling layer.
package sfu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"

	"github.com/openproctor/backend/internal/signaling"
)

// ICEServer is one STUN/TURN entry for NAT traversal.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config holds the relay's deployment parameters.
type Config struct {
	ICEServers []ICEServer

	// UDPPortMin/UDPPortMax restrict ICE to a port range, for deployments
	// behind a firewall. Zero means unrestricted.
	UDPPortMin uint16
	UDPPortMax uint16

	// PublicIP, when set and no ICE servers are configured, is advertised
	// as a NAT 1:1 host candidate.
	PublicIP string
}

// Relay implements signaling.MediaRelay on pion.
type Relay struct {
	api       *webrtc.API
	rtcConfig webrtc.Configuration
	logger    *slog.Logger

	// mu guards the session and room topology maps, including each
	// session's published/senders bookkeeping.
	mu       sync.Mutex
	sessions map[string]*session
	rooms    map[string]map[string]*session

	onRenegotiate  func(peerID, offerSDP string)
	onICECandidate func(peerID string, candidate signaling.ICECandidateInit)
}

type session struct {
	roomID string
	peerID string
	pc     *webrtc.PeerConnection

	// negMu serializes answer application and candidate buffering.
	negMu     sync.Mutex
	remoteSet bool
	buffered  []webrtc.ICECandidateInit

	// published maps track key → the local track mirroring a track this
	// peer sources. senders maps track key → the RTPSender forwarding
	// someone else's track to this peer. Both guarded by Relay.mu.
	published map[string]*webrtc.TrackLocalStaticRTP
	senders   map[string]*webrtc.RTPSender
}

// New builds the relay's webrtc API: default codecs and interceptors plus
// a PLI interceptor so video recovers after loss, with the configured
// port range and host candidate settings.
func New(cfg Config, logger *slog.Logger) (*Relay, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create PLI interceptor: %w", err)
	}
	interceptorRegistry.Add(pliFactory)

	se := webrtc.SettingEngine{}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set UDP port range: %w", err)
		}
	}
	if len(cfg.ICEServers) == 0 && cfg.PublicIP != "" {
		se.SetNAT1To1IPs([]string{cfg.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	rtcConfig := webrtc.Configuration{}
	for _, s := range cfg.ICEServers {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return &Relay{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		rtcConfig: rtcConfig,
		logger:    logger,
		sessions:  make(map[string]*session),
		rooms:     make(map[string]map[string]*session),
	}, nil
}

// OnRenegotiate implements signaling.MediaRelay.
func (r *Relay) OnRenegotiate(fn func(peerID, offerSDP string)) {
	r.onRenegotiate = fn
}

// OnICECandidate implements signaling.MediaRelay.
func (r *Relay) OnICECandidate(fn func(peerID string, candidate signaling.ICECandidateInit)) {
	r.onICECandidate = fn
}

// CreateSession implements signaling.MediaRelay. An existing session for
// the peer is replaced: reconnecting peers bring a fresh PeerConnection.
func (r *Relay) CreateSession(ctx context.Context, roomID, peerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.ClosePeer(peerID)

	pc, err := r.api.NewPeerConnection(r.rtcConfig)
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	// The server is the offerer; recvonly transceivers invite the peer to
	// publish its camera and microphone in the answer.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return "", fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	s := &session{
		roomID:    roomID,
		peerID:    peerID,
		pc:        pc,
		published: make(map[string]*webrtc.TrackLocalStaticRTP),
		senders:   make(map[string]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || r.onICECandidate == nil {
			return
		}
		init := c.ToJSON()
		r.onICECandidate(peerID, signaling.ICECandidateInit{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.forwardTrack(s, remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			r.logger.Debug("peer connection gone", "peer_id", peerID, "state", state.String())
			r.closeSession(s)
		}
	})

	// Join the room topology and pick up tracks the rest of the room is
	// already publishing.
	r.mu.Lock()
	r.sessions[peerID] = s
	roomSessions, ok := r.rooms[roomID]
	if !ok {
		roomSessions = make(map[string]*session)
		r.rooms[roomID] = roomSessions
	}
	roomSessions[peerID] = s
	type existing struct {
		key   string
		track *webrtc.TrackLocalStaticRTP
	}
	var inherited []existing
	for _, other := range roomSessions {
		if other == s {
			continue
		}
		for key, track := range other.published {
			inherited = append(inherited, existing{key, track})
		}
	}
	r.mu.Unlock()

	for _, e := range inherited {
		if err := r.attach(s, e.key, e.track); err != nil {
			r.logger.Warn("failed to attach existing track", "peer_id", peerID, "track", e.key, "error", err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		r.closeSession(s)
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		r.closeSession(s)
		return "", fmt.Errorf("set local description: %w", err)
	}

	r.logger.Info("media session created", "room_id", roomID, "peer_id", peerID)
	return offer.SDP, nil
}

// HandleAnswer implements signaling.MediaRelay.
func (r *Relay) HandleAnswer(peerID, sdp string) error {
	s := r.lookup(peerID)
	if s == nil {
		return fmt.Errorf("no media session for peer %s", peerID)
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.remoteSet = true
	for _, candidate := range s.buffered {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			r.logger.Warn("buffered candidate rejected", "peer_id", peerID, "error", err)
		}
	}
	s.buffered = nil
	return nil
}

// AddICECandidate implements signaling.MediaRelay. Candidates arriving
// before the peer's answer are buffered and applied once the remote
// description lands.
func (r *Relay) AddICECandidate(peerID string, candidate signaling.ICECandidateInit) error {
	s := r.lookup(peerID)
	if s == nil {
		return fmt.Errorf("no media session for peer %s", peerID)
	}

	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()
	if !s.remoteSet {
		s.buffered = append(s.buffered, init)
		return nil
	}
	return s.pc.AddICECandidate(init)
}

// ClosePeer implements signaling.MediaRelay.
func (r *Relay) ClosePeer(peerID string) {
	if s := r.lookup(peerID); s != nil {
		r.closeSession(s)
	}
}

func (r *Relay) lookup(peerID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[peerID]
}

// closeSession removes a session from the topology and closes its
// PeerConnection. Detaching the session's published tracks from the rest
// of the room happens in the forwarding loops, which exit once the
// connection closes. Idempotent: a session already removed is a no-op.
func (r *Relay) closeSession(s *session) {
	r.mu.Lock()
	if r.sessions[s.peerID] != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.peerID)
	if roomSessions, ok := r.rooms[s.roomID]; ok {
		delete(roomSessions, s.peerID)
		if len(roomSessions) == 0 {
			delete(r.rooms, s.roomID)
		}
	}
	r.mu.Unlock()

	s.pc.Close()
	r.logger.Debug("media session closed", "room_id", s.roomID, "peer_id", s.peerID)
}

// forwardTrack mirrors one incoming track onto a local RTP track, hands
// that to every other session in the room, and pumps packets until the
// source dries up. Runs on the goroutine pion dedicates to OnTrack.
func (r *Relay) forwardTrack(src *session, remote *webrtc.TrackRemote) {
	key := src.peerID + ":" + remote.ID()
	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, key, src.peerID)
	if err != nil {
		r.logger.Error("failed to create forwarding track", "track", key, "error", err)
		return
	}

	r.mu.Lock()
	src.published[key] = local
	var targets []*session
	for _, other := range r.rooms[src.roomID] {
		if other != src {
			targets = append(targets, other)
		}
	}
	r.mu.Unlock()

	for _, target := range targets {
		if err := r.attach(target, key, local); err != nil {
			r.logger.Warn("track fanout failed", "track", key, "to", target.peerID, "error", err)
		}
	}

	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			break
		}
		if err := local.WriteRTP(packet); err != nil {
			break
		}
	}

	// Source is gone: drop the track everywhere and renegotiate.
	r.mu.Lock()
	delete(src.published, key)
	var detach []*session
	for _, other := range r.rooms[src.roomID] {
		if _, ok := other.senders[key]; ok {
			detach = append(detach, other)
		}
	}
	r.mu.Unlock()

	for _, target := range detach {
		r.mu.Lock()
		sender := target.senders[key]
		delete(target.senders, key)
		r.mu.Unlock()
		if sender != nil {
			if err := target.pc.RemoveTrack(sender); err == nil {
				r.renegotiate(target)
			}
		}
	}
}

// attach adds a forwarded track to a target session and pushes a
// renegotiation offer so the target's client picks it up.
func (r *Relay) attach(target *session, key string, track *webrtc.TrackLocalStaticRTP) error {
	sender, err := target.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	// Drain RTCP so the interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	r.mu.Lock()
	target.senders[key] = sender
	r.mu.Unlock()

	r.renegotiate(target)
	return nil
}

// renegotiate creates a fresh offer for a session whose track set changed
// and pushes it to the signaling layer.
func (r *Relay) renegotiate(target *session) {
	offer, err := target.pc.CreateOffer(nil)
	if err != nil {
		r.logger.Warn("renegotiation offer failed", "peer_id", target.peerID, "error", err)
		return
	}
	if err := target.pc.SetLocalDescription(offer); err != nil {
		r.logger.Warn("renegotiation local description failed", "peer_id", target.peerID, "error", err)
		return
	}

	target.negMu.Lock()
	target.remoteSet = false
	target.negMu.Unlock()

	if r.onRenegotiate != nil {
		r.onRenegotiate(target.peerID, offer.SDP)
	}
}
