package signaling

import "context"

// ICECandidateInit is one network path proposal, relayed opaquely between
// a peer and the media relay.
type ICECandidateInit struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// MediaRelay is the signaling surface of the SFU. The handler never
// inspects SDP or candidate contents; it routes envelopes between a peer's
// websocket and the relay session keyed by peer ID.
//
// The production implementation lives in internal/sfu and is backed by
// pion; tests use an in-process fake.
type MediaRelay interface {
	// CreateSession opens (or replaces) the media session for a peer and
	// returns the session offer SDP to forward to that peer. The room ID
	// scopes track fan-out between the room's sessions.
	CreateSession(ctx context.Context, roomID, peerID string) (offerSDP string, err error)

	// HandleAnswer applies a peer's answer to its pending session offer.
	HandleAnswer(peerID, sdp string) error

	// AddICECandidate feeds a peer-supplied candidate into its session.
	AddICECandidate(peerID string, candidate ICECandidateInit) error

	// ClosePeer tears down a peer's session, detaching its tracks from the
	// rest of its room. Unknown peers are a no-op.
	ClosePeer(peerID string)

	// OnRenegotiate installs the callback invoked when the relay needs a
	// peer to redo its session description, e.g. after tracks were added
	// or removed. Must be set before any session is created.
	OnRenegotiate(fn func(peerID, offerSDP string))

	// OnICECandidate installs the callback for relay-side candidates that
	// must trickle down to a peer. Must be set before any session is
	// created.
	OnICECandidate(fn func(peerID string, candidate ICECandidateInit))
}
