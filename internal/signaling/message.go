package signaling

// Message type discriminators. Client-to-server types use the PascalCase
// names the browser client sends; server-to-client types that the client
// matches in lower case keep that casing. JoinRequest appears in both
// directions: inbound from the requesting student, outbound forwarded to
// the room's proctor.
const (
	// Client → Server
	TypeCreateRoom               = "CreateRoom"
	TypeJoinRequest              = "JoinRequest"
	TypeJoin                     = "Join"
	TypeJoinResponse             = "JoinResponse"
	TypeLeave                    = "Leave"
	TypeAnswer                   = "Answer"
	TypeIceCandidate             = "IceCandidate"
	TypeMediaReady               = "MediaReady"
	TypeKickParticipant          = "KickParticipant"
	TypeReportSuspiciousActivity = "ReportSuspiciousActivity"
	TypeSubmitExamResult         = "SubmitExamResult"
	TypeEndExam                  = "EndExam"

	// Server → Client
	TypeRoomCreated                = "RoomCreated"
	TypeOffer                      = "offer"
	TypeRenegotiate                = "renegotiate"
	TypeJoinRequestSent            = "join_request_sent"
	TypeJoinApproved               = "join_approved"
	TypeJoinDenied                 = "join_denied"
	TypeParticipantLeft            = "ParticipantLeft"
	TypeParticipantKicked          = "ParticipantKicked"
	TypeSuspiciousActivityReported = "SuspiciousActivityReported"
	TypeExamResultSubmitted        = "ExamResultSubmitted"
	TypeError                      = "error"
)

// Role identifies what a peer is allowed to do in a room.
type Role string

const (
	RoleProctor Role = "proctor"
	RoleStudent Role = "student"
)

// Message is the single wire envelope for all C2S and S2C websocket
// messages. Fields beyond Type are optional and populated per message
// type; omitempty keeps the encoded form down to the fields each type
// actually carries.
//
// Pointer fields distinguish "absent" from a meaningful zero value:
// a score of 0 is a valid submission, a missing score is not.
type Message struct {
	Type            string `json:"type"`
	RoomID          string `json:"room_id,omitempty"`
	PeerID          string `json:"peer_id,omitempty"`
	RequesterPeerID string `json:"requester_peer_id,omitempty"`
	Name            string `json:"name,omitempty"`
	Role            string `json:"role,omitempty"`
	WalletAddress   string `json:"wallet_address,omitempty"`
	Approved        bool   `json:"approved,omitempty"`

	// WebRTC session negotiation, relayed opaquely.
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`

	// Media state announcements.
	HasVideo *bool `json:"has_video,omitempty"`
	HasAudio *bool `json:"has_audio,omitempty"`

	// Moderation.
	Reason       string `json:"reason,omitempty"`
	ActivityType string `json:"activity_type,omitempty"`
	Details      string `json:"details,omitempty"`

	// Exam results. Grade is in basis points (10000 = 100.00%).
	Score    *float64 `json:"score,omitempty"`
	Total    *float64 `json:"total,omitempty"`
	ExamName string   `json:"exam_name,omitempty"`
	Grade    *int     `json:"grade,omitempty"`

	// Human-readable text for error and status messages.
	Message string `json:"message,omitempty"`
}
