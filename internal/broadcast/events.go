package broadcast

// Real-time event names delivered to clients.
const (
	EventJoinedRoomSuccess        = "joined-room-success"
	EventUserJoined               = "user-joined"
	EventUserLeft                 = "user-left"
	EventParticipantUpdate        = "participant-update"
	EventPreparationStatusUpdated = "preparation-status-updated"
	EventCharacterStatusUpdated   = "character-status-updated"
	EventAllUsersReady            = "all-users-ready"
	EventReadyStatusUpdate        = "ready-status-update"
	EventRecordingCountdownStart  = "recording-countdown-started"
	EventRecordingCountdown       = "recording-countdown"
	EventRecordingStarted         = "recording-started"
	EventRecordingStopped         = "recording-stopped"
	EventRoomDissolved            = "room-dissolved"
	EventOffer                    = "offer"
	EventAnswer                   = "answer"
	EventICECandidate             = "ice-candidate"
	EventChatMessage              = "chat-message"
	EventHighlightResult          = "highlight-result"
)

// ErrorEvent names the failure reply for a client command.
func ErrorEvent(command string) string {
	return command + "-error"
}

// SuccessEvent names the acknowledgement for a command whose effect is not
// otherwise visible to the caller.
func SuccessEvent(command string) string {
	return command + "-success"
}

type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type ErrorPayload struct {
	Reason    string `json:"reason"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable,omitempty"`
}
