package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the envelope payload type. The set is closed:
// DecodePayload rejects anything outside it, so adding a kind means
// extending both the constant list and the decode switch.
type Kind string

const (
	KindJoinRoom     Kind = "join_room"
	KindLeaveRoom    Kind = "leave_room"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICE          Kind = "ice"
	KindViewerJoined Kind = "viewer_joined"
	KindComment      Kind = "comment"
	KindReaction     Kind = "reaction"
	KindRoomEnded    Kind = "room_ended"
)

// Valid reports whether the kind is one of the known envelope kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindJoinRoom, KindLeaveRoom, KindOffer, KindAnswer, KindICE,
		KindViewerJoined, KindComment, KindReaction, KindRoomEnded:
		return true
	}
	return false
}

// Envelope is the unit of signaling traffic. It is transient: it exists
// only on the wire and is never persisted. To is optional; when set the
// channel still delivers to the whole room and receivers discard
// envelopes not addressed to them.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	RoomID  string          `json:"room_id"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// NewEnvelope creates an envelope with the payload marshalled and the
// current timestamp attached.
func NewEnvelope(kind Kind, roomID, from, to string, payload interface{}) (*Envelope, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown envelope kind %q", kind)
	}

	env := &Envelope{
		Kind:   kind,
		RoomID: roomID,
		From:   from,
		To:     to,
		SentAt: time.Now(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = data
	}

	return env, nil
}

// AddressedTo reports whether the envelope should be handled by the
// given participant. Envelopes without a To field are for everyone in
// the room except the sender.
func (e *Envelope) AddressedTo(participantID string) bool {
	if e.From == participantID {
		return false
	}
	return e.To == "" || e.To == participantID
}

// DecodePayload unmarshals the payload into the typed struct for the
// envelope's kind. The switch is exhaustive over the closed kind set.
func (e *Envelope) DecodePayload() (interface{}, error) {
	decode := func(v interface{}) (interface{}, error) {
		if len(e.Payload) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(e.Payload, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Kind, err)
		}
		return v, nil
	}

	switch e.Kind {
	case KindJoinRoom:
		return decode(&JoinRoomPayload{})
	case KindLeaveRoom:
		return decode(&LeaveRoomPayload{})
	case KindOffer:
		return decode(&SessionDescriptionPayload{})
	case KindAnswer:
		return decode(&SessionDescriptionPayload{})
	case KindICE:
		return decode(&ICECandidatePayload{})
	case KindViewerJoined:
		return decode(&ViewerJoinedPayload{})
	case KindComment:
		return decode(&CommentPayload{})
	case KindReaction:
		return decode(&ReactionPayload{})
	case KindRoomEnded:
		return decode(&RoomEndedPayload{})
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
}

// JoinRoomPayload announces a participant's intent to join.
type JoinRoomPayload struct {
	Participant Participant `json:"participant"`
}

// LeaveRoomPayload announces a participant leaving.
type LeaveRoomPayload struct {
	ParticipantID string `json:"participant_id"`
}

// SessionDescriptionPayload carries an SDP offer or answer.
type SessionDescriptionPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload carries one ICE candidate.
type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// ViewerJoinedPayload notifies existing members of a newcomer so they
// can initiate negotiation.
type ViewerJoinedPayload struct {
	Participant Participant `json:"participant"`
}

// CommentPayload is an ephemeral chat message.
type CommentPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
}

// ReactionAction enumerates reaction envelope actions.
type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionUpdated ReactionAction = "updated"
	ReactionRemoved ReactionAction = "removed"
)

// ReactionPayload is an ephemeral emoji reaction event.
type ReactionPayload struct {
	Action ReactionAction `json:"action"`
	Emoji  string         `json:"emoji"`
	UserID string         `json:"user_id"`
}

// RoomEndedPayload is the explicit terminal signal emitted when the
// host leaves, so peers do not have to infer termination from silence.
type RoomEndedPayload struct {
	Reason string `json:"reason"`
}
