package event

import (
	"encoding/json"
	"strings"
	"time"
)

// EnvelopeVersion is the wire version clients negotiate against.
const EnvelopeVersion = 1

// Type is the closed set of event kinds the core emits. Consumers switch
// over this exhaustively; an unknown type is a protocol error, not a silent
// skip.
type Type int

const (
	TypeUnknown Type = iota
	TypeMessageSubmitted
	TypeMessageStatusChanged
	TypePresenceChanged
	TypeTypingStarted
	TypeTypingStopped
	TypeReactionCountChanged
	TypeNotificationDelivered
	// gateway control frames
	TypeConnAck
	TypeHeartbeatAck
	TypeError
)

var typeNames = map[Type]string{
	TypeMessageSubmitted:      "message_submitted",
	TypeMessageStatusChanged:  "message_status_changed",
	TypePresenceChanged:       "presence_changed",
	TypeTypingStarted:         "typing_started",
	TypeTypingStopped:         "typing_stopped",
	TypeReactionCountChanged:  "reaction_count_changed",
	TypeNotificationDelivered: "notification_delivered",
	TypeConnAck:               "conn_ack",
	TypeHeartbeatAck:          "heartbeat_ack",
	TypeError:                 "error",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

func TypeFromString(s string) Type {
	for t, name := range typeNames {
		if name == s {
			return t
		}
	}
	return TypeUnknown
}

func (t Type) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = TypeFromString(s)
	return nil
}

// Class 决定背压时的取舍：Ephemeral 可丢（typing/presence/reaction），
// Critical 不可丢（消息投递链路）。
type Class int

const (
	ClassEphemeral Class = iota
	ClassCritical
)

func (t Type) Class() Class {
	switch t {
	case TypeMessageSubmitted, TypeMessageStatusChanged, TypeNotificationDelivered:
		return ClassCritical
	default:
		return ClassEphemeral
	}
}

// Envelope is the versioned wire unit: {v, type, topic_id, seq, payload, ts}.
// Seq is assigned by the bus per topic; clients use it to detect gaps and
// request replay through the HTTP backlog surface.
type Envelope struct {
	V       int             `json:"v"`
	Type    Type            `json:"type"`
	TopicID string          `json:"topic_id"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"`
}

// New builds an envelope with the payload marshalled in place. Seq stays 0
// until the bus stamps it at publish time.
func New(t Type, topicID string, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{
		V:       EnvelopeVersion,
		Type:    t,
		TopicID: topicID,
		Payload: raw,
		Ts:      time.Now().UnixMilli(),
	}
}

func (e Envelope) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(raw, &e)
	return e, err
}

// ---- topic id helpers ----
// 统一的路由键：conv:<id> / user:<id> / content:<id>

const (
	topicConvPrefix    = "conv:"
	topicUserPrefix    = "user:"
	topicContentPrefix = "content:"
)

func ConversationTopic(convID string) string { return topicConvPrefix + convID }
func UserTopic(userID string) string         { return topicUserPrefix + userID }
func ContentTopic(contentID string) string   { return topicContentPrefix + contentID }

func IsConversationTopic(topicID string) bool { return strings.HasPrefix(topicID, topicConvPrefix) }
func IsUserTopic(topicID string) bool         { return strings.HasPrefix(topicID, topicUserPrefix) }
