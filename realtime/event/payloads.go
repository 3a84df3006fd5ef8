package event

// Typed payloads carried inside Envelope.Payload. The JSON tags are the
// wire contract with the UI layers.

type MessageSubmittedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Seq            int64  `json:"seq"`
	Content        string `json:"content"`
	CreatedAtMS    int64  `json:"created_at_ms"`
}

type MessageStatusChangedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	Status         string `json:"status"`
	ByUserID       string `json:"by_user_id,omitempty"`
}

type PresenceChangedPayload struct {
	UserID    string `json:"user_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	LastSeen  int64  `json:"last_seen_ms"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type ReactionCountChangedPayload struct {
	TopicID      string `json:"topic_id"`
	ReactionType string `json:"reaction_type"`
	Delta        int64  `json:"delta"`
	Total        int64  `json:"total"`
}

type NotificationPayload struct {
	NotificationID string         `json:"notification_id"`
	RecipientID    string         `json:"recipient_id"`
	Kind           string         `json:"kind"`
	Body           map[string]any `json:"body,omitempty"`
	Count          int            `json:"count"` // merged duplicates within the coalescing window
	CreatedAtMS    int64          `json:"created_at_ms"`
}

type ConnAckPayload struct {
	SessionID       string `json:"session_id"`
	GatewayID       string `json:"gateway_id"`
	HeartbeatMS     int64  `json:"heartbeat_interval_ms"`
	HeartbeatMisses int    `json:"heartbeat_miss_limit"`
}

type ErrorPayload struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}
