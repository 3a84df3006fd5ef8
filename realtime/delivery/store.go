package delivery

import "context"

// 消息持久化模型
type Message struct {
	MessageID      string
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Seq            int64
	Content        []byte
	PayloadHash    string
	Status         Status
	CreatedAtMS    int64
	UpdatedAtMS    int64
}

type Conversation struct {
	ConversationID string
	Participants   []string
	MaxSeq         int64
	CreatedAtMS    int64
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Store 抽象：生产实现 Mongo；内存实现见 store_mem.go（单测/单机）。
// 三条唯一约束支撑整个提交协议：
//   UNIQUE(message_id)
//   UNIQUE(sender, client_msg_id)
//   UNIQUE(conversation, seq)
type Store interface {
	EnsureConversation(ctx context.Context, convID string, participants []string) error
	GetConversation(ctx context.Context, convID string) (*Conversation, error)
	QueryMaxSeq(ctx context.Context, convID string) (int64, error)

	InsertMessage(ctx context.Context, m *Message) error
	FindByClientID(ctx context.Context, sender, clientMsgID string) (*Message, error)
	FindByID(ctx context.Context, messageID string) (*Message, error)

	// ListSince returns messages with seq > sinceSeq in ascending seq order,
	// capped at limit. The HTTP catch-up surface is built on this.
	ListSince(ctx context.Context, convID string, sinceSeq int64, limit int) ([]*Message, error)

	// UpdateStatus applies the transition only when CanAdvance allows it and
	// reports whether anything changed. Stale updates return (false, nil).
	UpdateStatus(ctx context.Context, messageID string, next Status, atMS int64) (bool, error)

	IsUniqueClientIDErr(err error) bool
	IsUniqueSeqErr(err error) bool
	IsUniqueMsgIDErr(err error) bool
	IsTransientErr(err error) bool
}
