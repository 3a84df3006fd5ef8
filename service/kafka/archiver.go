package kafka

import (
	"context"
	"encoding/json"

	"github.com/Shopify/sarama"

	"PulseIM/realtime/delivery"
	errs "PulseIM/tools/errs"
)

// Archiver 把已提交的消息写入归档 topic。Key=conversationID，配合
// hash partitioner 保证同会话消息在分区内有序。
type Archiver struct{}

var _ delivery.Archiver = Archiver{}

type archiveRecord struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Seq            int64  `json:"seq"`
	Content        []byte `json:"content"`
	CreatedAtMS    int64  `json:"created_at_ms"`
}

func (Archiver) Archive(ctx context.Context, m *delivery.Message) error {
	if asyncProd == nil {
		return errs.New("kafka not initialized")
	}
	raw, err := json.Marshal(archiveRecord{
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Content:        m.Content,
		CreatedAtMS:    m.CreatedAtMS,
	})
	if err != nil {
		return errs.Wrap(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: cfg.ArchiveTopic,
		Key:   sarama.StringEncoder(m.ConversationID),
		Value: sarama.ByteEncoder(raw),
	}
	select {
	case asyncProd.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
