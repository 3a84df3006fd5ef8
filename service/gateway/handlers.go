package gateway

import (
	"context"
	"strings"

	"PulseIM/realtime/delivery"
	"PulseIM/realtime/event"
	"PulseIM/tools/errs"
)

// 上行帧的业务处理。鉴权已经在升级阶段完成，这里只做资源级校验
// （是不是会话成员、订的是不是自己的 user topic）。

func (s *Server) opHeartbeat(_ context.Context, sess *Session, _ ClientFrame) error {
	sess.Touch()
	s.deps.Presence.Heartbeat(sess.UserID)
	ack := event.New(event.TypeHeartbeatAck, event.UserTopic(sess.UserID), nil)
	sess.Enqueue(ack.Encode(), false)
	return nil
}

func (s *Server) opSubscribe(ctx context.Context, sess *Session, fr ClientFrame) error {
	d, err := decodeData[SubscribeData](fr)
	if err != nil {
		return err
	}
	if err := s.authorizeTopic(ctx, sess, d.TopicID); err != nil {
		return err
	}
	if sess.subscribed(d.TopicID) {
		return nil // 重复订阅幂等
	}
	sub := s.deps.Bus.Subscribe(d.TopicID, s.fanout.SinkFor(sess))
	sess.trackSub(d.TopicID, sub)
	return nil
}

func (s *Server) opUnsubscribe(_ context.Context, sess *Session, fr ClientFrame) error {
	d, err := decodeData[SubscribeData](fr)
	if err != nil {
		return err
	}
	sub := sess.untrackSub(d.TopicID)
	if sub == nil {
		return errs.ErrNotSubscribed.WrapMsg("unsubscribe", "topic", d.TopicID)
	}
	s.deps.Bus.Unsubscribe(sub)
	return nil
}

func (s *Server) opSend(ctx context.Context, sess *Session, fr ClientFrame) error {
	d, err := decodeData[SendData](fr)
	if err != nil {
		return err
	}
	if d.ClientMsgID == "" {
		return errs.New("missing client_msg_id")
	}
	msg, err := s.deps.Pipeline.Submit(ctx, d.ConversationID, sess.UserID, d.ClientMsgID, []byte(d.Content))
	if err != nil {
		return err
	}
	s.deps.Presence.Activity(sess.UserID, "send")

	// 直接回执给发送端：client_msg_id → message_id/seq 的映射。
	// 订阅了会话 topic 的端还会再收到一次广播，客户端按 message_id 去重。
	ack := event.New(event.TypeMessageSubmitted, event.ConversationTopic(msg.ConversationID), event.MessageSubmittedPayload{
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Seq:            msg.Seq,
		Content:        string(msg.Content),
		CreatedAtMS:    msg.CreatedAtMS,
	})
	ack.Seq = msg.Seq
	sess.Enqueue(ack.Encode(), true)
	return nil
}

func (s *Server) opAck(ctx context.Context, sess *Session, fr ClientFrame) error {
	d, err := decodeData[AckData](fr)
	if err != nil {
		return err
	}
	st := delivery.StatusFromString(d.Status)
	if st != delivery.StatusDelivered && st != delivery.StatusRead {
		return errs.New("ack status must be delivered or read", "got", d.Status)
	}
	return s.deps.Pipeline.MarkStatus(ctx, d.MessageID, st, sess.UserID)
}

func (s *Server) opTyping(ctx context.Context, sess *Session, fr ClientFrame) error {
	d, err := decodeData[TypingData](fr)
	if err != nil {
		return err
	}
	if err := s.mustParticipant(ctx, sess.UserID, d.ConversationID); err != nil {
		return err
	}
	if d.Typing {
		s.deps.Typing.NotifyTyping(d.ConversationID, sess.UserID)
		s.deps.Presence.Activity(sess.UserID, "typing")
	} else {
		s.deps.Typing.StopTyping(d.ConversationID, sess.UserID)
	}
	return nil
}

func (s *Server) opReact(_ context.Context, sess *Session, fr ClientFrame) error {
	d, err := decodeData[ReactData](fr)
	if err != nil {
		return err
	}
	if d.ContentID == "" || d.ReactionType == "" {
		return errs.New("missing content_id or reaction_type")
	}
	// delta 只取方向，幅度由 broadcaster 钳到一步
	s.deps.Broadcaster.React(d.ContentID, sess.UserID, d.ReactionType, d.Delta)
	s.deps.Presence.Activity(sess.UserID, "react")
	return nil
}

func (s *Server) opActivity(_ context.Context, sess *Session, fr ClientFrame) error {
	hint := ""
	if len(fr.Data) > 0 {
		if d, err := decodeData[ActivityData](fr); err == nil {
			hint = d.Hint
		}
	}
	s.deps.Presence.Activity(sess.UserID, hint)
	return nil
}

func (s *Server) opBusy(_ context.Context, sess *Session, fr ClientFrame) error {
	d, err := decodeData[BusyData](fr)
	if err != nil {
		return err
	}
	s.deps.Presence.SetBusy(sess.UserID, d.Busy)
	return nil
}

// authorizeTopic 订阅权限：会话 topic 要求成员身份，user topic 只能订自己，
// content topic（公开内容的反应计数）放开。
func (s *Server) authorizeTopic(ctx context.Context, sess *Session, topicID string) error {
	switch {
	case event.IsConversationTopic(topicID):
		convID := strings.TrimPrefix(topicID, "conv:")
		return s.mustParticipant(ctx, sess.UserID, convID)
	case event.IsUserTopic(topicID):
		if topicID != event.UserTopic(sess.UserID) {
			return errs.ErrNotParticipant.WrapMsg("subscribe", "topic", topicID)
		}
		return nil
	default:
		return nil
	}
}

func (s *Server) mustParticipant(ctx context.Context, userID, convID string) error {
	parts, err := s.deps.Pipeline.Participants(ctx, convID)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if p == userID {
			return nil
		}
	}
	return errs.ErrNotParticipant.WrapMsg("conversation", "id", convID, "user", userID)
}
