package delivery

import (
	"context"
	"sync"
	"time"

	"PulseIM/logger"
	"PulseIM/realtime/bus"
	"PulseIM/realtime/event"
	errs "PulseIM/tools/errs"
	"PulseIM/tools/ids"
	"PulseIM/tools/safe"
)

// Archiver streams committed messages to cold storage (kafka outbox).
// 尽力而为：归档失败不影响在线投递。
type Archiver interface {
	Archive(ctx context.Context, m *Message) error
}

type Config struct {
	QueueSize int              // 每个会话的提交队列长度
	Clock     func() time.Time // 可注入时钟
}

func (c *Config) norm() {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Pipeline owns the message commit protocol. All submits for one
// conversation funnel through that conversation's worker goroutine, which
// is the single point where seqs are attached — submits race up to the
// worker's queue and are totally ordered from there on.
type Pipeline struct {
	store    Store
	seq      SeqAllocator
	idx      ClientMsgIndex
	bus      *bus.Bus
	archiver Archiver // 可为 nil
	conf     Config

	mu      sync.Mutex
	workers map[string]chan submitReq
	stLks   map[string]*sync.Mutex // 每会话一把状态锁，CAS 与发事件同锁
	closed  bool

	wg sync.WaitGroup
}

type submitReq struct {
	ctx         context.Context
	senderID    string
	clientMsgID string
	content     []byte
	reply       chan submitRes
}

type submitRes struct {
	msg *Message
	err error
}

func NewPipeline(conf Config, store Store, seq SeqAllocator, idx ClientMsgIndex, b *bus.Bus, archiver Archiver) *Pipeline {
	conf.norm()
	safe.MustNotNil(store, "delivery store")
	safe.MustNotNil(seq, "seq allocator")
	safe.MustNotNil(idx, "client msg index")
	return &Pipeline{
		store:    store,
		seq:      seq,
		idx:      idx,
		bus:      b,
		archiver: archiver,
		conf:     conf,
		workers:  make(map[string]chan submitReq),
		stLks:    make(map[string]*sync.Mutex),
	}
}

// Close waits for in-flight submits to drain.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.workers {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit commits one message. Duplicate clientMsgIDs return the original
// message and publish nothing; a duplicate ID carrying different content is
// rejected outright.
func (p *Pipeline) Submit(ctx context.Context, convID, senderID, clientMsgID string, content []byte) (*Message, error) {
	conv, err := p.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, errs.ErrConversationNotFound.WrapMsg("conversation missing", "id", convID)
	}
	if !conv.HasParticipant(senderID) {
		return nil, errs.ErrNotParticipant.WrapMsg("sender not in conversation", "id", convID, "sender", senderID)
	}

	ch, err := p.workerFor(convID)
	if err != nil {
		return nil, err
	}
	req := submitReq{ctx: ctx, senderID: senderID, clientMsgID: clientMsgID, content: content, reply: make(chan submitRes, 1)}
	select {
	case ch <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) workerFor(convID string) (chan submitReq, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errs.New("pipeline closed")
	}
	ch, ok := p.workers[convID]
	if !ok {
		ch = make(chan submitReq, p.conf.QueueSize)
		p.workers[convID] = ch
		p.wg.Add(1)
		go p.runWorker(convID, ch)
	}
	return ch, nil
}

func (p *Pipeline) runWorker(convID string, ch chan submitReq) {
	defer p.wg.Done()
	for req := range ch {
		msg, err := p.commit(req.ctx, convID, req)
		req.reply <- submitRes{msg: msg, err: err}
	}
}

// commit：占位→seq→落库→冲突矫正→提交→发事件。改编自经典的
// “幂等索引 + 唯一约束 + 只升不降矫正”三件套。
func (p *Pipeline) commit(ctx context.Context, convID string, req submitReq) (*Message, error) {
	ph := HashPayload(req.content)
	msgID := ids.GenerateString()

	// 1) 幂等占位
	entry, existed, err := p.idx.Ensure(ctx, req.senderID, req.clientMsgID, ph, msgID)
	if err != nil {
		return nil, err
	}
	if existed {
		if entry.PayloadHash != ph {
			return nil, errs.ErrDuplicatePayload.WrapMsg("client_msg_id reused with different content",
				"sender", req.senderID, "client_msg_id", req.clientMsgID)
		}
		// 已提交或 PENDING 补查：都以 DB 为准，命中即原样返回，不再发事件
		if prev, e := p.store.FindByClientID(ctx, req.senderID, req.clientMsgID); e == nil && prev != nil {
			_ = p.idx.MarkCommitted(ctx, req.senderID, req.clientMsgID, prev.MessageID)
			return prev, nil
		}
		if entry.MessageID != "" {
			msgID = entry.MessageID
		}
	}

	// 2) 分配 seq（首条自动从 DB 续号）
	seq, err := p.seq.Next(ctx, convID)
	if err != nil {
		_ = p.idx.RollbackShortTTL(ctx, req.senderID, req.clientMsgID)
		return nil, err
	}

	now := p.conf.Clock().UnixMilli()
	msg := &Message{
		MessageID:      msgID,
		ConversationID: convID,
		SenderID:       req.senderID,
		ClientMsgID:    req.clientMsgID,
		Seq:            seq,
		Content:        req.content,
		PayloadHash:    ph,
		Status:         StatusSent, // 落库成功即 Sent
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
	}

	// 3) 落库 + 冲突处理
	const maxRetry = 3
	backoff := 50 * time.Millisecond
	for i := 0; i <= maxRetry; i++ {
		err = p.store.InsertMessage(ctx, msg)
		if err == nil {
			_ = p.idx.MarkCommitted(ctx, req.senderID, req.clientMsgID, msg.MessageID)
			p.publishSubmitted(msg)
			p.archive(msg)
			return msg, nil
		}

		// clientMsgID 唯一冲突：并发重复，命中即幂等返回
		if p.store.IsUniqueClientIDErr(err) {
			if prev, e := p.store.FindByClientID(ctx, req.senderID, req.clientMsgID); e == nil && prev != nil {
				_ = p.idx.MarkCommitted(ctx, req.senderID, req.clientMsgID, prev.MessageID)
				return prev, nil
			}
		}
		// message_id 撞号：换号重试
		if p.store.IsUniqueMsgIDErr(err) {
			msg.MessageID = ids.GenerateString()
			continue
		}
		// seq 唯一冲突：redis 落后于 DB，矫正到 dbMax 后取新号
		if p.store.IsUniqueSeqErr(err) {
			if dbMax, e := p.store.QueryMaxSeq(ctx, convID); e == nil {
				if newSeq, e2 := p.seq.ReconcileAndNext(ctx, convID, dbMax); e2 == nil {
					msg.Seq = newSeq
					continue
				}
			}
		}
		// 瞬时错误：退避重试
		if p.store.IsTransientErr(err) && i < maxRetry {
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		break
	}

	_ = p.idx.RollbackShortTTL(ctx, req.senderID, req.clientMsgID)
	return nil, errs.Wrap(err)
}

// MarkStatus advances the message's delivery state. Stale or backward
// transitions are swallowed without an event; only a real advance publishes
// message_status_changed. Delivered/Read 是回执语义：只接受来自会话内
// 非发送方的用户。
func (p *Pipeline) MarkStatus(ctx context.Context, messageID string, next Status, byUserID string) error {
	msg, err := p.store.FindByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return errs.ErrMessageNotFound.WrapMsg("message missing", "id", messageID)
	}
	if next == StatusDelivered || next == StatusRead {
		conv, err := p.store.GetConversation(ctx, msg.ConversationID)
		if err != nil {
			return err
		}
		if conv == nil {
			return errs.ErrConversationNotFound.WrapMsg("conversation missing", "id", msg.ConversationID)
		}
		if !conv.HasParticipant(byUserID) {
			return errs.ErrNotParticipant.WrapMsg("receipt outside conversation",
				"id", msg.ConversationID, "user", byUserID)
		}
		if byUserID == msg.SenderID {
			return errs.ErrNotParticipant.WrapMsg("sender cannot receipt own message",
				"message_id", messageID, "user", byUserID)
		}
	}

	// CAS 和发事件在同一把会话锁里：并发回执各自成功时，
	// 订阅端看到的状态事件与库里的推进顺序一致。
	lk := p.statusLock(msg.ConversationID)
	lk.Lock()
	defer lk.Unlock()

	changed, err := p.store.UpdateStatus(ctx, messageID, next, p.conf.Clock().UnixMilli())
	if err != nil {
		return err
	}
	if !changed {
		return nil // 迟到/回退的状态更新：静默忽略
	}
	topicID := event.ConversationTopic(msg.ConversationID)
	ev := event.New(event.TypeMessageStatusChanged, topicID, event.MessageStatusChangedPayload{
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Status:         next.String(),
		ByUserID:       byUserID,
	})
	if p.bus != nil {
		if _, err := p.bus.Publish(topicID, ev); err != nil {
			logger.Warnf("[delivery] publish status conv=%s msg=%s err=%v", msg.ConversationID, messageID, err)
		}
	}
	// 终态落一次归档，下游消费者看到的是最终形态
	if next == StatusRead || next == StatusFailed {
		final := *msg
		final.Status = next
		p.archive(&final)
	}
	return nil
}

func (p *Pipeline) statusLock(convID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lk, ok := p.stLks[convID]
	if !ok {
		lk = &sync.Mutex{}
		p.stLks[convID] = lk
	}
	return lk
}

// Backlog serves the catch-up read path (HTTP fallback after a gap).
func (p *Pipeline) Backlog(ctx context.Context, convID, userID string, sinceSeq int64, limit int) ([]*Message, error) {
	conv, err := p.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, errs.ErrConversationNotFound.WrapMsg("conversation missing", "id", convID)
	}
	if !conv.HasParticipant(userID) {
		return nil, errs.ErrNotParticipant.WrapMsg("reader not in conversation", "id", convID, "user", userID)
	}
	return p.store.ListSince(ctx, convID, sinceSeq, limit)
}

// Participants 供网关扇出用
func (p *Pipeline) Participants(ctx context.Context, convID string) ([]string, error) {
	conv, err := p.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, errs.ErrConversationNotFound.WrapMsg("conversation missing", "id", convID)
	}
	return conv.Participants, nil
}

func (p *Pipeline) publishSubmitted(msg *Message) {
	topicID := event.ConversationTopic(msg.ConversationID)
	ev := event.New(event.TypeMessageSubmitted, topicID, event.MessageSubmittedPayload{
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Seq:            msg.Seq,
		Content:        string(msg.Content),
		CreatedAtMS:    msg.CreatedAtMS,
	})
	if p.bus == nil {
		return
	}
	if _, err := p.bus.Publish(topicID, ev); err != nil {
		logger.Warnf("[delivery] publish submitted conv=%s msg=%s err=%v", msg.ConversationID, msg.MessageID, err)
	}
}

func (p *Pipeline) archive(msg *Message) {
	if p.archiver == nil {
		return
	}
	m := *msg
	safe.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.archiver.Archive(ctx, &m); err != nil {
			logger.Warnf("[delivery] archive msg=%s err=%v", m.MessageID, err)
		}
	})
}
