package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrUniqueCID = errors.New("unique client_msg_id violated")
	ErrUniqueSeq = errors.New("unique seq violated")
	ErrUniqueMID = errors.New("unique message_id violated")
)

type memStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
	bySeq map[string]map[int64]*Message // convID -> seq -> msg
	byCID map[string]*Message           // sender|cid -> msg
	byMID map[string]*Message           // message_id -> msg
}

func NewMemStore() Store {
	return &memStore{
		convs: make(map[string]*Conversation),
		bySeq: make(map[string]map[int64]*Message),
		byCID: make(map[string]*Message),
		byMID: make(map[string]*Message),
	}
}

func keyCID(sender, cid string) string { return sender + "|" + cid }

func (db *memStore) EnsureConversation(ctx context.Context, convID string, participants []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.convs[convID]; ok {
		if len(participants) > 0 {
			c.Participants = participants
		}
		return nil
	}
	db.convs[convID] = &Conversation{ConversationID: convID, Participants: participants}
	return nil
}

func (db *memStore) GetConversation(ctx context.Context, convID string) (*Conversation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.convs[convID]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return &cp, nil
}

func (db *memStore) QueryMaxSeq(ctx context.Context, convID string) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var max int64
	for s := range db.bySeq[convID] {
		if s > max {
			max = s
		}
	}
	return max, nil
}

func (db *memStore) InsertMessage(ctx context.Context, m *Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.byMID[m.MessageID]; ok {
		return ErrUniqueMID
	}
	kcid := keyCID(m.SenderID, m.ClientMsgID)
	if _, ok := db.byCID[kcid]; ok {
		return ErrUniqueCID
	}
	if _, ok := db.bySeq[m.ConversationID]; !ok {
		db.bySeq[m.ConversationID] = make(map[int64]*Message)
	}
	if _, ok := db.bySeq[m.ConversationID][m.Seq]; ok {
		return ErrUniqueSeq
	}

	cp := *m
	db.bySeq[m.ConversationID][m.Seq] = &cp
	db.byCID[kcid] = &cp
	db.byMID[m.MessageID] = &cp
	if c, ok := db.convs[m.ConversationID]; ok && m.Seq > c.MaxSeq {
		c.MaxSeq = m.Seq
	}
	return nil
}

func (db *memStore) FindByClientID(ctx context.Context, sender, clientMsgID string) (*Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if v, ok := db.byCID[keyCID(sender, clientMsgID)]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

func (db *memStore) FindByID(ctx context.Context, messageID string) (*Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if v, ok := db.byMID[messageID]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

func (db *memStore) ListSince(ctx context.Context, convID string, sinceSeq int64, limit int) ([]*Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []*Message
	for s, m := range db.bySeq[convID] {
		if s > sinceSeq {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *memStore) UpdateStatus(ctx context.Context, messageID string, next Status, atMS int64) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.byMID[messageID]
	if !ok {
		return false, nil
	}
	if !CanAdvance(m.Status, next) {
		return false, nil
	}
	m.Status = next
	m.UpdatedAtMS = atMS
	return true, nil
}

func (db *memStore) IsUniqueClientIDErr(err error) bool { return errors.Is(err, ErrUniqueCID) }
func (db *memStore) IsUniqueSeqErr(err error) bool      { return errors.Is(err, ErrUniqueSeq) }
func (db *memStore) IsUniqueMsgIDErr(err error) bool    { return errors.Is(err, ErrUniqueMID) }
func (db *memStore) IsTransientErr(err error) bool      { return false } // 内存版无瞬时错误
