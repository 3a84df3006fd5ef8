package delivery

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	errs "PulseIM/tools/errs"
)

// mongo 实现。三条唯一索引与提交协议一一对应，索引名用于冲突分类。
const (
	collMessages      = "messages"
	collConversations = "conversations"

	idxUniqMsgID   = "uniq_message_id"
	idxUniqCID     = "uniq_sender_client"
	idxUniqConvSeq = "uniq_conv_seq"
)

type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// EnsureIndexes 建唯一索引，幂等，启动时调用一次
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	msgs := s.db.Collection(collMessages)
	_, err := msgs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxUniqMsgID),
		},
		{
			Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxUniqCID),
		},
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxUniqConvSeq),
		},
	})
	if err != nil {
		return errs.Wrap(err)
	}
	convs := s.db.Collection(collConversations)
	_, err = convs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_conversation_id"),
	})
	return errs.Wrap(err)
}

type mongoMessage struct {
	MessageID      string `bson:"message_id"`
	ConversationID string `bson:"conversation_id"`
	SenderID       string `bson:"sender_id"`
	ClientMsgID    string `bson:"client_msg_id"`
	Seq            int64  `bson:"seq"`
	Content        []byte `bson:"content"`
	PayloadHash    string `bson:"payload_hash"`
	Status         int    `bson:"status"`
	CreatedAtMS    int64  `bson:"created_at_ms"`
	UpdatedAtMS    int64  `bson:"updated_at_ms"`
}

func toMongo(m *Message) *mongoMessage {
	return &mongoMessage{
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ClientMsgID:    m.ClientMsgID,
		Seq:            m.Seq,
		Content:        m.Content,
		PayloadHash:    m.PayloadHash,
		Status:         int(m.Status),
		CreatedAtMS:    m.CreatedAtMS,
		UpdatedAtMS:    m.UpdatedAtMS,
	}
}

func fromMongo(d *mongoMessage) *Message {
	return &Message{
		MessageID:      d.MessageID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		ClientMsgID:    d.ClientMsgID,
		Seq:            d.Seq,
		Content:        d.Content,
		PayloadHash:    d.PayloadHash,
		Status:         Status(d.Status),
		CreatedAtMS:    d.CreatedAtMS,
		UpdatedAtMS:    d.UpdatedAtMS,
	}
}

func (s *MongoStore) EnsureConversation(ctx context.Context, convID string, participants []string) error {
	set := bson.M{
		"$setOnInsert": bson.M{
			"conversation_id": convID,
			"max_seq":         int64(0),
			"create_time":     time.Now(),
		},
	}
	if len(participants) > 0 {
		set["$set"] = bson.M{"participants": participants}
	}
	_, err := s.db.Collection(collConversations).UpdateOne(ctx,
		bson.M{"conversation_id": convID}, set, options.Update().SetUpsert(true))
	return errs.Wrap(err)
}

func (s *MongoStore) GetConversation(ctx context.Context, convID string) (*Conversation, error) {
	var doc struct {
		ConversationID string   `bson:"conversation_id"`
		Participants   []string `bson:"participants"`
		MaxSeq         int64    `bson:"max_seq"`
	}
	err := s.db.Collection(collConversations).
		FindOne(ctx, bson.M{"conversation_id": convID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &Conversation{
		ConversationID: doc.ConversationID,
		Participants:   doc.Participants,
		MaxSeq:         doc.MaxSeq,
	}, nil
}

func (s *MongoStore) QueryMaxSeq(ctx context.Context, convID string) (int64, error) {
	var doc mongoMessage
	err := s.db.Collection(collMessages).FindOne(ctx,
		bson.M{"conversation_id": convID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}).
			SetProjection(bson.M{"seq": 1, "_id": 0}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return doc.Seq, nil
}

func (s *MongoStore) InsertMessage(ctx context.Context, m *Message) error {
	_, err := s.db.Collection(collMessages).InsertOne(ctx, toMongo(m))
	if err != nil {
		return err // 冲突分类要看原始错误，不包
	}
	_, err = s.db.Collection(collConversations).UpdateOne(ctx,
		bson.M{"conversation_id": m.ConversationID},
		bson.M{"$max": bson.M{"max_seq": m.Seq}})
	return errs.Wrap(err)
}

func (s *MongoStore) FindByClientID(ctx context.Context, sender, clientMsgID string) (*Message, error) {
	var doc mongoMessage
	err := s.db.Collection(collMessages).FindOne(ctx,
		bson.M{"sender_id": sender, "client_msg_id": clientMsgID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return fromMongo(&doc), nil
}

func (s *MongoStore) FindByID(ctx context.Context, messageID string) (*Message, error) {
	var doc mongoMessage
	err := s.db.Collection(collMessages).FindOne(ctx,
		bson.M{"message_id": messageID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return fromMongo(&doc), nil
}

func (s *MongoStore) ListSince(ctx context.Context, convID string, sinceSeq int64, limit int) ([]*Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(collMessages).Find(ctx,
		bson.M{"conversation_id": convID, "seq": bson.M{"$gt": sinceSeq}}, opts)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*Message
	for cur.Next(ctx) {
		var doc mongoMessage
		if err := cur.Decode(&doc); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, fromMongo(&doc))
	}
	return out, errs.Wrap(cur.Err())
}

// UpdateStatus 用过滤条件表达单调性：Failed 只能来自 Sending/Sent，
// 其余目标态要求当前态严格小于目标态（Failed=5 天然被 $lt 排除）。
func (s *MongoStore) UpdateStatus(ctx context.Context, messageID string, next Status, atMS int64) (bool, error) {
	filter := bson.M{"message_id": messageID}
	if next == StatusFailed {
		filter["status"] = bson.M{"$in": []int{int(StatusSending), int(StatusSent)}}
	} else {
		filter["status"] = bson.M{"$lt": int(next)}
	}
	res, err := s.db.Collection(collMessages).UpdateOne(ctx, filter,
		bson.M{"$set": bson.M{"status": int(next), "updated_at_ms": atMS}})
	if err != nil {
		return false, errs.Wrap(err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) IsUniqueClientIDErr(err error) bool { return isDupOn(err, idxUniqCID) }
func (s *MongoStore) IsUniqueSeqErr(err error) bool      { return isDupOn(err, idxUniqConvSeq) }
func (s *MongoStore) IsUniqueMsgIDErr(err error) bool    { return isDupOn(err, idxUniqMsgID) }

func (s *MongoStore) IsTransientErr(err error) bool {
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

func isDupOn(err error, indexName string) bool {
	if err == nil || !mongo.IsDuplicateKeyError(err) {
		return false
	}
	return strings.Contains(err.Error(), indexName)
}
