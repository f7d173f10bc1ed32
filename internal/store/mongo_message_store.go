package store

import (
	"context"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"opsdesk/internal/models"
)

// MongoMessageStore 消息持久化存储。Unconfirmed 是纯本地投影字段，不落库。
type MongoMessageStore struct {
	coll *mongo.Collection
}

type attachmentDoc struct {
	URL      string `bson:"url"`
	Name     string `bson:"name,omitempty"`
	MimeType string `bson:"mimeType,omitempty"`
	Size     int64  `bson:"size,omitempty"`
}

type statusDoc struct {
	Sent      bool `bson:"sent"`
	Delivered bool `bson:"delivered"`
	Read      bool `bson:"read"`
}

type msgDoc struct {
	ID             string            `bson:"_id"`
	ConvID         string            `bson:"convId"`
	SenderID       string            `bson:"senderId"`
	SenderName     string            `bson:"senderName"`
	SenderPhoto    string            `bson:"senderPhoto,omitempty"`
	Text           string            `bson:"text"`
	Attachments    []attachmentDoc   `bson:"attachments,omitempty"`
	MentionIDs     []string          `bson:"mentionIds,omitempty"`
	Reactions      map[string]string `bson:"reactions,omitempty"`
	Status         statusDoc         `bson:"status"`
	ReplyToID      string            `bson:"replyToId,omitempty"`
	ForwardedFrom  string            `bson:"forwardedFrom,omitempty"`
	OriginalSender string            `bson:"originalSender,omitempty"`
	CreatedAt      time.Time         `bson:"createdAt"`
	EditedAt       *time.Time        `bson:"editedAt,omitempty"`
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	coll := db.Collection("messages")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "convId", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		log.Printf("MongoMessageStore: create index failed: %v", err)
	}

	return &MongoMessageStore{coll: coll}
}

func msgToDoc(m *models.Message) *msgDoc {
	doc := &msgDoc{
		ID:             m.ID,
		ConvID:         m.ConvID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderPhoto:    m.SenderPhoto,
		Text:           m.Text,
		MentionIDs:     m.MentionIDs,
		Reactions:      m.Reactions,
		Status:         statusDoc(m.Status),
		ReplyToID:      m.ReplyToID,
		ForwardedFrom:  m.ForwardedFrom,
		OriginalSender: m.OriginalSender,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
	for _, a := range m.Attachments {
		doc.Attachments = append(doc.Attachments, attachmentDoc(a))
	}
	return doc
}

func docToMsg(doc *msgDoc) *models.Message {
	m := &models.Message{
		ID:             doc.ID,
		ConvID:         doc.ConvID,
		SenderID:       doc.SenderID,
		SenderName:     doc.SenderName,
		SenderPhoto:    doc.SenderPhoto,
		Text:           doc.Text,
		MentionIDs:     doc.MentionIDs,
		Reactions:      doc.Reactions,
		Status:         models.MessageStatus(doc.Status),
		ReplyToID:      doc.ReplyToID,
		ForwardedFrom:  doc.ForwardedFrom,
		OriginalSender: doc.OriginalSender,
		CreatedAt:      doc.CreatedAt,
		EditedAt:       doc.EditedAt,
	}
	for _, a := range doc.Attachments {
		m.Attachments = append(m.Attachments, models.Attachment(a))
	}
	return m
}

func (s *MongoMessageStore) Append(ctx context.Context, m *models.Message) error {
	_, err := s.coll.InsertOne(ctx, msgToDoc(m))
	return err
}

func (s *MongoMessageStore) Get(ctx context.Context, convID, msgID string) (*models.Message, error) {
	var doc msgDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": msgID, "convId": convID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return docToMsg(&doc), nil
}

func (s *MongoMessageStore) Update(ctx context.Context, convID, msgID string, upd FieldUpdate) error {
	update := bson.M{}
	if len(upd.Set) > 0 {
		set := bson.M{}
		for k, v := range upd.Set {
			set[k] = v
		}
		update["$set"] = set
	}
	if len(upd.Unset) > 0 {
		unset := bson.M{}
		for _, k := range upd.Unset {
			unset[k] = ""
		}
		update["$unset"] = unset
	}
	if len(upd.AddToSet) > 0 {
		add := bson.M{}
		for k, v := range upd.AddToSet {
			add[k] = v
		}
		update["$addToSet"] = add
	}
	if len(upd.Pull) > 0 {
		pull := bson.M{}
		for k, v := range upd.Pull {
			pull[k] = v
		}
		update["$pull"] = pull
	}
	if len(update) == 0 {
		return nil
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": msgID, "convId": convID}, update)
	return err
}

func (s *MongoMessageStore) Delete(ctx context.Context, convID, msgID string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": msgID, "convId": convID})
	return err
}

func (s *MongoMessageStore) DeleteByConversation(ctx context.Context, convID string) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{"convId": convID})
	return err
}

func (s *MongoMessageStore) ListBefore(ctx context.Context, convID string, before time.Time, limit int) ([]*models.Message, error) {
	filter := bson.M{
		"convId":    convID,
		"createdAt": bson.M{"$lt": before},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*models.Message
	for cur.Next(ctx) {
		var doc msgDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, docToMsg(&doc))
	}
	return out, cur.Err()
}

type mongoMsgFeed struct {
	ch        chan []MessageDelta
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (f *mongoMsgFeed) Deltas() <-chan []MessageDelta { return f.ch }

func (f *mongoMsgFeed) Close() { f.closeOnce.Do(f.cancel) }

type msgChangeEvent struct {
	OperationType string  `bson:"operationType"`
	FullDocument  *msgDoc `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// Subscribe 先开 change stream 再拉快照（最新 limit 条，createdAt 倒序），
// 避免两步之间丢事件。重复推送由消费侧按 ID 去重兜底。
func (s *MongoMessageStore) Subscribe(ctx context.Context, convID string, limit int) (MessageFeed, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"fullDocument.convId": convID},
			bson.M{"operationType": "delete"},
		}}}},
	}
	cs, err := s.coll.Watch(watchCtx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, err
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(watchCtx, bson.M{"convId": convID}, findOpts)
	if err != nil {
		cs.Close(context.Background())
		cancel()
		return nil, err
	}

	var initial []MessageDelta
	for cur.Next(watchCtx) {
		var doc msgDoc
		if err := cur.Decode(&doc); err != nil {
			cur.Close(watchCtx)
			cs.Close(context.Background())
			cancel()
			return nil, err
		}
		initial = append(initial, MessageDelta{Kind: DeltaAdded, Msg: docToMsg(&doc)})
	}
	cur.Close(watchCtx)

	feed := &mongoMsgFeed{ch: make(chan []MessageDelta, 16), cancel: cancel}

	go func() {
		defer close(feed.ch)
		defer cs.Close(context.Background())

		// 空快照也要推：消费方以首批判定分页状态
		select {
		case feed.ch <- initial:
		case <-watchCtx.Done():
			return
		}

		for cs.Next(watchCtx) {
			var ev msgChangeEvent
			if err := cs.Decode(&ev); err != nil {
				log.Printf("MongoMessageStore.Subscribe: decode event failed: %v", err)
				continue
			}
			var delta MessageDelta
			switch ev.OperationType {
			case "insert":
				if ev.FullDocument == nil {
					continue
				}
				delta = MessageDelta{Kind: DeltaAdded, Msg: docToMsg(ev.FullDocument)}
			case "update", "replace":
				if ev.FullDocument == nil {
					continue
				}
				delta = MessageDelta{Kind: DeltaModified, Msg: docToMsg(ev.FullDocument)}
			case "delete":
				delta = MessageDelta{Kind: DeltaRemoved, Msg: &models.Message{ID: ev.DocumentKey.ID}}
			default:
				continue
			}
			select {
			case feed.ch <- []MessageDelta{delta}:
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return feed, nil
}
