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

// MongoConversationStore 会话持久化存储，基于 MongoDB，Subscribe 依赖 change stream。
type MongoConversationStore struct {
	coll *mongo.Collection
}

type lastMessageDoc struct {
	Text           string    `bson:"text"`
	SenderID       string    `bson:"senderId"`
	Timestamp      time.Time `bson:"timestamp"`
	HasAttachments bool      `bson:"hasAttachments,omitempty"`
}

type groupMetaDoc struct {
	Name        string          `bson:"name"`
	PhotoURL    string          `bson:"photoUrl,omitempty"`
	Description string          `bson:"description,omitempty"`
	AdminIDs    []string        `bson:"adminIds"`
	CreatorID   string          `bson:"creatorId"`
	Settings    map[string]bool `bson:"settings,omitempty"`
}

type convDoc struct {
	ID             string               `bson:"_id"`
	Type           string               `bson:"type"`
	ParticipantIDs []string             `bson:"participantIds"`
	Names          map[string]string    `bson:"names"`
	Photos         map[string]string    `bson:"photos,omitempty"`
	LastMessage    *lastMessageDoc      `bson:"lastMessage,omitempty"`
	Unread         map[string]int64     `bson:"unread"`
	Cursors        map[string]time.Time `bson:"cursors,omitempty"`
	PinnedMsgID    string               `bson:"pinnedMsgId,omitempty"`
	PinnedBy       map[string]bool      `bson:"pinnedBy,omitempty"`
	MutedBy        map[string]bool      `bson:"mutedBy,omitempty"`
	Group          *groupMetaDoc        `bson:"group,omitempty"`
	CreatedAt      time.Time            `bson:"createdAt"`
	UpdatedAt      time.Time            `bson:"updatedAt"`
}

func NewMongoConversationStore(db *mongo.Database) *MongoConversationStore {
	coll := db.Collection("conversations")

	// 建索引：按参与者查询 + 按更新时间排序
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "participantIds", Value: 1}, {Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		log.Printf("MongoConversationStore: create index failed: %v", err)
	}

	return &MongoConversationStore{coll: coll}
}

func convToDoc(c *models.Conversation) *convDoc {
	doc := &convDoc{
		ID:             c.ID,
		Type:           string(c.Type),
		ParticipantIDs: c.ParticipantIDs,
		Names:          c.Names,
		Photos:         c.Photos,
		Unread:         c.Unread,
		Cursors:        c.Cursors,
		PinnedMsgID:    c.PinnedMsgID,
		PinnedBy:       c.PinnedBy,
		MutedBy:        c.MutedBy,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.LastMessage != nil {
		doc.LastMessage = lastMessageToDoc(c.LastMessage)
	}
	if c.Group != nil {
		doc.Group = &groupMetaDoc{
			Name:        c.Group.Name,
			PhotoURL:    c.Group.PhotoURL,
			Description: c.Group.Description,
			AdminIDs:    c.Group.AdminIDs,
			CreatorID:   c.Group.CreatorID,
			Settings:    c.Group.Settings,
		}
	}
	return doc
}

func lastMessageToDoc(m *models.LastMessage) *lastMessageDoc {
	return &lastMessageDoc{
		Text:           m.Text,
		SenderID:       m.SenderID,
		Timestamp:      m.Timestamp,
		HasAttachments: m.HasAttachments,
	}
}

func docToConv(doc *convDoc) *models.Conversation {
	c := &models.Conversation{
		ID:             doc.ID,
		Type:           models.ConversationType(doc.Type),
		ParticipantIDs: doc.ParticipantIDs,
		Names:          doc.Names,
		Photos:         doc.Photos,
		Unread:         doc.Unread,
		Cursors:        doc.Cursors,
		PinnedMsgID:    doc.PinnedMsgID,
		PinnedBy:       doc.PinnedBy,
		MutedBy:        doc.MutedBy,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
	if doc.LastMessage != nil {
		c.LastMessage = &models.LastMessage{
			Text:           doc.LastMessage.Text,
			SenderID:       doc.LastMessage.SenderID,
			Timestamp:      doc.LastMessage.Timestamp,
			HasAttachments: doc.LastMessage.HasAttachments,
		}
	}
	if doc.Group != nil {
		c.Group = &models.GroupMeta{
			Name:        doc.Group.Name,
			PhotoURL:    doc.Group.PhotoURL,
			Description: doc.Group.Description,
			AdminIDs:    doc.Group.AdminIDs,
			CreatorID:   doc.Group.CreatorID,
			Settings:    doc.Group.Settings,
		}
	}
	return c
}

func (s *MongoConversationStore) Create(ctx context.Context, conv *models.Conversation) error {
	_, err := s.coll.InsertOne(ctx, convToDoc(conv))
	return err
}

func (s *MongoConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var doc convDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return docToConv(&doc), nil
}

func (s *MongoConversationStore) ListDirectWith(ctx context.Context, participantID string) ([]*models.Conversation, error) {
	filter := bson.M{
		"type":           string(models.ConversationTypeDirect),
		"participantIds": participantID,
	}
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*models.Conversation
	for cur.Next(ctx) {
		var doc convDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, docToConv(&doc))
	}
	return out, cur.Err()
}

// encodeFieldValue 把模型类型转成 bson 可序列化的文档，其余值原样透传。
func encodeFieldValue(v any) any {
	switch val := v.(type) {
	case *models.LastMessage:
		if val == nil {
			return nil
		}
		return lastMessageToDoc(val)
	case models.LastMessage:
		return lastMessageToDoc(&val)
	default:
		return v
	}
}

func (s *MongoConversationStore) Update(ctx context.Context, id string, upd FieldUpdate) error {
	update := bson.M{}
	if len(upd.Set) > 0 {
		set := bson.M{}
		for k, v := range upd.Set {
			set[k] = encodeFieldValue(v)
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
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	return err
}

func (s *MongoConversationStore) Delete(ctx context.Context, id string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

type mongoConvFeed struct {
	ch        chan []ConversationDelta
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (f *mongoConvFeed) Deltas() <-chan []ConversationDelta { return f.ch }

func (f *mongoConvFeed) Close() { f.closeOnce.Do(f.cancel) }

type convChangeEvent struct {
	OperationType string   `bson:"operationType"`
	FullDocument  *convDoc `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// Subscribe 先开 change stream 再拉快照，避免两步之间丢事件。
// 快照按 updatedAt 倒序整体推送一批 added，随后逐条推送增量。
func (s *MongoConversationStore) Subscribe(ctx context.Context, participantID string) (ConversationFeed, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	// update/replace 不按成员过滤：成员被移出后，after-image 的
	// participantIds 已不含该成员，按成员过滤会丢掉移除事件本身。
	// 非本人会话的 update 由消费方按成员关系丢弃。
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"fullDocument.participantIds": participantID},
			bson.M{"operationType": bson.M{"$in": bson.A{"update", "replace", "delete"}}},
		}}}},
	}
	cs, err := s.coll.Watch(watchCtx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, err
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	cur, err := s.coll.Find(watchCtx, bson.M{"participantIds": participantID}, findOpts)
	if err != nil {
		cs.Close(context.Background())
		cancel()
		return nil, err
	}

	var initial []ConversationDelta
	for cur.Next(watchCtx) {
		var doc convDoc
		if err := cur.Decode(&doc); err != nil {
			cur.Close(watchCtx)
			cs.Close(context.Background())
			cancel()
			return nil, err
		}
		initial = append(initial, ConversationDelta{Kind: DeltaAdded, Conv: docToConv(&doc)})
	}
	cur.Close(watchCtx)

	feed := &mongoConvFeed{ch: make(chan []ConversationDelta, 16), cancel: cancel}

	go func() {
		defer close(feed.ch)
		defer cs.Close(context.Background())

		// 空快照也要推：消费方以首批判定"已同步"
		select {
		case feed.ch <- initial:
		case <-watchCtx.Done():
			return
		}

		for cs.Next(watchCtx) {
			var ev convChangeEvent
			if err := cs.Decode(&ev); err != nil {
				log.Printf("MongoConversationStore.Subscribe: decode event failed: %v", err)
				continue
			}
			var delta ConversationDelta
			switch ev.OperationType {
			case "insert":
				if ev.FullDocument == nil {
					continue
				}
				delta = ConversationDelta{Kind: DeltaAdded, Conv: docToConv(ev.FullDocument)}
			case "update", "replace":
				if ev.FullDocument == nil {
					continue
				}
				delta = ConversationDelta{Kind: DeltaModified, Conv: docToConv(ev.FullDocument)}
			case "delete":
				delta = ConversationDelta{Kind: DeltaRemoved, Conv: &models.Conversation{ID: ev.DocumentKey.ID}}
			default:
				continue
			}
			select {
			case feed.ch <- []ConversationDelta{delta}:
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return feed, nil
}
