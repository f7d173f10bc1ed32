package store

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"opsdesk/internal/models"
)

// MongoUserStore 用户目录存储。
type MongoUserStore struct {
	coll *mongo.Collection
}

type userDoc struct {
	ID        string    `bson:"_id"`
	Username  string    `bson:"username"`
	Password  string    `bson:"password"`
	Nickname  string    `bson:"nickname"`
	AvatarURL string    `bson:"avatarUrl,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func NewMongoUserStore(db *mongo.Database) *MongoUserStore {
	coll := db.Collection("users")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		log.Printf("MongoUserStore: create index failed: %v", err)
	}

	return &MongoUserStore{coll: coll}
}

func userToDoc(u *models.User) *userDoc {
	return &userDoc{
		ID:        u.ID,
		Username:  u.Username,
		Password:  u.Password,
		Nickname:  u.Nickname,
		AvatarURL: u.AvatarURL,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func docToUser(doc *userDoc) *models.User {
	return &models.User{
		ID:        doc.ID,
		Username:  doc.Username,
		Password:  doc.Password,
		Nickname:  doc.Nickname,
		AvatarURL: doc.AvatarURL,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

func (s *MongoUserStore) Create(ctx context.Context, u *models.User) error {
	_, err := s.coll.InsertOne(ctx, userToDoc(u))
	return err
}

func (s *MongoUserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	var doc userDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return docToUser(&doc), nil
}

func (s *MongoUserStore) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var doc userDoc
	err := s.coll.FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return docToUser(&doc), nil
}

func (s *MongoUserStore) UpdateProfile(ctx context.Context, u *models.User) error {
	update := bson.M{"$set": bson.M{
		"nickname":  u.Nickname,
		"avatarUrl": u.AvatarURL,
		"updatedAt": time.Now(),
	}}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": u.ID}, update)
	return err
}
