// Package store 定义持久存储的抽象契约：按条件有序订阅 + 点写入。
// 同步引擎只依赖这里的接口，不感知具体后端（当前实现为 MongoDB，
// 见 mongo_*.go；测试使用内存伪实现）。
package store

import (
	"context"
	"time"

	"opsdesk/internal/models"
)

// DeltaKind 订阅增量类型。
type DeltaKind int

const (
	DeltaAdded DeltaKind = iota
	DeltaModified
	DeltaRemoved
)

// ConversationDelta 会话订阅的一条增量。Removed 时仅保证 Conv.ID 有效。
type ConversationDelta struct {
	Kind DeltaKind
	Conv *models.Conversation
}

// MessageDelta 消息订阅的一条增量。Removed 时仅保证 Msg.ID 有效。
type MessageDelta struct {
	Kind DeltaKind
	Msg  *models.Message
}

// ConversationFeed 会话变更流。Deltas 通道关闭表示订阅终止。
type ConversationFeed interface {
	Deltas() <-chan []ConversationDelta
	Close()
}

// MessageFeed 消息变更流。
type MessageFeed interface {
	Deltas() <-chan []MessageDelta
	Close()
}

// FieldUpdate 多字段原子更新：集合并入/移除与字段设置/删除在同一次
// 写入中生效，以容忍多个管理端的并发变更。字段路径为文档风格，
// 如 "names.<userId>"、"group.adminIds"。
type FieldUpdate struct {
	Set      map[string]any
	Unset    []string
	AddToSet map[string]any
	Pull     map[string]any
}

// ConversationStore 会话集合。
type ConversationStore interface {
	Create(ctx context.Context, c *models.Conversation) error
	// Get 返回 (nil, nil) 表示不存在。
	Get(ctx context.Context, id string) (*models.Conversation, error)
	// ListDirectWith 列出包含该参与者的所有单聊（用于建会话前查重）。
	ListDirectWith(ctx context.Context, participantID string) ([]*models.Conversation, error)
	Update(ctx context.Context, id string, u FieldUpdate) error
	Delete(ctx context.Context, id string) error
	// Subscribe 订阅会话变更，按 updatedAt 倒序给出参与者可见会话的首批快照，
	// 之后推送增量。modified/removed 不按成员过滤（成员被移出后仍要收到
	// 那次移除自己的变更），与己无关的会话由消费方丢弃。
	Subscribe(ctx context.Context, participantID string) (ConversationFeed, error)
}

// MessageStore 消息集合。
type MessageStore interface {
	Append(ctx context.Context, m *models.Message) error
	Get(ctx context.Context, convID, msgID string) (*models.Message, error)
	Update(ctx context.Context, convID, msgID string, u FieldUpdate) error
	Delete(ctx context.Context, convID, msgID string) error
	// DeleteByConversation 物理删除会话的全部消息（删会话时级联）。
	DeleteByConversation(ctx context.Context, convID string) error
	// ListBefore 拉取严格早于 before 的一页历史，按 createdAt 倒序。
	ListBefore(ctx context.Context, convID string, before time.Time, limit int) ([]*models.Message, error)
	// Subscribe 订阅会话消息，首批为最新 limit 条（createdAt 倒序），之后推送增量。
	Subscribe(ctx context.Context, convID string, limit int) (MessageFeed, error)
}

// UserStore 用户目录：引擎侧只读（解析展示信息），注册/资料更新走网关。
type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	// GetByID 返回 (nil, nil) 表示不存在。
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateProfile(ctx context.Context, u *models.User) error
}
