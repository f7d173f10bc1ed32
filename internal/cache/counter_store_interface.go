package cache

import (
	"context"

	"opsdesk/internal/models"
)

// CounterStore 抽象快速计数存储，便于切换后端与测试注入：
// - 原子自增/清零的未读计数（持久存储不适合高频原子计数，这里要求
//   亚百毫秒级传播；实现须使用存储自身的原子原语，禁止读-改-写）
// - 全局在线状态表（userId → {state, lastChangedAt}）
// 当前生产实现为 Counters（Redis）。
type CounterStore interface {
	// IncrUnread 对 (participant, conversation) 计数原子 +1。
	IncrUnread(ctx context.Context, participantID, convID string) error
	// ResetUnread 将计数置 0。
	ResetUnread(ctx context.Context, participantID, convID string) error
	// UnreadSnapshot 返回该参与者全部会话的计数快照。
	UnreadSnapshot(ctx context.Context, participantID string) (map[string]int64, error)
	// SubscribeUnread 订阅该参与者的计数变化，每次推送完整快照。
	SubscribeUnread(ctx context.Context, participantID string) (UnreadFeed, error)
	// SubscribeStatus 订阅全局在线状态表。
	SubscribeStatus(ctx context.Context) (StatusFeed, error)
}

// UnreadFeed 未读计数变更流。通道关闭表示订阅终止。
type UnreadFeed interface {
	Updates() <-chan map[string]int64
	Close()
}

// StatusFeed 在线状态变更流。每次推送增量条目；通道关闭表示订阅丢失，
// 消费方应清空而非保留陈旧数据。
type StatusFeed interface {
	Updates() <-chan map[string]models.StatusEntry
	Close()
}
