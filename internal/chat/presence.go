package chat

import (
	"context"
	"sync"

	"opsdesk/internal/cache"
	"opsdesk/internal/models"
)

// PresenceAggregator 把快速存储的全局状态表投影为在线状态：
// state=="online" → 在线，lastChangedAt → 最后活跃时间。
// 纯派生、无独立持久化；条目缺失表示"未知"而非"离线"；
// 订阅丢失时清空为空表，绝不保留陈旧数据。
type PresenceAggregator struct {
	counters cache.CounterStore

	mu      sync.RWMutex
	entries map[string]models.Presence

	feed     cache.StatusFeed
	onChange func(map[string]models.Presence)

	closeOnce sync.Once
}

// NewPresenceAggregator 构造在线状态聚合器。
func NewPresenceAggregator(counters cache.CounterStore) *PresenceAggregator {
	return &PresenceAggregator{counters: counters, entries: map[string]models.Presence{}}
}

// OnChange 注册投影变更回调。
func (p *PresenceAggregator) OnChange(fn func(map[string]models.Presence)) { p.onChange = fn }

// Start 订阅状态表并维护投影。订阅通道关闭时清空。
func (p *PresenceAggregator) Start(ctx context.Context) error {
	feed, err := p.counters.SubscribeStatus(ctx)
	if err != nil {
		return err
	}
	p.feed = feed
	go func() {
		for batch := range feed.Updates() {
			p.mu.Lock()
			for userID, entry := range batch {
				p.entries[userID] = models.Presence{
					Online:   entry.State == models.StateOnline,
					LastSeen: entry.LastChangedAt,
				}
			}
			p.mu.Unlock()
			if p.onChange != nil {
				p.onChange(p.Snapshot())
			}
		}
		// 订阅终止：清空而非保留陈旧状态
		p.mu.Lock()
		p.entries = map[string]models.Presence{}
		p.mu.Unlock()
		if p.onChange != nil {
			p.onChange(map[string]models.Presence{})
		}
	}()
	return nil
}

// Close 终止订阅，幂等。
func (p *PresenceAggregator) Close() {
	p.closeOnce.Do(func() {
		if p.feed != nil {
			p.feed.Close()
		}
	})
}

// Lookup 查询某用户状态。ok=false 表示未知（与离线不同，消费方须区别呈现）。
func (p *PresenceAggregator) Lookup(userID string) (models.Presence, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.entries[userID]
	return pr, ok
}

// Snapshot 返回当前投影快照。
func (p *PresenceAggregator) Snapshot() map[string]models.Presence {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]models.Presence, len(p.entries))
	for k, v := range p.entries {
		out[k] = v
	}
	return out
}
