package chat

import (
	"context"
	"log"
	"sync"

	"opsdesk/internal/cache"
	"opsdesk/internal/metrics"
	"opsdesk/internal/models"
	"opsdesk/internal/store"
)

// UnreadService 维护当前参与者的未读计数投影：
// - 主存储为快速计数存储（原子自增/清零）
// - 持久层的旧版未读表仅做尽力镜像，不承载正确性
// - 订阅计数变化，汇总出总未读与按对端聚合的未读
type UnreadService struct {
	self     string
	counters cache.CounterStore
	convs    store.ConversationStore
	dir      *Directory

	mu     sync.RWMutex
	counts map[string]int64 // convID → count

	feed     cache.UnreadFeed
	onChange func(total int64, perConv map[string]int64)

	closeOnce sync.Once
}

// NewUnreadService 构造未读计数服务。
func NewUnreadService(self string, counters cache.CounterStore, convs store.ConversationStore, dir *Directory) (*UnreadService, error) {
	if self == "" {
		return nil, ErrNotAuthenticated
	}
	return &UnreadService{
		self:     self,
		counters: counters,
		convs:    convs,
		dir:      dir,
		counts:   map[string]int64{},
	}, nil
}

// OnChange 注册计数变更回调，快照更新后锁外调用。
func (u *UnreadService) OnChange(fn func(total int64, perConv map[string]int64)) { u.onChange = fn }

// Start 订阅快速存储的计数变化并维护本地快照。
func (u *UnreadService) Start(ctx context.Context) error {
	feed, err := u.counters.SubscribeUnread(ctx, u.self)
	if err != nil {
		return err
	}
	u.feed = feed
	go func() {
		for snapshot := range feed.Updates() {
			u.mu.Lock()
			u.counts = snapshot
			u.mu.Unlock()
			if u.onChange != nil {
				u.onChange(u.TotalUnread(), u.PerConversation())
			}
		}
	}()
	return nil
}

// Close 终止订阅，幂等。
func (u *UnreadService) Close() {
	u.closeOnce.Do(func() {
		if u.feed != nil {
			u.feed.Close()
		}
	})
}

// Increment 对 (conversation, participant) 未读原子 +1。
// 每条入站消息对每个接收者各调用一次。
func (u *UnreadService) Increment(ctx context.Context, convID, participantID string) error {
	return u.counters.IncrUnread(ctx, participantID, convID)
}

// Reset 清零快速存储计数；持久层旧版未读表做尽力镜像，失败仅记录。
func (u *UnreadService) Reset(ctx context.Context, convID, participantID string) error {
	if err := u.counters.ResetUnread(ctx, participantID, convID); err != nil {
		return err
	}
	metrics.UnreadResetTotal.Inc()
	if err := u.convs.Update(ctx, convID, store.FieldUpdate{Set: map[string]any{"unread." + participantID: int64(0)}}); err != nil {
		log.Printf("Unread.Reset mirror error: convId=%s pid=%s err=%v", convID, participantID, err)
	}
	return nil
}

// TotalUnread 当前参与者所有会话计数之和。
func (u *UnreadService) TotalUnread() int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var total int64
	for _, n := range u.counts {
		total += n
	}
	return total
}

// PerConversation 返回按会话的计数快照。
func (u *UnreadService) PerConversation() map[string]int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[string]int64, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}

// UnreadForCounterpart 将单聊未读映射到对端用户 ID 上。
// 单聊按参与者对唯一时不会重复；若出现重复会话则按对端累加，不崩溃。
func (u *UnreadService) UnreadForCounterpart() map[string]int64 {
	u.mu.RLock()
	counts := make(map[string]int64, len(u.counts))
	for k, v := range u.counts {
		counts[k] = v
	}
	u.mu.RUnlock()

	out := map[string]int64{}
	for convID, n := range counts {
		conv, state := u.dir.Lookup(convID)
		if state != LookupFound || conv.Type != models.ConversationTypeDirect {
			continue
		}
		other := conv.OtherParticipant(u.self)
		if other == "" {
			continue
		}
		out[other] += n
	}
	return out
}
