package cache

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"opsdesk/internal/models"

	"github.com/redis/go-redis/v9"
)

// Counters 基于 Redis 的快速计数存储实现：
// - 未读计数走 HINCRBY/HSET（存储自身的原子原语，绝不读-改-写）
// - 每次变更向对应通知通道发布，订阅方收到后重取快照
// - 在线状态表按用户一个哈希，变更发布用户 ID，订阅方增量刷新
type Counters struct {
	c *redis.Client
}

func NewCounters(c *redis.Client) *Counters { return &Counters{c: c} }

// IncrUnread 对 (participant, conversation) 计数原子 +1 并通知。
func (s *Counters) IncrUnread(ctx context.Context, participantID, convID string) error {
	if err := s.c.HIncrBy(ctx, UnreadKey(participantID), convID, 1).Err(); err != nil {
		return err
	}
	return s.c.Publish(ctx, UnreadChannel(participantID), convID).Err()
}

// ResetUnread 将计数置 0 并通知。
func (s *Counters) ResetUnread(ctx context.Context, participantID, convID string) error {
	if err := s.c.HSet(ctx, UnreadKey(participantID), convID, 0).Err(); err != nil {
		return err
	}
	return s.c.Publish(ctx, UnreadChannel(participantID), convID).Err()
}

// UnreadSnapshot 拉取该参与者的全量计数。
func (s *Counters) UnreadSnapshot(ctx context.Context, participantID string) (map[string]int64, error) {
	raw, err := s.c.HGetAll(ctx, UnreadKey(participantID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for convID, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[convID] = n
	}
	return out, nil
}

// unreadFeed 未读订阅：通知到达后重取快照推送。
type unreadFeed struct {
	ch        chan map[string]int64
	pubsub    *redis.PubSub
	closeOnce sync.Once
}

func (f *unreadFeed) Updates() <-chan map[string]int64 { return f.ch }
func (f *unreadFeed) Close()                           { f.closeOnce.Do(func() { _ = f.pubsub.Close() }) }

// SubscribeUnread 订阅参与者的计数变化。首条推送为当前快照。
func (s *Counters) SubscribeUnread(ctx context.Context, participantID string) (UnreadFeed, error) {
	pubsub := s.c.Subscribe(ctx, UnreadChannel(participantID))
	feed := &unreadFeed{ch: make(chan map[string]int64, 8), pubsub: pubsub}
	go func() {
		defer close(feed.ch)
		snapshot, err := s.UnreadSnapshot(ctx, participantID)
		if err != nil {
			log.Printf("Counters.SubscribeUnread snapshot error: pid=%s err=%v", participantID, err)
			return
		}
		feed.ch <- snapshot
		for {
			if _, err := pubsub.ReceiveMessage(ctx); err != nil {
				return
			}
			snapshot, err := s.UnreadSnapshot(ctx, participantID)
			if err != nil {
				log.Printf("Counters.SubscribeUnread refresh error: pid=%s err=%v", participantID, err)
				return
			}
			feed.ch <- snapshot
		}
	}()
	return feed, nil
}

// SetStatus 写入用户的在线状态并通知订阅方。
func (s *Counters) SetStatus(ctx context.Context, userID, state string) error {
	pipe := s.c.TxPipeline()
	pipe.HSet(ctx, StatusKey(userID), "state", state, "lastChangedAt", time.Now().UnixMilli())
	pipe.Publish(ctx, StatusChannel(), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// statusFeed 在线状态订阅。
type statusFeed struct {
	ch        chan map[string]models.StatusEntry
	pubsub    *redis.PubSub
	closeOnce sync.Once
}

func (f *statusFeed) Updates() <-chan map[string]models.StatusEntry { return f.ch }
func (f *statusFeed) Close()                                        { f.closeOnce.Do(func() { _ = f.pubsub.Close() }) }

// SubscribeStatus 订阅全局状态表：先扫描现有条目推送全量，之后按通知增量刷新。
// 订阅丢失时关闭通道，消费方据此清空投影。
func (s *Counters) SubscribeStatus(ctx context.Context) (StatusFeed, error) {
	pubsub := s.c.Subscribe(ctx, StatusChannel())
	feed := &statusFeed{ch: make(chan map[string]models.StatusEntry, 8), pubsub: pubsub}
	go func() {
		defer close(feed.ch)
		initial := map[string]models.StatusEntry{}
		iter := s.c.Scan(ctx, 0, StatusKey("*"), 200).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			userID := key[len("od:status:"):]
			if entry, ok := s.statusEntry(ctx, userID); ok {
				initial[userID] = entry
			}
		}
		if len(initial) > 0 {
			feed.ch <- initial
		}
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			userID := msg.Payload
			if entry, ok := s.statusEntry(ctx, userID); ok {
				feed.ch <- map[string]models.StatusEntry{userID: entry}
			}
		}
	}()
	return feed, nil
}

func (s *Counters) statusEntry(ctx context.Context, userID string) (models.StatusEntry, bool) {
	raw, err := s.c.HGetAll(ctx, StatusKey(userID)).Result()
	if err != nil || len(raw) == 0 {
		return models.StatusEntry{}, false
	}
	entry := models.StatusEntry{State: raw["state"]}
	if ms, err := strconv.ParseInt(raw["lastChangedAt"], 10, 64); err == nil {
		entry.LastChangedAt = time.UnixMilli(ms)
	}
	return entry, true
}

// SetDeviceOnline 维护多设备在线：加入设备集合并把状态置为 online。
func (s *Counters) SetDeviceOnline(ctx context.Context, userID, deviceID string) error {
	if err := s.c.SAdd(ctx, DeviceKey(userID), deviceID).Err(); err != nil {
		return err
	}
	return s.SetStatus(ctx, userID, models.StateOnline)
}

// SetDeviceOffline 移除设备；最后一个设备退出时状态置为 offline。
func (s *Counters) SetDeviceOffline(ctx context.Context, userID, deviceID string) error {
	if err := s.c.SRem(ctx, DeviceKey(userID), deviceID).Err(); err != nil {
		return err
	}
	n, err := s.c.SCard(ctx, DeviceKey(userID)).Result()
	if err == nil && n == 0 {
		return s.SetStatus(ctx, userID, models.StateOffline)
	}
	return nil
}
