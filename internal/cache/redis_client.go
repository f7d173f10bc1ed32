package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 本包封装了 Redis 客户端与快速计数存储的键空间：
// - 未读哈希：od:unread:<participantId>（field=会话ID，HINCRBY/HSET 原子更新）
// - 未读通知通道：od:unread:notify:<participantId>
// - 在线状态哈希：od:status:<userId>（state/lastChangedAt）
// - 状态通知通道：od:status:notify
// - 用户设备集合：od:devices:<userId>
// - 投递通道：od:deliver:<userId>（@提醒、正在输入等瞬时事件）
var (
	redisClient *redis.Client
)

func InitRedis(addr, pass string, db int) {
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

func UnreadKey(participantID string) string { return fmt.Sprintf("od:unread:%s", participantID) }
func UnreadChannel(participantID string) string {
	return fmt.Sprintf("od:unread:notify:%s", participantID)
}
func StatusKey(userID string) string      { return fmt.Sprintf("od:status:%s", userID) }
func StatusChannel() string               { return "od:status:notify" }
func DeviceKey(userID string) string      { return fmt.Sprintf("od:devices:%s", userID) }
func DeliverChannel(userID string) string { return fmt.Sprintf("od:deliver:%s", userID) }
