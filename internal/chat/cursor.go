package chat

import (
	"context"
	"log"
	"time"

	"opsdesk/internal/models"
	"opsdesk/internal/store"
)

// CursorTracker 维护按 (会话, 参与者) 的已读游标：
// - 游标单调不减：更晚的时间戳才会覆盖
// - 推进游标的同时清零该参与者在会话记录上的旧版未读
// - 读状态推导以游标为准，无游标的历史消息回落到旧版逐条标记
type CursorTracker struct {
	self   string
	convs  store.ConversationStore
	dir    *Directory
	unread *UnreadService
}

// NewCursorTracker 构造已读游标服务。
func NewCursorTracker(self string, convs store.ConversationStore, dir *Directory, unread *UnreadService) (*CursorTracker, error) {
	if self == "" {
		return nil, ErrNotAuthenticated
	}
	return &CursorTracker{self: self, convs: convs, dir: dir, unread: unread}, nil
}

// UpdateCursor 推进游标。ts 不严格晚于已存游标时不做任何事。
// 游标写失败只记录不上抛：下一次成功推进自然修复。
func (t *CursorTracker) UpdateCursor(ctx context.Context, convID, participantID string, ts time.Time) {
	current := t.currentCursor(ctx, convID, participantID)
	if !ts.After(current) {
		return
	}
	err := t.convs.Update(ctx, convID, store.FieldUpdate{Set: map[string]any{
		"cursors." + participantID: ts,
		"unread." + participantID:  int64(0),
	}})
	if err != nil {
		log.Printf("Cursor.Update error: convId=%s pid=%s err=%v", convID, participantID, err)
	}
}

// MarkConversationAsRead 参与者打开/激活会话时调用：
// 游标推进到当前时刻，并清零快速存储计数。
func (t *CursorTracker) MarkConversationAsRead(ctx context.Context, convID string) {
	t.UpdateCursor(ctx, convID, t.self, time.Now())
	if err := t.unread.Reset(ctx, convID, t.self); err != nil {
		log.Printf("Cursor.MarkRead reset error: convId=%s err=%v", convID, err)
	}
}

// IsRead 判断消息对参与者是否已读：cursor(P) >= createdAt。
// 尚无游标时回落到消息自带的旧版标记。
func (t *CursorTracker) IsRead(conv *models.Conversation, msg *models.Message, participantID string) bool {
	if conv != nil {
		if cursor, ok := conv.Cursors[participantID]; ok {
			return !cursor.Before(msg.CreatedAt)
		}
	}
	return msg.Status.Read
}

// currentCursor 优先取目录缓存，未命中再查存储；都拿不到视作零值。
func (t *CursorTracker) currentCursor(ctx context.Context, convID, participantID string) time.Time {
	if t.dir != nil {
		if conv, state := t.dir.Lookup(convID); state == LookupFound {
			return conv.Cursors[participantID]
		}
	}
	conv, err := t.convs.Get(ctx, convID)
	if err != nil || conv == nil {
		return time.Time{}
	}
	return conv.Cursors[participantID]
}
