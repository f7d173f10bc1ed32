package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"opsdesk/internal/metrics"
	"opsdesk/internal/models"
	"opsdesk/internal/store"

	"github.com/google/uuid"
)

const (
	// DefaultPageSize 每页消息条数。
	DefaultPageSize = 25
	// reconcileWindow 乐观占位与服务端确认的匹配时间窗。
	// 同一发送者在窗口内发送相同文本会造成误配，这是对齐既有行为的
	// 已知歧义，不做静默修正。
	reconcileWindow = 5 * time.Second
)

// FanoutPublisher 群消息的异步扇出发布口（Kafka 实现见 internal/mq）。
type FanoutPublisher interface {
	Publish(value []byte, key []byte)
}

// FanoutEvent 群消息扇出事件：消费者据此为除发送者外的全部成员
// 批量累加未读计数。
type FanoutEvent struct {
	ConvID   string `json:"convId"`
	SenderID string `json:"senderId"`
	TS       int64  `json:"ts"`
}

// Stream 维护单个会话的有序消息投影，并负责乐观发送的对账：
// - 订阅持久存储中该会话的消息（createdAt 倒序分页），本地按升序投影
// - 发送先同步插入乐观占位，再异步落库；落库失败占位保留 unconfirmed
// - 订阅增量到达时，新增先尝试与本地占位匹配（同发送者+同文本+5 秒窗）
// 同一会话的增量批次串行处理；不同会话的流相互独立。
type Stream struct {
	self      string
	selfName  string
	selfPhoto string
	convID    string
	pageSize  int

	msgs   store.MessageStore
	convs  store.ConversationStore
	unread *UnreadService
	fanout FanoutPublisher

	mu      sync.Mutex
	entries []*models.Message // createdAt 升序
	hasMore bool
	loading bool
	started bool

	feed     store.MessageFeed
	onChange func([]*models.Message)

	closeOnce sync.Once
}

// NewStream 构造某会话的消息流。pageSize <= 0 时取 DefaultPageSize。
func NewStream(self, selfName, selfPhoto, convID string, pageSize int, msgs store.MessageStore, convs store.ConversationStore, unread *UnreadService) (*Stream, error) {
	if self == "" {
		return nil, ErrNotAuthenticated
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Stream{
		self:      self,
		selfName:  selfName,
		selfPhoto: selfPhoto,
		convID:    convID,
		pageSize:  pageSize,
		msgs:      msgs,
		convs:     convs,
		unread:    unread,
	}, nil
}

// WithFanout 配置群消息的异步扇出（可选；未配置时本进程内直接累加）。
func (s *Stream) WithFanout(p FanoutPublisher) *Stream {
	s.fanout = p
	return s
}

// OnChange 注册投影变更回调，在每批增量应用后、锁外调用。
func (s *Stream) OnChange(fn func([]*models.Message)) { s.onChange = fn }

// Start 建立订阅并启动增量处理循环。
func (s *Stream) Start(ctx context.Context) error {
	feed, err := s.msgs.Subscribe(ctx, s.convID, s.pageSize)
	if err != nil {
		return err
	}
	s.feed = feed
	go func() {
		for batch := range feed.Deltas() {
			s.apply(batch)
			s.notify()
		}
	}()
	return nil
}

// Close 终止订阅并重置分页状态，幂等。切换活跃会话时必须先 Close
// 旧流再建新流。
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.feed != nil {
			s.feed.Close()
		}
		s.mu.Lock()
		s.entries = nil
		s.hasMore = false
		s.loading = false
		s.started = false
		s.mu.Unlock()
	})
}

func (s *Stream) notify() {
	if s.onChange != nil {
		s.onChange(s.Messages())
	}
}

// Messages 返回当前投影快照（升序）。
func (s *Stream) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// apply 处理一批订阅增量：
// - added：先对账本地占位；无匹配则按时间序插入（已存在同 ID 则整体替换）
// - modified：按 ID 整体替换（编辑/表情/置顶走这里）
// - removed：过滤掉该条目（删除走这里）
func (s *Stream) apply(batch []store.MessageDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, delta := range batch {
		switch delta.Kind {
		case store.DeltaAdded:
			s.applyAdded(delta.Msg)
		case store.DeltaModified:
			for i, e := range s.entries {
				if e.ID == delta.Msg.ID {
					s.entries[i] = delta.Msg
					break
				}
			}
		case store.DeltaRemoved:
			kept := s.entries[:0]
			for _, e := range s.entries {
				if e.ID != delta.Msg.ID {
					kept = append(kept, e)
				}
			}
			s.entries = kept
		}
	}
	// 首批快照决定是否还有更早的历史
	if !s.started {
		s.started = true
		s.hasMore = len(batch) >= s.pageSize
	}
}

func (s *Stream) applyAdded(m *models.Message) {
	// 同 ID 去重：确认消息重复下发时整体替换，绝不出现两条
	for i, e := range s.entries {
		if e.ID == m.ID {
			s.entries[i] = m
			return
		}
	}
	// 对账：寻找可替换的乐观占位（保持列表位置）
	for i, e := range s.entries {
		if !e.Unconfirmed || e.SenderID != m.SenderID || e.Text != m.Text {
			continue
		}
		if absDuration(m.CreatedAt.Sub(e.CreatedAt)) <= reconcileWindow {
			s.entries[i] = m
			metrics.ReconcileTotal.WithLabelValues("matched").Inc()
			return
		}
	}
	// 无匹配：按 createdAt 升序插入正确位置
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].CreatedAt.After(m.CreatedAt)
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = m
	metrics.ReconcileTotal.WithLabelValues("inserted").Inc()
}

// Send 发送一条消息：
// 1) 文本去空白后为空且无附件 → 直接忽略
// 2) 同步插入乐观占位（临时 ID、unconfirmed）
// 3) 异步落库、累加接收者未读、刷新会话摘要
// 落库失败时占位保留 unconfirmed 并把错误交给调用方，不自动回滚或重试。
func (s *Stream) Send(ctx context.Context, text string, attachments []models.Attachment, replyToID string, mentionIDs []string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil, nil
	}
	now := time.Now()
	placeholder := &models.Message{
		ID:          "tmp-" + uuid.NewString(),
		ConvID:      s.convID,
		SenderID:    s.self,
		SenderName:  s.selfName,
		SenderPhoto: s.selfPhoto,
		Text:        text,
		Attachments: attachments,
		MentionIDs:  mentionIDs,
		ReplyToID:   replyToID,
		Unconfirmed: true,
		CreatedAt:   now,
	}
	s.mu.Lock()
	s.entries = append(s.entries, placeholder)
	s.mu.Unlock()
	s.notify()

	msg := &models.Message{
		ID:          uuid.NewString(),
		ConvID:      s.convID,
		SenderID:    s.self,
		SenderName:  s.selfName,
		SenderPhoto: s.selfPhoto,
		Text:        text,
		Attachments: attachments,
		MentionIDs:  mentionIDs,
		ReplyToID:   replyToID,
		Status:      models.MessageStatus{Sent: true},
		CreatedAt:   now,
	}
	log.Printf("Stream.Send begin: convId=%s from=%s msgId=%s", s.convID, s.self, msg.ID)
	start := time.Now()
	if err := s.msgs.Append(ctx, msg); err != nil {
		log.Printf("Stream.Send append error: convId=%s err=%v", s.convID, err)
		return nil, err
	}
	metrics.SendTotal.Inc()
	metrics.SendLatency.Observe(float64(time.Since(start).Milliseconds()))

	conv, err := s.convs.Get(ctx, s.convID)
	if err != nil || conv == nil {
		log.Printf("Stream.Send conv lookup failed: convId=%s err=%v", s.convID, err)
		return msg, nil
	}
	s.bumpRecipients(ctx, conv, msg)
	s.updateSummary(ctx, conv.ID, msg)
	return msg, nil
}

// bumpRecipients 为除发送者外的每个参与者未读 +1。
// 群聊配置了扇出发布器时改为发事件，由独立消费者批量处理。
func (s *Stream) bumpRecipients(ctx context.Context, conv *models.Conversation, msg *models.Message) {
	if conv.IsGroup() && s.fanout != nil {
		payload, _ := json.Marshal(FanoutEvent{ConvID: conv.ID, SenderID: msg.SenderID, TS: time.Now().UnixMilli()})
		s.fanout.Publish(payload, []byte(conv.ID))
		log.Printf("Stream.Fanout publish: convId=%s from=%s", conv.ID, msg.SenderID)
		return
	}
	for _, pid := range conv.ParticipantIDs {
		if pid == msg.SenderID {
			continue
		}
		if err := s.unread.Increment(ctx, conv.ID, pid); err != nil {
			log.Printf("Stream.Send unread incr error: convId=%s pid=%s err=%v", conv.ID, pid, err)
		}
	}
}

// updateSummary 刷新会话的最后一条消息摘要与 updatedAt。
func (s *Stream) updateSummary(ctx context.Context, convID string, msg *models.Message) {
	summary := &models.LastMessage{
		Text:           msg.Text,
		SenderID:       msg.SenderID,
		Timestamp:      msg.CreatedAt,
		HasAttachments: len(msg.Attachments) > 0,
	}
	err := s.convs.Update(ctx, convID, store.FieldUpdate{Set: map[string]any{
		"lastMessage": summary,
		"updatedAt":   time.Now(),
	}})
	if err != nil {
		log.Printf("Stream.Send summary update error: convId=%s err=%v", convID, err)
	}
}

// LoadMore 拉取严格早于当前最早一条的下一页历史，按时间序前插。
// 已在拉取中或没有更早历史时不做任何事。
func (s *Stream) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.loading || !s.hasMore || len(s.entries) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	oldest := s.entries[0].CreatedAt
	s.mu.Unlock()

	page, err := s.msgs.ListBefore(ctx, s.convID, oldest, s.pageSize)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.hasMore = len(page) >= s.pageSize
	// page 为倒序，反转后前插保持整体升序
	for _, m := range page {
		s.entries = append([]*models.Message{m}, s.entries...)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Edit 覆写消息文本并打上 editedAt；createdAt 与列表位置不变。
// 仅发送者本人可编辑。
func (s *Stream) Edit(ctx context.Context, msgID, newText string) error {
	msg, err := s.lookup(ctx, msgID)
	if err != nil {
		return err
	}
	if msg.SenderID != s.self {
		return fmt.Errorf("%w: only the sender can edit a message", ErrNotAuthorized)
	}
	return s.msgs.Update(ctx, s.convID, msgID, store.FieldUpdate{Set: map[string]any{
		"text":     newText,
		"editedAt": time.Now(),
	}})
}

// Delete 物理删除消息，不可恢复。仅发送者本人可删。
// 本地投影先乐观移除，存储确认后不再恢复。
func (s *Stream) Delete(ctx context.Context, msgID string) error {
	msg, err := s.lookup(ctx, msgID)
	if err != nil {
		return err
	}
	if msg.SenderID != s.self {
		return fmt.Errorf("%w: only the sender can delete a message", ErrNotAuthorized)
	}
	s.mu.Lock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.ID != msgID {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.mu.Unlock()
	s.notify()
	return s.msgs.Delete(ctx, s.convID, msgID)
}

// Forward 将 original 以新消息转发到目标会话，携带来源元信息。
// 新消息与原消息生命周期独立；目标会话的其它参与者未读 +1。
func (s *Stream) Forward(ctx context.Context, original *models.Message, targetConvID string) (*models.Message, error) {
	if original == nil {
		return nil, fmt.Errorf("%w: nothing to forward", ErrInvalidArgument)
	}
	target, err := s.convs.Get(ctx, targetConvID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, targetConvID)
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConvID:         targetConvID,
		SenderID:       s.self,
		SenderName:     s.selfName,
		SenderPhoto:    s.selfPhoto,
		Text:           original.Text,
		Attachments:    original.Attachments,
		Status:         models.MessageStatus{Sent: true},
		ForwardedFrom:  original.ID,
		OriginalSender: original.SenderName,
		CreatedAt:      time.Now(),
	}
	if err := s.msgs.Append(ctx, msg); err != nil {
		return nil, err
	}
	s.bumpRecipients(ctx, target, msg)
	s.updateSummary(ctx, targetConvID, msg)
	log.Printf("Stream.Forward: from=%s original=%s target=%s msgId=%s", s.self, original.ID, targetConvID, msg.ID)
	return msg, nil
}

// ToggleReaction 表情开关：当前表情与 emoji 相同则清除，否则覆盖设置。
// 每人每条消息至多一个表情。
func (s *Stream) ToggleReaction(ctx context.Context, msgID, emoji string) error {
	msg, err := s.lookup(ctx, msgID)
	if err != nil {
		return err
	}
	field := "reactions." + s.self
	if msg.Reactions[s.self] == emoji {
		return s.msgs.Update(ctx, s.convID, msgID, store.FieldUpdate{Unset: []string{field}})
	}
	return s.msgs.Update(ctx, s.convID, msgID, store.FieldUpdate{Set: map[string]any{field: emoji}})
}

// TogglePin 会话置顶消息开关：一个会话至多一条置顶；重复置顶同一条即取消。
func (s *Stream) TogglePin(ctx context.Context, convID, msgID string) error {
	conv, err := s.convs.Get(ctx, convID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, convID)
	}
	if conv.PinnedMsgID == msgID {
		return s.convs.Update(ctx, convID, store.FieldUpdate{Unset: []string{"pinnedMsgId"}})
	}
	return s.convs.Update(ctx, convID, store.FieldUpdate{Set: map[string]any{"pinnedMsgId": msgID}})
}

// lookup 优先查本地投影，未命中再查存储。
func (s *Stream) lookup(ctx context.Context, msgID string) (*models.Message, error) {
	s.mu.Lock()
	for _, e := range s.entries {
		if e.ID == msgID {
			s.mu.Unlock()
			return e, nil
		}
	}
	s.mu.Unlock()
	msg, err := s.msgs.Get(ctx, s.convID, msgID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, msgID)
	}
	return msg, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
