package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"opsdesk/internal/models"
	"opsdesk/internal/store"

	"github.com/google/uuid"
)

// LookupState 区分"缓存尚未收到"与"确实不存在"。
type LookupState int

const (
	LookupFound LookupState = iota
	LookupMissing
	LookupNotLoaded
)

// Directory 维护当前参与者可见的会话集合：
// - 订阅持久存储中参与者的全部会话，按 updatedAt 倒序
// - 本地 id→会话 缓存供其它组件 O(1) 查询
// - 单聊 get-or-create、群聊创建与会话删除（级联删消息）
// 每个实例独立持有自己的缓存与订阅，互不干扰。
type Directory struct {
	self  string
	convs store.ConversationStore
	msgs  store.MessageStore
	users store.UserStore

	mu     sync.RWMutex
	cache  map[string]*models.Conversation
	synced bool

	feed     store.ConversationFeed
	onChange func([]*models.Conversation)

	closeOnce sync.Once
}

// NewDirectory 构造会话目录。self 为空返回 ErrNotAuthenticated。
func NewDirectory(self string, convs store.ConversationStore, msgs store.MessageStore, users store.UserStore) (*Directory, error) {
	if self == "" {
		return nil, ErrNotAuthenticated
	}
	return &Directory{
		self:  self,
		convs: convs,
		msgs:  msgs,
		users: users,
		cache: map[string]*models.Conversation{},
	}, nil
}

// OnChange 注册会话列表变更回调（网关用于向客户端推送投影）。
// 回调在增量应用之后、锁外调用。
func (d *Directory) OnChange(fn func([]*models.Conversation)) { d.onChange = fn }

// Start 建立订阅并启动增量处理循环。
func (d *Directory) Start(ctx context.Context) error {
	feed, err := d.convs.Subscribe(ctx, d.self)
	if err != nil {
		return err
	}
	d.feed = feed
	go func() {
		for batch := range feed.Deltas() {
			d.apply(batch)
			if d.onChange != nil {
				d.onChange(d.Conversations())
			}
		}
	}()
	return nil
}

// Close 终止订阅并停止本地变更，幂等。
func (d *Directory) Close() {
	d.closeOnce.Do(func() {
		if d.feed != nil {
			d.feed.Close()
		}
	})
}

// apply 将一批增量并入本地缓存。首批到达后 synced 置位。
// modified 后自己已不在参与者列表的会话视同移除（被移出群）；
// 订阅层不按成员过滤 update 事件，与己无关的会话在这里丢弃。
func (d *Directory) apply(batch []store.ConversationDelta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, delta := range batch {
		switch delta.Kind {
		case store.DeltaAdded, store.DeltaModified:
			if !delta.Conv.HasParticipant(d.self) {
				delete(d.cache, delta.Conv.ID)
				continue
			}
			d.cache[delta.Conv.ID] = delta.Conv
		case store.DeltaRemoved:
			delete(d.cache, delta.Conv.ID)
		}
	}
	d.synced = true
}

// Lookup 同步缓存查询。缓存尚未完成首批同步时返回 LookupNotLoaded。
func (d *Directory) Lookup(id string) (*models.Conversation, LookupState) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.cache[id]; ok {
		return c, LookupFound
	}
	if !d.synced {
		return nil, LookupNotLoaded
	}
	return nil, LookupMissing
}

// Conversations 返回当前快照，按 updatedAt 倒序。
func (d *Directory) Conversations() []*models.Conversation {
	d.mu.RLock()
	out := make([]*models.Conversation, 0, len(d.cache))
	for _, c := range d.cache {
		out = append(out, c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// GetOrCreateDirect 查找或创建与 otherID 的单聊，返回会话 ID。
// 单聊按无序参与者对唯一：先查重（查存储而非本地缓存），无则建。
func (d *Directory) GetOrCreateDirect(ctx context.Context, otherID string) (string, error) {
	if otherID == "" || otherID == d.self {
		return "", fmt.Errorf("%w: cannot open a conversation with yourself", ErrInvalidArgument)
	}
	existing, err := d.convs.ListDirectWith(ctx, d.self)
	if err != nil {
		return "", err
	}
	for _, c := range existing {
		if c.HasParticipant(otherID) {
			return c.ID, nil
		}
	}
	me, err := d.users.GetByID(ctx, d.self)
	if err != nil {
		return "", err
	}
	other, err := d.users.GetByID(ctx, otherID)
	if err != nil {
		return "", err
	}
	if other == nil {
		return "", fmt.Errorf("%w: user %s", ErrNotFound, otherID)
	}
	now := time.Now()
	conv := &models.Conversation{
		ID:             uuid.NewString(),
		Type:           models.ConversationTypeDirect,
		ParticipantIDs: []string{d.self, otherID},
		Names:          map[string]string{d.self: displayName(me), otherID: displayName(other)},
		Photos:         map[string]string{d.self: photoOf(me), otherID: photoOf(other)},
		Unread:         map[string]int64{d.self: 0, otherID: 0},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.convs.Create(ctx, conv); err != nil {
		log.Printf("Dir.GetOrCreateDirect create error: self=%s other=%s err=%v", d.self, otherID, err)
		return "", err
	}
	log.Printf("Dir.GetOrCreateDirect created: convId=%s self=%s other=%s", conv.ID, d.self, otherID)
	return conv.ID, nil
}

// CreateGroup 创建群聊：创建者为唯一初始管理员，所有成员未读清零。
// memberIDs 不含创建者且去重后至少 2 人。
func (d *Directory) CreateGroup(ctx context.Context, name string, memberIDs []string, photoURL string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: group name is empty", ErrInvalidArgument)
	}
	members := dedup(memberIDs, d.self)
	if len(members) < 2 {
		return "", fmt.Errorf("%w: a group needs at least 2 members besides the creator", ErrInvalidArgument)
	}
	all := append([]string{d.self}, members...)
	names := make(map[string]string, len(all))
	photos := make(map[string]string, len(all))
	unread := make(map[string]int64, len(all))
	for _, id := range all {
		u, err := d.users.GetByID(ctx, id)
		if err != nil {
			return "", err
		}
		if u == nil {
			return "", fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		names[id] = displayName(u)
		photos[id] = photoOf(u)
		unread[id] = 0
	}
	now := time.Now()
	conv := &models.Conversation{
		ID:             uuid.NewString(),
		Type:           models.ConversationTypeGroup,
		ParticipantIDs: all,
		Names:          names,
		Photos:         photos,
		Unread:         unread,
		Group: &models.GroupMeta{
			Name:      name,
			PhotoURL:  photoURL,
			AdminIDs:  []string{d.self},
			CreatorID: d.self,
			Settings:  map[string]bool{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.convs.Create(ctx, conv); err != nil {
		log.Printf("Dir.CreateGroup create error: self=%s name=%q err=%v", d.self, name, err)
		return "", err
	}
	log.Printf("Dir.CreateGroup created: convId=%s members=%d", conv.ID, len(all))
	return conv.ID, nil
}

// DeleteGroup 物理删除群聊并级联删除其全部消息。
func (d *Directory) DeleteGroup(ctx context.Context, convID string) error {
	conv, err := d.convs.Get(ctx, convID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, convID)
	}
	if !conv.IsGroup() {
		return fmt.Errorf("%w: %s is not a group", ErrInvalidArgument, convID)
	}
	return d.deleteCascade(ctx, convID)
}

// DeleteDirect 物理删除单聊并级联删除其全部消息。群聊走 DeleteGroup。
func (d *Directory) DeleteDirect(ctx context.Context, convID string) error {
	conv, err := d.convs.Get(ctx, convID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, convID)
	}
	if conv.IsGroup() {
		return fmt.Errorf("%w: %s is a group, delete it via the group path", ErrInvalidArgument, convID)
	}
	return d.deleteCascade(ctx, convID)
}

func (d *Directory) deleteCascade(ctx context.Context, convID string) error {
	if err := d.convs.Delete(ctx, convID); err != nil {
		return err
	}
	if err := d.msgs.DeleteByConversation(ctx, convID); err != nil {
		log.Printf("Dir.DeleteCascade messages error: convId=%s err=%v", convID, err)
		return err
	}
	return nil
}

// SetConversationPinned 设置当前参与者的会话置顶开关（点写入）。
func (d *Directory) SetConversationPinned(ctx context.Context, convID string, pinned bool) error {
	return d.convs.Update(ctx, convID, store.FieldUpdate{Set: map[string]any{"pinnedBy." + d.self: pinned}})
}

// SetConversationMuted 设置当前参与者的会话免打扰开关。
func (d *Directory) SetConversationMuted(ctx context.Context, convID string, muted bool) error {
	return d.convs.Update(ctx, convID, store.FieldUpdate{Set: map[string]any{"mutedBy." + d.self: muted}})
}

func displayName(u *models.User) string {
	if u == nil {
		return ""
	}
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

func photoOf(u *models.User) string {
	if u == nil {
		return ""
	}
	return u.AvatarURL
}

// dedup 去重并剔除 exclude。
func dedup(ids []string, exclude string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		if id == "" || id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
