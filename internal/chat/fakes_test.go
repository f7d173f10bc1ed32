package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"opsdesk/internal/cache"
	"opsdesk/internal/models"
	"opsdesk/internal/store"
)

// 内存伪存储：解释与 Mongo 实现相同的文档风格字段路径，
// 写入后向订阅者推送增量，模拟 change stream 行为。

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within 2s")
}

func cloneConv(c *models.Conversation) *models.Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	out.Names = cloneStrMap(c.Names)
	out.Photos = cloneStrMap(c.Photos)
	out.Unread = cloneInt64Map(c.Unread)
	if c.Cursors != nil {
		out.Cursors = make(map[string]time.Time, len(c.Cursors))
		for k, v := range c.Cursors {
			out.Cursors[k] = v
		}
	}
	out.PinnedBy = cloneBoolMap(c.PinnedBy)
	out.MutedBy = cloneBoolMap(c.MutedBy)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	if c.Group != nil {
		g := *c.Group
		g.AdminIDs = append([]string(nil), c.Group.AdminIDs...)
		g.Settings = cloneBoolMap(c.Group.Settings)
		out.Group = &g
	}
	return &out
}

func cloneMsg(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Attachments = append([]models.Attachment(nil), m.Attachments...)
	out.MentionIDs = append([]string(nil), m.MentionIDs...)
	out.Reactions = cloneStrMap(m.Reactions)
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return &out
}

func cloneStrMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneInt64Map(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneBoolMap(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// ---- 会话存储 ----

type fakeConvFeed struct {
	ch        chan []store.ConversationDelta
	closeOnce sync.Once
}

func (f *fakeConvFeed) Deltas() <-chan []store.ConversationDelta { return f.ch }
func (f *fakeConvFeed) Close()                                   { f.closeOnce.Do(func() { close(f.ch) }) }

type fakeConvStore struct {
	mu    sync.Mutex
	convs map[string]*models.Conversation
	feeds map[*fakeConvFeed]string // feed → participantID

	createErr error
	updateErr error

	updateCalls int
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		convs: map[string]*models.Conversation{},
		feeds: map[*fakeConvFeed]string{},
	}
}

func (s *fakeConvStore) Create(_ context.Context, c *models.Conversation) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	s.convs[c.ID] = cloneConv(c)
	s.emitLocked(store.ConversationDelta{Kind: store.DeltaAdded, Conv: cloneConv(c)})
	s.mu.Unlock()
	return nil
}

func (s *fakeConvStore) Get(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConv(s.convs[id]), nil
}

func (s *fakeConvStore) ListDirectWith(_ context.Context, participantID string) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Conversation
	for _, c := range s.convs {
		if c.Type == models.ConversationTypeDirect && c.HasParticipant(participantID) {
			out = append(out, cloneConv(c))
		}
	}
	return out, nil
}

func (s *fakeConvStore) Update(_ context.Context, id string, u store.FieldUpdate) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	s.updateCalls++
	applyConvUpdate(c, u)
	s.emitLocked(store.ConversationDelta{Kind: store.DeltaModified, Conv: cloneConv(c)})
	return nil
}

func (s *fakeConvStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.convs, id)
	s.emitLocked(store.ConversationDelta{Kind: store.DeltaRemoved, Conv: &models.Conversation{ID: id}})
	s.mu.Unlock()
	return nil
}

func (s *fakeConvStore) Subscribe(_ context.Context, participantID string) (store.ConversationFeed, error) {
	feed := &fakeConvFeed{ch: make(chan []store.ConversationDelta, 64)}
	s.mu.Lock()
	var initial []store.ConversationDelta
	for _, c := range s.convs {
		if c.HasParticipant(participantID) {
			initial = append(initial, store.ConversationDelta{Kind: store.DeltaAdded, Conv: cloneConv(c)})
		}
	}
	sort.Slice(initial, func(i, j int) bool {
		return initial[i].Conv.UpdatedAt.After(initial[j].Conv.UpdatedAt)
	})
	feed.ch <- initial
	s.feeds[feed] = participantID
	s.mu.Unlock()
	return feed, nil
}

// emitLocked 模拟订阅层的过滤：added 只发给成员，
// modified/removed 发给所有订阅方（被移出的成员要靠 modified 得知移除）。
func (s *fakeConvStore) emitLocked(d store.ConversationDelta) {
	for feed, pid := range s.feeds {
		if d.Kind == store.DeltaAdded && !d.Conv.HasParticipant(pid) {
			continue
		}
		select {
		case feed.ch <- []store.ConversationDelta{d}:
		default:
		}
	}
}

// applyConvUpdate 按文档风格字段路径应用多字段更新（与 Mongo 路径一致）。
func applyConvUpdate(c *models.Conversation, u store.FieldUpdate) {
	for k, v := range u.Set {
		switch {
		case strings.HasPrefix(k, "names."):
			if c.Names == nil {
				c.Names = map[string]string{}
			}
			c.Names[strings.TrimPrefix(k, "names.")] = v.(string)
		case strings.HasPrefix(k, "photos."):
			if c.Photos == nil {
				c.Photos = map[string]string{}
			}
			c.Photos[strings.TrimPrefix(k, "photos.")] = v.(string)
		case strings.HasPrefix(k, "unread."):
			if c.Unread == nil {
				c.Unread = map[string]int64{}
			}
			c.Unread[strings.TrimPrefix(k, "unread.")] = asInt64(v)
		case strings.HasPrefix(k, "cursors."):
			if c.Cursors == nil {
				c.Cursors = map[string]time.Time{}
			}
			c.Cursors[strings.TrimPrefix(k, "cursors.")] = v.(time.Time)
		case strings.HasPrefix(k, "pinnedBy."):
			if c.PinnedBy == nil {
				c.PinnedBy = map[string]bool{}
			}
			c.PinnedBy[strings.TrimPrefix(k, "pinnedBy.")] = v.(bool)
		case strings.HasPrefix(k, "mutedBy."):
			if c.MutedBy == nil {
				c.MutedBy = map[string]bool{}
			}
			c.MutedBy[strings.TrimPrefix(k, "mutedBy.")] = v.(bool)
		case k == "pinnedMsgId":
			c.PinnedMsgID = v.(string)
		case k == "lastMessage":
			c.LastMessage = v.(*models.LastMessage)
		case k == "updatedAt":
			c.UpdatedAt = v.(time.Time)
		case k == "group.name":
			c.Group.Name = v.(string)
		case k == "group.description":
			c.Group.Description = v.(string)
		case k == "group.photoUrl":
			c.Group.PhotoURL = v.(string)
		case strings.HasPrefix(k, "group.settings."):
			if c.Group.Settings == nil {
				c.Group.Settings = map[string]bool{}
			}
			c.Group.Settings[strings.TrimPrefix(k, "group.settings.")] = v.(bool)
		}
	}
	for _, k := range u.Unset {
		switch {
		case k == "pinnedMsgId":
			c.PinnedMsgID = ""
		case strings.HasPrefix(k, "names."):
			delete(c.Names, strings.TrimPrefix(k, "names."))
		case strings.HasPrefix(k, "photos."):
			delete(c.Photos, strings.TrimPrefix(k, "photos."))
		case strings.HasPrefix(k, "unread."):
			delete(c.Unread, strings.TrimPrefix(k, "unread."))
		case strings.HasPrefix(k, "cursors."):
			delete(c.Cursors, strings.TrimPrefix(k, "cursors."))
		}
	}
	for k, v := range u.AddToSet {
		id := v.(string)
		switch k {
		case "participantIds":
			if !contains(c.ParticipantIDs, id) {
				c.ParticipantIDs = append(c.ParticipantIDs, id)
			}
		case "group.adminIds":
			if !contains(c.Group.AdminIDs, id) {
				c.Group.AdminIDs = append(c.Group.AdminIDs, id)
			}
		}
	}
	for k, v := range u.Pull {
		id := v.(string)
		switch k {
		case "participantIds":
			c.ParticipantIDs = remove(c.ParticipantIDs, id)
		case "group.adminIds":
			c.Group.AdminIDs = remove(c.Group.AdminIDs, id)
		}
	}
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// ---- 消息存储 ----

type fakeMsgFeed struct {
	ch        chan []store.MessageDelta
	closeOnce sync.Once
}

func (f *fakeMsgFeed) Deltas() <-chan []store.MessageDelta { return f.ch }
func (f *fakeMsgFeed) Close()                              { f.closeOnce.Do(func() { close(f.ch) }) }

type fakeMsgStore struct {
	mu    sync.Mutex
	msgs  map[string][]*models.Message // convID → createdAt 升序
	feeds map[*fakeMsgFeed]string      // feed → convID

	appendErr error
}

func newFakeMsgStore() *fakeMsgStore {
	return &fakeMsgStore{
		msgs:  map[string][]*models.Message{},
		feeds: map[*fakeMsgFeed]string{},
	}
}

func (s *fakeMsgStore) Append(_ context.Context, m *models.Message) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.mu.Lock()
	list := append(s.msgs[m.ConvID], cloneMsg(m))
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	s.msgs[m.ConvID] = list
	s.emitLocked(m.ConvID, store.MessageDelta{Kind: store.DeltaAdded, Msg: cloneMsg(m)})
	s.mu.Unlock()
	return nil
}

func (s *fakeMsgStore) Get(_ context.Context, convID, msgID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs[convID] {
		if m.ID == msgID {
			return cloneMsg(m), nil
		}
	}
	return nil, nil
}

func (s *fakeMsgStore) Update(_ context.Context, convID, msgID string, u store.FieldUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs[convID] {
		if m.ID != msgID {
			continue
		}
		applyMsgUpdate(m, u)
		s.emitLocked(convID, store.MessageDelta{Kind: store.DeltaModified, Msg: cloneMsg(m)})
		return nil
	}
	return nil
}

func (s *fakeMsgStore) Delete(_ context.Context, convID, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.msgs[convID][:0]
	for _, m := range s.msgs[convID] {
		if m.ID != msgID {
			kept = append(kept, m)
		}
	}
	s.msgs[convID] = kept
	s.emitLocked(convID, store.MessageDelta{Kind: store.DeltaRemoved, Msg: &models.Message{ID: msgID}})
	return nil
}

func (s *fakeMsgStore) DeleteByConversation(_ context.Context, convID string) error {
	s.mu.Lock()
	delete(s.msgs, convID)
	s.mu.Unlock()
	return nil
}

func (s *fakeMsgStore) ListBefore(_ context.Context, convID string, before time.Time, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	list := s.msgs[convID]
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		if list[i].CreatedAt.Before(before) {
			out = append(out, cloneMsg(list[i]))
		}
	}
	return out, nil
}

func (s *fakeMsgStore) Subscribe(_ context.Context, convID string, limit int) (store.MessageFeed, error) {
	feed := &fakeMsgFeed{ch: make(chan []store.MessageDelta, 256)}
	s.mu.Lock()
	list := s.msgs[convID]
	var initial []store.MessageDelta
	for i := len(list) - 1; i >= 0 && len(initial) < limit; i-- {
		initial = append(initial, store.MessageDelta{Kind: store.DeltaAdded, Msg: cloneMsg(list[i])})
	}
	feed.ch <- initial
	s.feeds[feed] = convID
	s.mu.Unlock()
	return feed, nil
}

func (s *fakeMsgStore) emitLocked(convID string, d store.MessageDelta) {
	for feed, cid := range s.feeds {
		if cid != convID {
			continue
		}
		select {
		case feed.ch <- []store.MessageDelta{d}:
		default:
		}
	}
}

func applyMsgUpdate(m *models.Message, u store.FieldUpdate) {
	for k, v := range u.Set {
		switch {
		case k == "text":
			m.Text = v.(string)
		case k == "editedAt":
			t := v.(time.Time)
			m.EditedAt = &t
		case strings.HasPrefix(k, "reactions."):
			if m.Reactions == nil {
				m.Reactions = map[string]string{}
			}
			m.Reactions[strings.TrimPrefix(k, "reactions.")] = v.(string)
		}
	}
	for _, k := range u.Unset {
		if strings.HasPrefix(k, "reactions.") {
			delete(m.Reactions, strings.TrimPrefix(k, "reactions."))
		}
	}
}

// ---- 用户存储 ----

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newFakeUserStore(users ...*models.User) *fakeUserStore {
	s := &fakeUserStore{users: map[string]*models.User{}}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *fakeUserStore) Create(_ context.Context, u *models.User) error {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *fakeUserStore) GetByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (s *fakeUserStore) GetByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			out := *u
			return &out, nil
		}
	}
	return nil, nil
}

func (s *fakeUserStore) UpdateProfile(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.users[u.ID]; ok {
		cur.Nickname = u.Nickname
		cur.AvatarURL = u.AvatarURL
	}
	return nil
}

// ---- 快速计数存储 ----

type fakeUnreadFeed struct {
	ch        chan map[string]int64
	closeOnce sync.Once
}

func (f *fakeUnreadFeed) Updates() <-chan map[string]int64 { return f.ch }
func (f *fakeUnreadFeed) Close()                           { f.closeOnce.Do(func() { close(f.ch) }) }

type fakeStatusFeed struct {
	ch        chan map[string]models.StatusEntry
	closeOnce sync.Once
}

func (f *fakeStatusFeed) Updates() <-chan map[string]models.StatusEntry { return f.ch }
func (f *fakeStatusFeed) Close()                                        { f.closeOnce.Do(func() { close(f.ch) }) }

type fakeCounterStore struct {
	mu          sync.Mutex
	counts      map[string]map[string]int64 // participantID → convID → n
	unreadFeeds map[*fakeUnreadFeed]string
	statusFeeds []*fakeStatusFeed
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{
		counts:      map[string]map[string]int64{},
		unreadFeeds: map[*fakeUnreadFeed]string{},
	}
}

func (s *fakeCounterStore) IncrUnread(_ context.Context, participantID, convID string) error {
	s.mu.Lock()
	if s.counts[participantID] == nil {
		s.counts[participantID] = map[string]int64{}
	}
	s.counts[participantID][convID]++
	s.pushUnreadLocked(participantID)
	s.mu.Unlock()
	return nil
}

func (s *fakeCounterStore) ResetUnread(_ context.Context, participantID, convID string) error {
	s.mu.Lock()
	if s.counts[participantID] != nil {
		s.counts[participantID][convID] = 0
	}
	s.pushUnreadLocked(participantID)
	s.mu.Unlock()
	return nil
}

func (s *fakeCounterStore) UnreadSnapshot(_ context.Context, participantID string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneInt64Map(s.counts[participantID]), nil
}

func (s *fakeCounterStore) SubscribeUnread(_ context.Context, participantID string) (cache.UnreadFeed, error) {
	feed := &fakeUnreadFeed{ch: make(chan map[string]int64, 64)}
	s.mu.Lock()
	snap := cloneInt64Map(s.counts[participantID])
	if snap == nil {
		snap = map[string]int64{}
	}
	feed.ch <- snap
	s.unreadFeeds[feed] = participantID
	s.mu.Unlock()
	return feed, nil
}

func (s *fakeCounterStore) SubscribeStatus(_ context.Context) (cache.StatusFeed, error) {
	feed := &fakeStatusFeed{ch: make(chan map[string]models.StatusEntry, 64)}
	s.mu.Lock()
	s.statusFeeds = append(s.statusFeeds, feed)
	s.mu.Unlock()
	return feed, nil
}

func (s *fakeCounterStore) pushUnreadLocked(participantID string) {
	for feed, pid := range s.unreadFeeds {
		if pid != participantID {
			continue
		}
		snap := cloneInt64Map(s.counts[participantID])
		if snap == nil {
			snap = map[string]int64{}
		}
		select {
		case feed.ch <- snap:
		default:
		}
	}
}

func (s *fakeCounterStore) pushStatus(batch map[string]models.StatusEntry) {
	s.mu.Lock()
	for _, feed := range s.statusFeeds {
		select {
		case feed.ch <- batch:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *fakeCounterStore) closeStatusFeeds() {
	s.mu.Lock()
	for _, feed := range s.statusFeeds {
		feed.Close()
	}
	s.mu.Unlock()
}
