package chat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"opsdesk/internal/models"
)

func TestUnreadTotalsFromSnapshot(t *testing.T) {
	fc := newFakeCounterStore()
	_ = fc.IncrUnread(context.Background(), "a", "c1")
	_ = fc.IncrUnread(context.Background(), "a", "c1")
	_ = fc.IncrUnread(context.Background(), "a", "c2")

	unread, err := NewUnreadService("a", fc, newFakeConvStore(), nil)
	if err != nil {
		t.Fatalf("NewUnreadService: %v", err)
	}
	if err := unread.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer unread.Close()

	waitFor(t, func() bool { return unread.TotalUnread() == 3 })
	per := unread.PerConversation()
	if per["c1"] != 2 || per["c2"] != 1 {
		t.Fatalf("per-conversation wrong: %v", per)
	}

	// 返回的是副本，改它不影响内部状态
	per["c1"] = 99
	if unread.PerConversation()["c1"] != 2 {
		t.Fatal("PerConversation must return a copy")
	}
}

func TestUnreadFollowsFeedUpdates(t *testing.T) {
	fc := newFakeCounterStore()
	unread, _ := NewUnreadService("a", fc, newFakeConvStore(), nil)

	// 回调在 Start 之前注册，与网关的接线顺序一致
	var gotTotal atomic.Int64
	gotTotal.Store(-1)
	unread.OnChange(func(total int64, _ map[string]int64) { gotTotal.Store(total) })

	if err := unread.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer unread.Close()

	_ = fc.IncrUnread(context.Background(), "a", "c1")
	waitFor(t, func() bool { return gotTotal.Load() == 1 })
	if unread.TotalUnread() != 1 {
		t.Fatalf("snapshot total: want 1, got %d", unread.TotalUnread())
	}

	_ = fc.ResetUnread(context.Background(), "a", "c1")
	waitFor(t, func() bool { return gotTotal.Load() == 0 })
}

func TestUnreadResetMirrorsDurable(t *testing.T) {
	fc := newFakeCounterStore()
	cs := newFakeConvStore()
	conv := directConv("c1", time.Now(), "a", "b")
	conv.Unread["a"] = 5
	_ = cs.Create(context.Background(), conv)

	unread, _ := NewUnreadService("a", fc, cs, nil)
	_ = fc.IncrUnread(context.Background(), "a", "c1")

	if err := unread.Reset(context.Background(), "c1", "a"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if snap, _ := fc.UnreadSnapshot(context.Background(), "a"); snap["c1"] != 0 {
		t.Fatalf("fast counter not zeroed: %d", snap["c1"])
	}
	got, _ := cs.Get(context.Background(), "c1")
	if got.Unread["a"] != 0 {
		t.Fatalf("durable mirror not zeroed: %d", got.Unread["a"])
	}
}

func TestUnreadForCounterpart(t *testing.T) {
	cs := newFakeConvStore()
	_ = cs.Create(context.Background(), directConv("c1", time.Now(), "a", "b"))
	_ = cs.Create(context.Background(), directConv("c2", time.Now(), "a", "c"))
	group := directConv("g1", time.Now(), "a", "b", "c")
	group.Type = models.ConversationTypeGroup
	group.Group = &models.GroupMeta{Name: "team", AdminIDs: []string{"a"}, CreatorID: "a"}
	_ = cs.Create(context.Background(), group)

	dir := startDirectory(t, "a", cs, newFakeMsgStore(), testUsers())
	waitFor(t, func() bool { return len(dir.Conversations()) == 3 })

	fc := newFakeCounterStore()
	_ = fc.IncrUnread(context.Background(), "a", "c1")
	_ = fc.IncrUnread(context.Background(), "a", "c1")
	_ = fc.IncrUnread(context.Background(), "a", "c2")
	// 群聊计数不映射到对端
	for i := 0; i < 7; i++ {
		_ = fc.IncrUnread(context.Background(), "a", "g1")
	}

	unread, _ := NewUnreadService("a", fc, cs, dir)
	if err := unread.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer unread.Close()
	waitFor(t, func() bool { return unread.TotalUnread() == 10 })

	byUser := unread.UnreadForCounterpart()
	if byUser["b"] != 2 || byUser["c"] != 1 {
		t.Fatalf("counterpart mapping wrong: %v", byUser)
	}
	if _, ok := byUser["g1"]; ok {
		t.Fatal("group conversations must not appear in counterpart view")
	}
}
