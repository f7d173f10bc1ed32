package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsdesk/internal/models"
)

// groupConv 三人群：a 建群并任唯一管理员，b/c 为普通成员。
func groupConv(id string, updatedAt time.Time) *models.Conversation {
	conv := directConv(id, updatedAt, "a", "b", "c")
	conv.Type = models.ConversationTypeGroup
	conv.Photos = map[string]string{"a": "", "b": "", "c": ""}
	conv.Group = &models.GroupMeta{
		Name:      "Ops 值班",
		AdminIDs:  []string{"a"},
		CreatorID: "a",
	}
	return conv
}

func newMembership(t *testing.T, self string, cs *fakeConvStore, ms *fakeMsgStore) *MembershipManager {
	t.Helper()
	m, err := NewMembershipManager(self, cs, ms, testUsers(), nil)
	if err != nil {
		t.Fatalf("NewMembershipManager: %v", err)
	}
	return m
}

func TestAddMember(t *testing.T) {
	cs := newFakeConvStore()
	conv := groupConv("g1", time.Now())
	conv.ParticipantIDs = []string{"a", "b"}
	delete(conv.Names, "c")
	delete(conv.Photos, "c")
	delete(conv.Unread, "c")
	_ = cs.Create(context.Background(), conv)

	// 非管理员不能拉人
	mb := newMembership(t, "b", cs, newFakeMsgStore())
	if err := mb.AddMember(context.Background(), "g1", "c"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-admin add = %v, want NotAuthorized", err)
	}

	ma := newMembership(t, "a", cs, newFakeMsgStore())
	if err := ma.AddMember(context.Background(), "g1", "b"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("re-add member = %v, want InvalidArgument", err)
	}
	if err := ma.AddMember(context.Background(), "g1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("add unknown user = %v, want NotFound", err)
	}
	if err := ma.AddMember(context.Background(), "g1", "c"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	got, _ := cs.Get(context.Background(), "g1")
	if !got.HasParticipant("c") {
		t.Fatal("c not in participant list")
	}
	// 四张映射同笔补齐
	if got.Names["c"] != "Cara" {
		t.Fatalf("name not seeded: %q", got.Names["c"])
	}
	if _, ok := got.Photos["c"]; !ok {
		t.Fatal("photo slot not seeded")
	}
	if n, ok := got.Unread["c"]; !ok || n != 0 {
		t.Fatalf("unread not zero-seeded: %d ok=%v", n, ok)
	}
	if got.IsAdmin("c") {
		t.Fatal("new member must not be admin")
	}
}

func TestRemoveMember(t *testing.T) {
	cs := newFakeConvStore()
	conv := groupConv("g1", time.Now())
	conv.Group.AdminIDs = []string{"a", "b"}
	conv.Cursors = map[string]time.Time{"b": time.Now()}
	_ = cs.Create(context.Background(), conv)

	ma := newMembership(t, "a", cs, newFakeMsgStore())
	if err := ma.RemoveMember(context.Background(), "g1", "a"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("remove creator = %v, want InvalidArgument", err)
	}
	mc := newMembership(t, "c", cs, newFakeMsgStore())
	if err := mc.RemoveMember(context.Background(), "g1", "b"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-admin remove = %v, want NotAuthorized", err)
	}

	if err := ma.RemoveMember(context.Background(), "g1", "b"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	got, _ := cs.Get(context.Background(), "g1")
	if got.HasParticipant("b") || got.IsAdmin("b") {
		t.Fatal("b still present after removal")
	}
	for _, m := range []map[string]string{got.Names, got.Photos} {
		if _, ok := m["b"]; ok {
			t.Fatal("display maps not cleaned")
		}
	}
	if _, ok := got.Unread["b"]; ok {
		t.Fatal("unread slot not cleaned")
	}
	if _, ok := got.Cursors["b"]; ok {
		t.Fatal("cursor slot not cleaned")
	}

	// 重复移除视为参数错误
	if err := ma.RemoveMember(context.Background(), "g1", "b"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("repeat removal = %v, want InvalidArgument", err)
	}
}

func TestUpdateGroupInfo(t *testing.T) {
	cs := newFakeConvStore()
	_ = cs.Create(context.Background(), groupConv("g1", time.Now()))

	str := func(s string) *string { return &s }

	// 普通成员带名称的混合请求整体拒绝：头像也不得落盘
	mb := newMembership(t, "b", cs, newFakeMsgStore())
	err := mb.UpdateGroupInfo(context.Background(), "g1", GroupInfoUpdate{
		Name:     str("改名"),
		PhotoURL: str("https://cdn.example.com/g1.png"),
	})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("member rename = %v, want NotAuthorized", err)
	}
	got, _ := cs.Get(context.Background(), "g1")
	if got.Group.PhotoURL != "" {
		t.Fatal("rejected request must not partially apply")
	}

	// 仅改头像不需要管理员
	if err := mb.UpdateGroupInfo(context.Background(), "g1", GroupInfoUpdate{PhotoURL: str("p.png")}); err != nil {
		t.Fatalf("member photo update: %v", err)
	}
	got, _ = cs.Get(context.Background(), "g1")
	if got.Group.PhotoURL != "p.png" {
		t.Fatalf("photo = %q", got.Group.PhotoURL)
	}

	ma := newMembership(t, "a", cs, newFakeMsgStore())
	if err := ma.UpdateGroupInfo(context.Background(), "g1", GroupInfoUpdate{Name: str("   ")}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank name = %v, want InvalidArgument", err)
	}
	err = ma.UpdateGroupInfo(context.Background(), "g1", GroupInfoUpdate{
		Name:        str("  值班台  "),
		Description: str("排班与告警协调"),
		Settings:    map[string]bool{"onlyAdminsPost": true},
	})
	if err != nil {
		t.Fatalf("admin update: %v", err)
	}
	got, _ = cs.Get(context.Background(), "g1")
	if got.Group.Name != "值班台" {
		t.Fatalf("name = %q, want trimmed", got.Group.Name)
	}
	if got.Group.Description != "排班与告警协调" {
		t.Fatalf("description = %q", got.Group.Description)
	}
	if !got.Group.Settings["onlyAdminsPost"] {
		t.Fatal("setting bit not applied")
	}

	// 非群会话
	_ = cs.Create(context.Background(), directConv("d1", time.Now(), "a", "b"))
	if err := ma.UpdateGroupInfo(context.Background(), "d1", GroupInfoUpdate{PhotoURL: str("x")}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("direct conversation = %v, want InvalidArgument", err)
	}
	if err := ma.UpdateGroupInfo(context.Background(), "missing", GroupInfoUpdate{PhotoURL: str("x")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing conversation = %v, want NotFound", err)
	}
}

func TestPromoteAdmin(t *testing.T) {
	cs := newFakeConvStore()
	_ = cs.Create(context.Background(), groupConv("g1", time.Now()))

	mb := newMembership(t, "b", cs, newFakeMsgStore())
	if err := mb.PromoteAdmin(context.Background(), "g1", "c"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-admin promote = %v, want NotAuthorized", err)
	}
	ma := newMembership(t, "a", cs, newFakeMsgStore())
	if err := ma.PromoteAdmin(context.Background(), "g1", "ghost"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("promote non-member = %v, want InvalidArgument", err)
	}
	if err := ma.PromoteAdmin(context.Background(), "g1", "b"); err != nil {
		t.Fatalf("PromoteAdmin: %v", err)
	}
	got, _ := cs.Get(context.Background(), "g1")
	if !got.IsAdmin("b") {
		t.Fatal("b not promoted")
	}
	// 幂等：重复提升不产生重复条目
	if err := ma.PromoteAdmin(context.Background(), "g1", "b"); err != nil {
		t.Fatalf("repeat promote: %v", err)
	}
	got, _ = cs.Get(context.Background(), "g1")
	n := 0
	for _, id := range got.Group.AdminIDs {
		if id == "b" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("adminIds holds %d copies of b", n)
	}
}

func TestLeaveGroup(t *testing.T) {
	cs := newFakeConvStore()
	ms := newFakeMsgStore()
	conv := groupConv("g1", time.Now())
	conv.Cursors = map[string]time.Time{"b": time.Now()}
	_ = cs.Create(context.Background(), conv)
	_ = ms.Append(context.Background(), &models.Message{ID: "m1", ConvID: "g1", SenderID: "b", Text: "hi", CreatedAt: time.Now()})

	// 创建者还有成员在群时不可退
	ma := newMembership(t, "a", cs, ms)
	if err := ma.LeaveGroup(context.Background(), "g1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("creator leave with members = %v, want InvalidArgument", err)
	}

	mb := newMembership(t, "b", cs, ms)
	if err := mb.LeaveGroup(context.Background(), "g1"); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	got, _ := cs.Get(context.Background(), "g1")
	if got.HasParticipant("b") {
		t.Fatal("b still a participant")
	}
	if _, ok := got.Cursors["b"]; ok {
		t.Fatal("cursor slot not cleaned on leave")
	}
	// 退过群之后再退：已非成员
	if err := mb.LeaveGroup(context.Background(), "g1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("leave twice = %v, want InvalidArgument", err)
	}

	mc := newMembership(t, "c", cs, ms)
	if err := mc.LeaveGroup(context.Background(), "g1"); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}

	// 只剩创建者：退群坍缩为删群并级联删消息
	if err := ma.LeaveGroup(context.Background(), "g1"); err != nil {
		t.Fatalf("creator solo leave: %v", err)
	}
	if got, _ := cs.Get(context.Background(), "g1"); got != nil {
		t.Fatal("conversation must be deleted")
	}
	if msgs, _ := ms.ListBefore(context.Background(), "g1", time.Now().Add(time.Hour), 10); len(msgs) != 0 {
		t.Fatalf("messages not cascaded: %d left", len(msgs))
	}
}
