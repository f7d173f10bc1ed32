package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"opsdesk/internal/models"
	"opsdesk/internal/store"
)

// GroupInfoUpdate 群信息变更请求。为 nil 的字段不动。
// 名称/描述/设置位需要管理员权限，头像任何参与者都可改；
// 请求内只要有一个字段无权限则整体失败，不做部分应用。
type GroupInfoUpdate struct {
	Name        *string
	Description *string
	PhotoURL    *string
	Settings    map[string]bool
}

// MembershipManager 管理群成员与群信息：
// - 成员增删要求调用者在管理员集合内
// - 四张平行映射（参与者、名称、头像、未读）的变更走同一次原子更新，
//   成员绝不会出现"在一张表有、另一张表没有"的中间态
type MembershipManager struct {
	self  string
	convs store.ConversationStore
	msgs  store.MessageStore
	users store.UserStore
	dir   *Directory
}

// NewMembershipManager 构造群成员管理器。
func NewMembershipManager(self string, convs store.ConversationStore, msgs store.MessageStore, users store.UserStore, dir *Directory) (*MembershipManager, error) {
	if self == "" {
		return nil, ErrNotAuthenticated
	}
	return &MembershipManager{self: self, convs: convs, msgs: msgs, users: users, dir: dir}, nil
}

// AddMember 拉人进群，需管理员权限。目标已在群内视为参数错误。
func (m *MembershipManager) AddMember(ctx context.Context, convID, userID string) error {
	conv, err := m.group(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.IsAdmin(m.self) {
		return fmt.Errorf("%w: only admins can add members", ErrNotAuthorized)
	}
	if conv.HasParticipant(userID) {
		return fmt.Errorf("%w: %s is already a member", ErrInvalidArgument, userID)
	}
	u, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	err = m.convs.Update(ctx, convID, store.FieldUpdate{
		AddToSet: map[string]any{"participantIds": userID},
		Set: map[string]any{
			"names." + userID:  displayName(u),
			"photos." + userID: photoOf(u),
			"unread." + userID: int64(0),
			"updatedAt":        time.Now(),
		},
	})
	if err != nil {
		return err
	}
	log.Printf("Member.Add: convId=%s by=%s user=%s", convID, m.self, userID)
	return nil
}

// RemoveMember 踢人出群，需管理员权限；创建者不可被移除。
// 目标不在群内（含重复移除）视为参数错误。
func (m *MembershipManager) RemoveMember(ctx context.Context, convID, userID string) error {
	conv, err := m.group(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.IsAdmin(m.self) {
		return fmt.Errorf("%w: only admins can remove members", ErrNotAuthorized)
	}
	if userID == conv.Group.CreatorID {
		return fmt.Errorf("%w: the group creator cannot be removed", ErrInvalidArgument)
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: %s is not a member", ErrInvalidArgument, userID)
	}
	err = m.convs.Update(ctx, convID, store.FieldUpdate{
		Pull: map[string]any{
			"participantIds": userID,
			"group.adminIds": userID,
		},
		Unset: []string{
			"names." + userID,
			"photos." + userID,
			"unread." + userID,
			"cursors." + userID,
		},
		Set: map[string]any{"updatedAt": time.Now()},
	})
	if err != nil {
		return err
	}
	log.Printf("Member.Remove: convId=%s by=%s user=%s", convID, m.self, userID)
	return nil
}

// UpdateGroupInfo 按字段独立校验权限后一次性应用全部变更。
func (m *MembershipManager) UpdateGroupInfo(ctx context.Context, convID string, upd GroupInfoUpdate) error {
	conv, err := m.group(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(m.self) {
		return fmt.Errorf("%w: not a participant of %s", ErrNotAuthorized, convID)
	}
	isAdmin := conv.IsAdmin(m.self)
	needsAdmin := upd.Name != nil || upd.Description != nil || len(upd.Settings) > 0
	if needsAdmin && !isAdmin {
		return fmt.Errorf("%w: group name, description and settings require admin rights", ErrNotAuthorized)
	}
	set := map[string]any{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return fmt.Errorf("%w: group name is empty", ErrInvalidArgument)
		}
		set["group.name"] = name
	}
	if upd.Description != nil {
		set["group.description"] = *upd.Description
	}
	if upd.PhotoURL != nil {
		set["group.photoUrl"] = *upd.PhotoURL
	}
	for k, v := range upd.Settings {
		set["group.settings."+k] = v
	}
	if len(set) == 0 {
		return nil
	}
	set["updatedAt"] = time.Now()
	return m.convs.Update(ctx, convID, store.FieldUpdate{Set: set})
}

// PromoteAdmin 将成员加入管理员集合（创建者移交/扩充管理权用）。
func (m *MembershipManager) PromoteAdmin(ctx context.Context, convID, userID string) error {
	conv, err := m.group(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.IsAdmin(m.self) {
		return fmt.Errorf("%w: only admins can promote", ErrNotAuthorized)
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: %s is not a member", ErrInvalidArgument, userID)
	}
	return m.convs.Update(ctx, convID, store.FieldUpdate{
		AddToSet: map[string]any{"group.adminIds": userID},
		Set:      map[string]any{"updatedAt": time.Now()},
	})
}

// LeaveGroup 退群：
// - 创建者仅在只剩自己时可退（等价于删群，级联删消息）
// - 创建者仍有其他成员时必须先移交管理权或删群
// - 其他成员直接从四张映射中原子移除自己
func (m *MembershipManager) LeaveGroup(ctx context.Context, convID string) error {
	conv, err := m.group(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(m.self) {
		return fmt.Errorf("%w: not a participant of %s", ErrInvalidArgument, convID)
	}
	if m.self == conv.Group.CreatorID {
		if len(conv.ParticipantIDs) > 1 {
			return fmt.Errorf("%w: the creator must transfer admin rights or delete the group first", ErrInvalidArgument)
		}
		if err := m.convs.Delete(ctx, convID); err != nil {
			return err
		}
		if err := m.msgs.DeleteByConversation(ctx, convID); err != nil {
			log.Printf("Member.Leave cascade error: convId=%s err=%v", convID, err)
			return err
		}
		log.Printf("Member.Leave collapsed to delete: convId=%s creator=%s", convID, m.self)
		return nil
	}
	err = m.convs.Update(ctx, convID, store.FieldUpdate{
		Pull: map[string]any{
			"participantIds": m.self,
			"group.adminIds": m.self,
		},
		Unset: []string{
			"names." + m.self,
			"photos." + m.self,
			"unread." + m.self,
			"cursors." + m.self,
		},
		Set: map[string]any{"updatedAt": time.Now()},
	})
	if err != nil {
		return err
	}
	log.Printf("Member.Leave: convId=%s user=%s", convID, m.self)
	return nil
}

// group 取群会话：不存在 → NotFound，非群 → InvalidArgument。
func (m *MembershipManager) group(ctx context.Context, convID string) (*models.Conversation, error) {
	conv, err := m.convs.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, convID)
	}
	if !conv.IsGroup() {
		return nil, fmt.Errorf("%w: %s is not a group", ErrInvalidArgument, convID)
	}
	return conv, nil
}
