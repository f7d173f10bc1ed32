package models

import "time"

// User/Conversation/Message 为消息同步引擎的核心领域模型。
// Conversation 同时承载单聊与群聊：群聊字段集中在 Group（为空表示单聊），
// 避免散落的"字段存在性"判断。

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Nickname  string    `json:"nickname"`
	AvatarURL string    `json:"avatarUrl"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ConversationType string

const (
	ConversationTypeDirect ConversationType = "direct"
	ConversationTypeGroup  ConversationType = "group"
)

// LastMessage 会话列表展示用的最后一条消息摘要。
type LastMessage struct {
	Text           string    `json:"text"`
	SenderID       string    `json:"senderId"`
	Timestamp      time.Time `json:"timestamp"`
	HasAttachments bool      `json:"hasAttachments"`
}

// GroupMeta 群聊专属元数据。Settings 为自由开关位（如 onlyAdminsPost）。
type GroupMeta struct {
	Name        string          `json:"name"`
	PhotoURL    string          `json:"photoUrl,omitempty"`
	Description string          `json:"description,omitempty"`
	AdminIDs    []string        `json:"adminIds"`
	CreatorID   string          `json:"creatorId"`
	Settings    map[string]bool `json:"settings,omitempty"`
}

// Conversation 表示一个单聊或群聊会话。
// - Names/Photos 为按参与者缓存的展示信息（发送时快照，避免联查 users）
// - Unread 为持久层的未读兜底；正式未读计数走快速计数存储
// - Cursors 为按参与者的已读游标（读到哪）
// - PinnedBy/MutedBy 为按参与者的会话置顶/免打扰开关
type Conversation struct {
	ID             string               `json:"id"`
	Type           ConversationType     `json:"type"`
	ParticipantIDs []string             `json:"participantIds"`
	Names          map[string]string    `json:"names"`
	Photos         map[string]string    `json:"photos"`
	LastMessage    *LastMessage         `json:"lastMessage,omitempty"`
	Unread         map[string]int64     `json:"unread"`
	Cursors        map[string]time.Time `json:"cursors,omitempty"`
	PinnedMsgID    string               `json:"pinnedMsgId,omitempty"`
	PinnedBy       map[string]bool      `json:"pinnedBy,omitempty"`
	MutedBy        map[string]bool      `json:"mutedBy,omitempty"`
	Group          *GroupMeta           `json:"group,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// IsGroup 是否群聊。
func (c *Conversation) IsGroup() bool { return c.Type == ConversationTypeGroup }

// HasParticipant 判断用户是否在参与者集合中。
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsAdmin 判断用户是否群管理员（单聊恒为 false）。
func (c *Conversation) IsAdmin(userID string) bool {
	if c.Group == nil {
		return false
	}
	for _, id := range c.Group.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherParticipant 返回单聊中对端的用户 ID（群聊返回空）。
func (c *Conversation) OtherParticipant(userID string) string {
	if c.Type != ConversationTypeDirect {
		return ""
	}
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// Attachment 消息附件引用（上传本身由外部服务完成，这里只存元信息）。
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// MessageStatus 旧版逐条已读标记。读状态的权威来源是会话游标，
// 此结构仅为游标出现之前的历史消息保留兼容。
type MessageStatus struct {
	Sent      bool `json:"sent"`
	Delivered bool `json:"delivered"`
	Read      bool `json:"read"`
}

// Message 表示会话中的一条消息。
// - Reactions 为 参与者ID → 单个 emoji（每人至多一个表情）
// - ForwardedFrom/OriginalSender 记录转发来源，转发后生命周期彼此独立
// - Unconfirmed 仅存在于本地投影：乐观占位消息尚未被服务端确认
type Message struct {
	ID             string            `json:"id"`
	ConvID         string            `json:"convId"`
	SenderID       string            `json:"senderId"`
	SenderName     string            `json:"senderName"`
	SenderPhoto    string            `json:"senderPhoto,omitempty"`
	Text           string            `json:"text"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	MentionIDs     []string          `json:"mentionIds,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	Status         MessageStatus     `json:"status"`
	ReplyToID      string            `json:"replyToId,omitempty"`
	ForwardedFrom  string            `json:"forwardedFrom,omitempty"`
	OriginalSender string            `json:"originalSender,omitempty"`
	Unconfirmed    bool              `json:"unconfirmed,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	EditedAt       *time.Time        `json:"editedAt,omitempty"`
}

// StatusEntry 快速存储中的原始在线状态条目（/status/{userId}）。
type StatusEntry struct {
	State         string    `json:"state"`
	LastChangedAt time.Time `json:"lastChangedAt"`
}

const (
	StateOnline  = "online"
	StateOffline = "offline"
)

// Presence 对外投影后的在线状态。条目缺失表示"未知"而非"离线"。
type Presence struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}
