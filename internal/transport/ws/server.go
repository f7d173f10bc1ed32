// Package ws 提供 WebSocket 接入网关：处理认证、连接生命周期、上行动作
// （打开会话/发送/编辑/已读/群管理等）与下行推送（会话列表、消息流、
// 未读数、在线状态，以及经 Redis Pub/Sub 的跨用户提醒）。
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"opsdesk/internal/auth"
	"opsdesk/internal/cache"
	"opsdesk/internal/chat"
	"opsdesk/internal/metrics"
	"opsdesk/internal/models"
	"opsdesk/internal/ratelimit"
	"opsdesk/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Server 是 WebSocket 网关服务。
// - 每条连接对应一个同步引擎会话：会话目录 + 未读服务 + 在线状态聚合器常驻，
//   消息流按"当前打开的会话"切换
// - 基于 Redis 令牌桶对上行发送做速率限制
// - 每个连接使用单独的写锁，避免并发写触发 gorilla/websocket 冲突
type Server struct {
	JWTSecret string
	Convs     store.ConversationStore
	Msgs      store.MessageStore
	Users     store.UserStore
	Counters  *cache.Counters
	Fanout    chat.FanoutPublisher

	PageSize  int
	SendQPS   int
	SendBurst int
	Limiter   *ratelimit.TokenBucketLimiter
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSMessage 统一封装上行的动作与数据载荷。
// action 示例：open_conversation、send、edit、delete、forward、react、pin、
// read、load_more、typing、create_group、group_add、group_remove、group_leave
type WSMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type OpenConversationPayload struct {
	ConvID string `json:"convId"`
}

type SendPayload struct {
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	ReplyToID   string              `json:"replyToId,omitempty"`
	MentionIDs  []string            `json:"mentionIds,omitempty"`
}

type EditPayload struct {
	MsgID string `json:"msgId"`
	Text  string `json:"text"`
}

type MsgRefPayload struct {
	MsgID string `json:"msgId"`
}

type ForwardPayload struct {
	MsgID        string `json:"msgId"`
	TargetConvID string `json:"targetConvId"`
}

type ReactPayload struct {
	MsgID string `json:"msgId"`
	Emoji string `json:"emoji"`
}

type ConvRefPayload struct {
	ConvID string `json:"convId"`
}

type PinPayload struct {
	ConvID string `json:"convId"`
	MsgID  string `json:"msgId"`
}

type TypingPayload struct {
	ConvID string `json:"convId"`
	Typing bool   `json:"typing"`
}

type DirectPayload struct {
	UserID string `json:"userId"`
}

type CreateGroupPayload struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
	PhotoURL  string   `json:"photoUrl,omitempty"`
}

type GroupMemberPayload struct {
	ConvID string `json:"convId"`
	UserID string `json:"userId"`
}

type GroupUpdatePayload struct {
	ConvID      string          `json:"convId"`
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	PhotoURL    *string         `json:"photoUrl,omitempty"`
	Settings    map[string]bool `json:"settings,omitempty"`
}

type ConvFlagPayload struct {
	ConvID string `json:"convId"`
	On     bool   `json:"on"`
}

// session 一条连接的引擎组件集合。stream 随 open_conversation 切换。
type session struct {
	userID  string
	conn    *websocket.Conn
	writeMu *sync.Mutex

	dir      *chat.Directory
	unread   *chat.UnreadService
	presence *chat.PresenceAggregator
	cursor   *chat.CursorTracker
	memb     *chat.MembershipManager

	streamMu sync.Mutex
	stream   *chat.Stream
}

// push 序列化并下发一帧。写失败只记日志，由读循环感知断连。
func (ss *session) push(action string, data any) {
	b, err := json.Marshal(gin.H{"action": action, "data": data})
	if err != nil {
		log.Printf("WS push marshal error: user=%s action=%s err=%v", ss.userID, action, err)
		return
	}
	ss.writeMu.Lock()
	ss.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = ss.conn.WriteMessage(websocket.TextMessage, b)
	ss.writeMu.Unlock()
	if err != nil {
		log.Printf("WS push write error: user=%s action=%s err=%v", ss.userID, action, err)
	}
}

func (ss *session) pushErr(code string, err error) {
	data := gin.H{"code": code}
	if err != nil {
		data["message"] = err.Error()
	}
	ss.push("error", data)
}

// errCode 把引擎哨兵错误映射为下行错误码。
func errCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, chat.ErrNotAuthorized):
		return "NOT_AUTHORIZED"
	case errors.Is(err, chat.ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, chat.ErrNotAuthenticated):
		return "NOT_AUTHENTICATED"
	default:
		return "INTERNAL"
	}
}

// Handle 处理 HTTP 升级为 WebSocket，以及该连接的读/写循环。
// - 认证：支持 URL 查询参数或 Authorization: Bearer 传递 JWT
// - 上线/下线：多设备在线集合，连接退出自动下线
// - 连接建立后立刻启动目录/未读/在线状态三个常驻订阅
func (s *Server) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	claims, err := auth.ParseJWT(s.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		deviceID = "web-" + time.Now().Format("150405.000")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	userID := claims.UserID

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	self, err := s.Users.GetByID(ctx, userID)
	if err != nil || self == nil {
		log.Printf("WS user lookup failed: user=%s err=%v", userID, err)
		return
	}

	log.Printf("WS connected: user=%s device=%s", userID, deviceID)
	_ = s.Counters.SetDeviceOnline(ctx, userID, deviceID)
	defer func() {
		_ = s.Counters.SetDeviceOffline(context.Background(), userID, deviceID)
		log.Printf("WS disconnected: user=%s device=%s", userID, deviceID)
	}()

	ss := &session{userID: userID, conn: conn, writeMu: &sync.Mutex{}}

	if err := s.startSession(ctx, ss); err != nil {
		log.Printf("WS session start failed: user=%s err=%v", userID, err)
		return
	}
	defer ss.closeAll()

	// 订阅个人下发通道（typing/mention 等跨用户提醒）
	sub := cache.Client().Subscribe(ctx, cache.DeliverChannel(userID))
	defer sub.Close()

	// 读循环：处理客户端上行动作
	go func() {
		defer cancel()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("WS read error: user=%s err=%v", userID, err)
				return
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			var m WSMessage
			if err := json.Unmarshal(data, &m); err != nil {
				log.Printf("WS unmarshal error: user=%s err=%v data=%q", userID, err, string(data))
				continue
			}
			metrics.WSMessagesTotal.WithLabelValues(m.Action).Inc()
			s.handleInbound(ctx, ss, self, deviceID, &m)
		}
	}()

	// 写循环：将 Redis 收到的提醒原样转发给客户端
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("WS redis receive error: user=%s err=%v", userID, err)
			}
			return
		}
		ss.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err = conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload))
		ss.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// startSession 构建并启动该用户的常驻引擎组件。
func (s *Server) startSession(ctx context.Context, ss *session) error {
	dir, err := chat.NewDirectory(ss.userID, s.Convs, s.Msgs, s.Users)
	if err != nil {
		return err
	}
	dir.OnChange(func(convs []*models.Conversation) {
		ss.push("conversations", convs)
	})
	if err := dir.Start(ctx); err != nil {
		return err
	}

	unread, err := chat.NewUnreadService(ss.userID, s.Counters, s.Convs, dir)
	if err != nil {
		dir.Close()
		return err
	}
	unread.OnChange(func(total int64, perConv map[string]int64) {
		ss.push("unread", gin.H{"total": total, "perConversation": perConv})
	})
	if err := unread.Start(ctx); err != nil {
		dir.Close()
		return err
	}

	presence := chat.NewPresenceAggregator(s.Counters)
	presence.OnChange(func(entries map[string]models.Presence) {
		ss.push("presence", entries)
	})
	if err := presence.Start(ctx); err != nil {
		unread.Close()
		dir.Close()
		return err
	}

	cursor, err := chat.NewCursorTracker(ss.userID, s.Convs, dir, unread)
	if err != nil {
		presence.Close()
		unread.Close()
		dir.Close()
		return err
	}
	memb, err := chat.NewMembershipManager(ss.userID, s.Convs, s.Msgs, s.Users, dir)
	if err != nil {
		presence.Close()
		unread.Close()
		dir.Close()
		return err
	}

	ss.dir, ss.unread, ss.presence, ss.cursor, ss.memb = dir, unread, presence, cursor, memb
	return nil
}

func (ss *session) closeAll() {
	ss.streamMu.Lock()
	if ss.stream != nil {
		ss.stream.Close()
		ss.stream = nil
	}
	ss.streamMu.Unlock()
	if ss.presence != nil {
		ss.presence.Close()
	}
	if ss.unread != nil {
		ss.unread.Close()
	}
	if ss.dir != nil {
		ss.dir.Close()
	}
}

// openStream 切换当前打开的会话：关旧流、开新流、推首屏。
func (s *Server) openStream(ctx context.Context, ss *session, self *models.User, convID string) error {
	ss.streamMu.Lock()
	defer ss.streamMu.Unlock()

	if ss.stream != nil {
		ss.stream.Close()
		ss.stream = nil
	}

	st, err := chat.NewStream(self.ID, self.Nickname, self.AvatarURL, convID,
		s.PageSize, s.Msgs, s.Convs, ss.unread)
	if err != nil {
		return err
	}
	if s.Fanout != nil {
		st = st.WithFanout(s.Fanout)
	}
	st.OnChange(func(msgs []*models.Message) {
		ss.push("messages", gin.H{"convId": convID, "messages": msgs})
	})
	if err := st.Start(ctx); err != nil {
		return err
	}
	ss.stream = st
	return nil
}

func (ss *session) activeStream() *chat.Stream {
	ss.streamMu.Lock()
	defer ss.streamMu.Unlock()
	return ss.stream
}

// rateLimitAllow 使用 Redis 令牌桶对用户+设备维度的发送做限速。
// 出错时放行。
func (s *Server) rateLimitAllow(ctx context.Context, userID, deviceID string) bool {
	qps := s.SendQPS
	burst := s.SendBurst
	if qps <= 0 {
		qps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	if s.Limiter == nil {
		return true
	}
	allowed, _, _ := s.Limiter.Allow(ctx, "od:tb:ws:send:"+userID+":"+deviceID, qps, burst)
	return allowed
}

// handleInbound 处理上行动作，入口统一在这里分发。
func (s *Server) handleInbound(ctx context.Context, ss *session, self *models.User, deviceID string, m *WSMessage) {
	switch m.Action {
	case "open_conversation":
		var p OpenConversationPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := s.openStream(ctx, ss, self, p.ConvID); err != nil {
			log.Printf("WS open_conversation failed: user=%s conv=%s err=%v", ss.userID, p.ConvID, err)
			ss.pushErr(errCode(err), err)
		}

	case "send":
		if !s.rateLimitAllow(ctx, ss.userID, deviceID) {
			ss.pushErr("RATE_LIMIT", nil)
			log.Printf("WS send blocked by rate limit: user=%s device=%s", ss.userID, deviceID)
			return
		}
		st := ss.activeStream()
		if st == nil {
			ss.pushErr("NO_OPEN_CONVERSATION", nil)
			return
		}
		var p SendPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		msg, err := st.Send(ctx, p.Text, p.Attachments, p.ReplyToID, p.MentionIDs)
		if err != nil {
			log.Printf("WS send failed: user=%s err=%v", ss.userID, err)
			ss.pushErr("SEND_FAILED", err)
			return
		}
		if msg == nil {
			return // 空白消息，引擎侧判定为无操作
		}
		ss.push("ack", msg)
		s.notifyMentions(ctx, ss.userID, msg)

	case "edit":
		st := ss.activeStream()
		if st == nil {
			ss.pushErr("NO_OPEN_CONVERSATION", nil)
			return
		}
		var p EditPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := st.Edit(ctx, p.MsgID, p.Text); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "delete":
		st := ss.activeStream()
		if st == nil {
			ss.pushErr("NO_OPEN_CONVERSATION", nil)
			return
		}
		var p MsgRefPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := st.Delete(ctx, p.MsgID); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "forward":
		st := ss.activeStream()
		if st == nil {
			ss.pushErr("NO_OPEN_CONVERSATION", nil)
			return
		}
		var p ForwardPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		var found *models.Message
		for _, msg := range st.Messages() {
			if msg.ID == p.MsgID {
				found = msg
				break
			}
		}
		if found == nil {
			ss.pushErr("NOT_FOUND", chat.ErrNotFound)
			return
		}
		fwd, err := st.Forward(ctx, found, p.TargetConvID)
		if err != nil {
			ss.pushErr(errCode(err), err)
			return
		}
		ss.push("ack", fwd)

	case "react":
		st := ss.activeStream()
		if st == nil {
			ss.pushErr("NO_OPEN_CONVERSATION", nil)
			return
		}
		var p ReactPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := st.ToggleReaction(ctx, p.MsgID, p.Emoji); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "pin":
		st := ss.activeStream()
		if st == nil {
			ss.pushErr("NO_OPEN_CONVERSATION", nil)
			return
		}
		var p PinPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := st.TogglePin(ctx, p.ConvID, p.MsgID); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "read":
		var p ConvRefPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		ss.cursor.MarkConversationAsRead(ctx, p.ConvID)
		ss.push("read_ack", gin.H{"convId": p.ConvID})

	case "load_more":
		st := ss.activeStream()
		if st == nil {
			ss.pushErr("NO_OPEN_CONVERSATION", nil)
			return
		}
		if err := st.LoadMore(ctx); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "typing":
		var p TypingPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		conv, state := ss.dir.Lookup(p.ConvID)
		if state != chat.LookupFound || !conv.HasParticipant(ss.userID) {
			return
		}
		notify := gin.H{"action": "typing", "data": gin.H{
			"convId": p.ConvID, "from": ss.userID, "typing": p.Typing, "ts": time.Now().UnixMilli(),
		}}
		b, _ := json.Marshal(notify)
		for _, pid := range conv.ParticipantIDs {
			if pid == ss.userID {
				continue
			}
			if err := cache.Client().Publish(ctx, cache.DeliverChannel(pid), b).Err(); err != nil {
				log.Printf("WS typing publish error: user=%s to=%s err=%v", ss.userID, pid, err)
			}
		}

	case "get_or_create_direct":
		var p DirectPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		convID, err := ss.dir.GetOrCreateDirect(ctx, p.UserID)
		if err != nil {
			ss.pushErr(errCode(err), err)
			return
		}
		ss.push("conversation_ready", gin.H{"convId": convID})

	case "create_group":
		var p CreateGroupPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		convID, err := ss.dir.CreateGroup(ctx, p.Name, p.MemberIDs, p.PhotoURL)
		if err != nil {
			ss.pushErr(errCode(err), err)
			return
		}
		ss.push("conversation_ready", gin.H{"convId": convID})

	case "delete_conversation":
		var p ConvRefPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		conv, state := ss.dir.Lookup(p.ConvID)
		if state != chat.LookupFound {
			ss.pushErr("NOT_FOUND", chat.ErrNotFound)
			return
		}
		var err error
		if conv.IsGroup() {
			err = ss.dir.DeleteGroup(ctx, p.ConvID)
		} else {
			err = ss.dir.DeleteDirect(ctx, p.ConvID)
		}
		if err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "pin_conversation":
		var p ConvFlagPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := ss.dir.SetConversationPinned(ctx, p.ConvID, p.On); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "mute_conversation":
		var p ConvFlagPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := ss.dir.SetConversationMuted(ctx, p.ConvID, p.On); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "group_add":
		var p GroupMemberPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := ss.memb.AddMember(ctx, p.ConvID, p.UserID); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "group_remove":
		var p GroupMemberPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := ss.memb.RemoveMember(ctx, p.ConvID, p.UserID); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "group_promote":
		var p GroupMemberPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := ss.memb.PromoteAdmin(ctx, p.ConvID, p.UserID); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "group_update":
		var p GroupUpdatePayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		upd := chat.GroupInfoUpdate{
			Name:        p.Name,
			Description: p.Description,
			PhotoURL:    p.PhotoURL,
			Settings:    p.Settings,
		}
		if err := ss.memb.UpdateGroupInfo(ctx, p.ConvID, upd); err != nil {
			ss.pushErr(errCode(err), err)
		}

	case "group_leave":
		var p ConvRefPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if err := ss.memb.LeaveGroup(ctx, p.ConvID); err != nil {
			ss.pushErr(errCode(err), err)
		}

	default:
		log.Printf("WS unknown action: user=%s action=%s", ss.userID, m.Action)
	}
}

// notifyMentions 向被 @ 的参与者推送提醒（经各自的个人下发通道）。
func (s *Server) notifyMentions(ctx context.Context, from string, msg *models.Message) {
	for _, uid := range msg.MentionIDs {
		if uid == "" || uid == from {
			continue
		}
		tip := gin.H{"action": "mention", "data": gin.H{
			"convId": msg.ConvID, "msgId": msg.ID, "from": from,
		}}
		b, _ := json.Marshal(tip)
		if err := cache.Client().Publish(ctx, cache.DeliverChannel(uid), b).Err(); err != nil {
			log.Printf("WS mention publish error: to=%s err=%v", uid, err)
		}
	}
}
