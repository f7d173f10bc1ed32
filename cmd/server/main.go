package main

import (
	"fmt"
	"time"

	"opsdesk/internal/auth"
	"opsdesk/internal/cache"
	"opsdesk/internal/config"
	"opsdesk/internal/metrics"
	"opsdesk/internal/models"
	"opsdesk/internal/mq"
	"opsdesk/internal/ratelimit"
	"opsdesk/internal/store"
	"opsdesk/internal/store/mongostore"
	"opsdesk/internal/transport/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if cfg.EnableMetrics {
		metrics.Init()
	}

	db, err := mongostore.Connect(cfg.MongoURI)
	if err != nil {
		panic(fmt.Sprintf("MongoDB connection failed: %v", err))
	}

	convStore := store.NewMongoConversationStore(db)
	msgStore := store.NewMongoMessageStore(db)
	userStore := store.NewMongoUserStore(db)
	counters := cache.NewCounters(cache.Client())

	var producer *mq.KafkaProducer
	if cfg.KafkaBrokers != "" {
		p, err := mq.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaFanoutTopic)
		if err == nil {
			producer = p
		}
		defer func() {
			if producer != nil {
				_ = producer.Close()
			}
		}()
	}

	r := gin.Default()
	// 健康/指标
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// 注册
	r.POST("/api/register", func(c *gin.Context) {
		var req struct{ Username, Password, Nickname string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		h, _ := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		now := time.Now()
		u := &models.User{ID: uuid.NewString(), Username: req.Username, Password: string(h), Nickname: req.Nickname, CreatedAt: now, UpdatedAt: now}
		if err := userStore.Create(c, u); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"id": u.ID})
	})
	// 登录
	r.POST("/api/login", func(c *gin.Context) {
		var req struct{ Username, Password string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		u, err := userStore.GetByUsername(c, req.Username)
		if err != nil || u == nil || bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)) != nil {
			c.JSON(401, gin.H{"error": "invalid credentials"})
			return
		}
		tok, _ := auth.SignJWT(cfg.JWTSecret, u.ID, 7*24*time.Hour)
		c.JSON(200, gin.H{"token": tok, "userId": u.ID})
	})

	// 简易认证
	authn := func(c *gin.Context) (string, bool) {
		tok := c.GetHeader("Authorization")
		if len(tok) > 7 && tok[:7] == "Bearer " {
			tok = tok[7:]
		}
		cl, err := auth.ParseJWT(cfg.JWTSecret, tok)
		if err != nil {
			c.JSON(401, gin.H{"error": "unauthorized"})
			return "", false
		}
		return cl.UserID, true
	}

	// 用户信息
	r.PUT("/api/users/me", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct{ Nickname, AvatarURL string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		u := &models.User{ID: uid, Nickname: req.Nickname, AvatarURL: req.AvatarURL}
		if err := userStore.UpdateProfile(c, u); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})
	r.GET("/api/users/:id", func(c *gin.Context) {
		if _, ok := authn(c); !ok {
			return
		}
		u, err := userStore.GetByID(c, c.Param("id"))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if u == nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		c.JSON(200, u)
	})

	// 会话属性（置顶/免打扰也可走 WS，REST 给管理端用）
	r.POST("/api/conversations/:id/pin", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		cid := c.Param("id")
		var req struct{ Pinned bool }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		upd := store.FieldUpdate{Set: map[string]any{"pinnedBy." + uid: req.Pinned}}
		if err := convStore.Update(c, cid, upd); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})
	r.POST("/api/conversations/:id/mute", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		cid := c.Param("id")
		var req struct{ Muted bool }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		upd := store.FieldUpdate{Set: map[string]any{"mutedBy." + uid: req.Muted}}
		if err := convStore.Update(c, cid, upd); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})

	// 未读汇总（拉模式兜底，实时走 WS 推送）
	r.GET("/api/unread/summary", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		snap, err := counters.UnreadSnapshot(c, uid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		var total int64
		for _, n := range snap {
			total += n
		}
		c.JSON(200, gin.H{"totalUnread": total, "perConversation": snap})
	})

	// WebSocket 同步引擎入口
	limiter := ratelimit.NewTokenBucketLimiter(cache.Client())
	wsServer := &ws.Server{
		JWTSecret: cfg.JWTSecret,
		Convs:     convStore,
		Msgs:      msgStore,
		Users:     userStore,
		Counters:  counters,
		PageSize:  cfg.MessagePageSize,
		SendQPS:   cfg.WSSendQPS,
		SendBurst: cfg.WSSendBurst,
		Limiter:   limiter,
	}
	if producer != nil {
		wsServer.Fanout = producer
	}
	r.GET("/ws", wsServer.Handle)

	_ = r.Run(cfg.ListenAddr)
}
