package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"opsdesk/internal/cache"
	"opsdesk/internal/chat"
	"opsdesk/internal/config"
	"opsdesk/internal/store"
	"opsdesk/internal/store/mongostore"

	"github.com/IBM/sarama"
)

// handler 消费群聊扇出事件：按会话成员批量累加未读计数。
// 大群逐批处理并小睡，避免对 Redis 造成瞬时写峰。
type handler struct {
	ctx        context.Context
	convs      store.ConversationStore
	counters   *cache.Counters
	batchSize  int
	batchSleep time.Duration
}

func (h *handler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var evt chat.FanoutEvent
		if err := json.Unmarshal(msg.Value, &evt); err == nil {
			h.apply(&evt)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

func (h *handler) apply(evt *chat.FanoutEvent) {
	conv, err := h.convs.Get(h.ctx, evt.ConvID)
	if err != nil || conv == nil {
		log.Printf("fanout: conv lookup failed: convId=%s err=%v", evt.ConvID, err)
		return
	}

	batch := h.batchSize
	if batch <= 0 {
		batch = 500
	}
	sleep := h.batchSleep
	if sleep <= 0 {
		sleep = 50 * time.Millisecond
	}

	var recipients []string
	for _, pid := range conv.ParticipantIDs {
		if pid != evt.SenderID {
			recipients = append(recipients, pid)
		}
	}
	for i := 0; i < len(recipients); i += batch {
		end := i + batch
		if end > len(recipients) {
			end = len(recipients)
		}
		for _, pid := range recipients[i:end] {
			if err := h.counters.IncrUnread(h.ctx, pid, evt.ConvID); err != nil {
				log.Printf("fanout: unread incr error: convId=%s pid=%s err=%v", evt.ConvID, pid, err)
			}
		}
		if end < len(recipients) {
			time.Sleep(sleep)
		}
	}
}

func main() {
	cfg := config.Load()
	if cfg.KafkaBrokers == "" {
		log.Fatal("OD_KAFKA_BROKERS 未配置")
	}

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)

	db, err := mongostore.Connect(cfg.MongoURI)
	if err != nil {
		log.Fatalf("MongoDB connection failed: %v", err)
	}
	convStore := store.NewMongoConversationStore(db)

	ctx, cancel := context.WithCancel(context.Background())
	h := &handler{
		ctx:        ctx,
		convs:      convStore,
		counters:   cache.NewCounters(cache.Client()),
		batchSize:  cfg.FanoutBatchSize,
		batchSleep: time.Duration(cfg.FanoutSleepMS) * time.Millisecond,
	}

	client, err := sarama.NewConsumerGroup(strings.Split(cfg.KafkaBrokers, ","), "od-fanout-consumer", sarama.NewConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	topic := cfg.KafkaFanoutTopic
	go func() {
		for {
			if err := client.Consume(ctx, []string{topic}, h); err != nil {
				log.Printf("consume error: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
