package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// 每页消息条数（消息流订阅与翻页共用）
	MessagePageSize int `yaml:"messagePageSize"`

	// Kafka 配置（可选；不配置时群未读在本进程内直接累加）
	KafkaBrokers     string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaFanoutTopic string `yaml:"kafkaFanoutTopic"`

	// 群扇出批量参数
	FanoutBatchSize int `yaml:"fanoutBatchSize"`
	FanoutSleepMS   int `yaml:"fanoutSleepMS"`

	// 速率限制（WS 发送）
	WSSendQPS   int `yaml:"wsSendQPS"`
	WSSendBurst int `yaml:"wsSendBurst"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		RedisAddr:  "127.0.0.1:6379",
		MongoURI:   "mongodb://127.0.0.1:27017/opsdesk",
		JWTSecret:  "change-me-in-prod",

		MessagePageSize: 25,

		KafkaBrokers:     "",
		KafkaFanoutTopic: "od-conv-fanout",
		FanoutBatchSize:  500,
		FanoutSleepMS:    50,

		WSSendQPS:     20,
		WSSendBurst:   40,
		EnableMetrics: true,
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("OD_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("OD_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("OD_REDIS_ADDR", &cfg.RedisAddr)
	setStr("OD_REDIS_PASS", &cfg.RedisPass)
	setInt("OD_REDIS_DB", &cfg.RedisDB)
	setStr("OD_MONGO_URI", &cfg.MongoURI)
	setStr("OD_JWT_SECRET", &cfg.JWTSecret)

	setInt("OD_MESSAGE_PAGE_SIZE", &cfg.MessagePageSize)

	setStr("OD_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("OD_KAFKA_FANOUT_TOPIC", &cfg.KafkaFanoutTopic)
	setInt("OD_FANOUT_BATCH_SIZE", &cfg.FanoutBatchSize)
	setInt("OD_FANOUT_SLEEP_MS", &cfg.FanoutSleepMS)

	setInt("OD_WS_SEND_QPS", &cfg.WSSendQPS)
	setInt("OD_WS_SEND_BURST", &cfg.WSSendBurst)
	setBool("OD_ENABLE_METRICS", &cfg.EnableMetrics)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
