package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/verso-app/livecast/internal/presence"
	"github.com/verso-app/livecast/internal/signaling"
	pkgconfig "github.com/verso-app/livecast/pkg/config"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig
	Signaling SignalingConfig
	Rooms     RoomsConfig
	Relay     RelayConfig
	Mesh      MeshConfig
	Presence  PresenceConfig
	Kafka     KafkaConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// SignalingConfig selects and configures the channel driver.
type SignalingConfig struct {
	Driver    string `mapstructure:"driver"` // "redis" | "websocket" | "memory"
	Redis     signaling.RedisConfig
	WebSocket signaling.WSConfig
}

type RoomsConfig struct {
	HTTPAddress string        `mapstructure:"http_address"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RelayConfig struct {
	HTTPAddress string        `mapstructure:"http_address"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// FanoutThreshold is the expected audience beyond which producers
	// also publish into the relay.
	FanoutThreshold int `mapstructure:"fanout_threshold"`
}

type MeshConfig struct {
	OfferTimeout time.Duration `mapstructure:"offer_timeout"`
	STUNServers  []string      `mapstructure:"stun_servers"`
}

type PresenceConfig struct {
	RosterCap int           `mapstructure:"roster_cap"`
	ChatCap   int           `mapstructure:"chat_cap"`
	ViewerTTL time.Duration `mapstructure:"viewer_ttl"`
	UseRedis  bool          `mapstructure:"use_redis"`
	Redis     presence.RedisConfig
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    string
	Topic      string
	Partitions int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration with defaults and env overrides.
func Load() (*Config, error) {
	v, err := pkgconfig.Load(pkgconfig.GetEnv("CONFIG_PATH", "./config"), "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8086)
	v.SetDefault("signaling.driver", "memory")
	v.SetDefault("signaling.redis.address", "localhost:6379")
	v.SetDefault("signaling.redis.password", "")
	v.SetDefault("signaling.redis.db", 0)
	v.SetDefault("signaling.websocket.url", "ws://localhost:8084/ws")
	v.SetDefault("signaling.websocket.ping_interval", "30s")
	v.SetDefault("signaling.websocket.pong_wait", "60s")
	v.SetDefault("signaling.websocket.write_wait", "10s")
	v.SetDefault("signaling.websocket.max_message_size", 65536)
	v.SetDefault("rooms.http_address", "http://localhost:8083")
	v.SetDefault("rooms.timeout", "10s")
	v.SetDefault("relay.http_address", "http://localhost:8085")
	v.SetDefault("relay.timeout", "10s")
	v.SetDefault("relay.fanout_threshold", 8)
	v.SetDefault("mesh.offer_timeout", "15s")
	v.SetDefault("mesh.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("presence.roster_cap", 50)
	v.SetDefault("presence.chat_cap", 100)
	v.SetDefault("presence.viewer_ttl", "5m")
	v.SetDefault("presence.use_redis", false)
	v.SetDefault("presence.redis.address", "localhost:6379")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "room-events")
	v.SetDefault("kafka.partitions", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("signaling.driver", "SIGNALING_DRIVER")
	v.BindEnv("signaling.redis.address", "REDIS_ADDRESS")
	v.BindEnv("signaling.redis.password", "REDIS_PASSWORD")
	v.BindEnv("signaling.websocket.url", "SIGNALING_WS_URL")
	v.BindEnv("rooms.http_address", "ROOM_HTTP_ADDRESS")
	v.BindEnv("relay.http_address", "RELAY_HTTP_ADDRESS")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_ROOM_TOPIC")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Signaling.WebSocket.PingInterval = parseDuration(v, "signaling.websocket.ping_interval", 30*time.Second)
	cfg.Signaling.WebSocket.PongWait = parseDuration(v, "signaling.websocket.pong_wait", 60*time.Second)
	cfg.Signaling.WebSocket.WriteWait = parseDuration(v, "signaling.websocket.write_wait", 10*time.Second)
	cfg.Rooms.Timeout = parseDuration(v, "rooms.timeout", 10*time.Second)
	cfg.Relay.Timeout = parseDuration(v, "relay.timeout", 10*time.Second)
	cfg.Mesh.OfferTimeout = parseDuration(v, "mesh.offer_timeout", 15*time.Second)
	cfg.Presence.ViewerTTL = parseDuration(v, "presence.viewer_ttl", 5*time.Minute)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
