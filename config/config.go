package config

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/qiuyier/medlink-bus/internal/broker"
	"github.com/qiuyier/medlink-bus/internal/consts"
	"gopkg.in/yaml.v3"
)

const (
	ModeDebug   = "debug"
	ModeRelease = "release"
)

func init() {
	// 校验错误使用 yaml 字段名
	validation.ErrorTag = "yaml"
}

type Config struct {
	Server  ServerConfig             `yaml:"server"`
	Brokers map[string]broker.Config `yaml:"brokers"`
	JWT     JWTConfig                `yaml:"jwt"`
	WS      WSConfig                 `yaml:"ws"`
}

type ServerConfig struct {
	HTTPPort        string        `yaml:"http_port"`
	Mode            string        `yaml:"mode"` // debug, release
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	ExpireTime time.Duration `yaml:"expire_time"`
}

type WSConfig struct {
	// Broker 网关使用的 broker 名称
	Broker           string        `yaml:"broker"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	AuthTimeout      time.Duration `yaml:"auth_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	SendChannelSize  int           `yaml:"send_channel_size"`
	MaxConnPerUser   int           `yaml:"max_conn_per_user"`
}

// Load 读取 yaml 配置，${VAR} 在解析前展开，随后补默认值并校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == "" {
		c.Server.HTTPPort = "8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = ModeRelease
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if len(c.Brokers) == 0 {
		c.Brokers = map[string]broker.Config{
			consts.DefaultBrokerName: {Type: broker.TypeMemory},
		}
	}
	for name, bc := range c.Brokers {
		if bc.Type == "" {
			bc.Type = broker.TypeMemory
			c.Brokers[name] = bc
		}
	}

	if c.JWT.ExpireTime <= 0 {
		c.JWT.ExpireTime = 24 * time.Hour
	}

	ws := &c.WS
	if ws.Broker == "" {
		ws.Broker = consts.DefaultBrokerName
	}
	if ws.ReadBufferSize <= 0 {
		ws.ReadBufferSize = 1024
	}
	if ws.WriteBufferSize <= 0 {
		ws.WriteBufferSize = 1024
	}
	if ws.HandshakeTimeout <= 0 {
		ws.HandshakeTimeout = 10 * time.Second
	}
	if ws.AuthTimeout <= 0 {
		ws.AuthTimeout = 10 * time.Second
	}
	if ws.PingInterval <= 0 {
		ws.PingInterval = 30 * time.Second
	}
	if ws.PongTimeout <= 0 {
		ws.PongTimeout = 60 * time.Second
	}
	if ws.MaxMessageSize <= 0 {
		ws.MaxMessageSize = 512 * 1024
	}
	if ws.SendChannelSize <= 0 {
		ws.SendChannelSize = 256
	}
	if ws.MaxConnPerUser <= 0 {
		ws.MaxConnPerUser = 5
	}
}

func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.Server),
		validation.Field(&c.JWT),
		validation.Field(&c.WS),
		validation.Field(&c.Brokers, validation.Required),
	); err != nil {
		return err
	}

	if _, ok := c.Brokers[c.WS.Broker]; !ok {
		return fmt.Errorf("ws.broker: %q is not a configured broker", c.WS.Broker)
	}
	for name, bc := range c.Brokers {
		if err := validateBroker(bc); err != nil {
			return fmt.Errorf("brokers.%s: %w", name, err)
		}
	}
	return nil
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.HTTPPort, validation.Required),
		validation.Field(&s.Mode, validation.Required, validation.In(ModeDebug, ModeRelease)),
	)
}

func (j JWTConfig) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.Secret, validation.Required, validation.Length(16, 0)),
	)
}

func (w WSConfig) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.Broker, validation.Required),
		validation.Field(&w.MaxMessageSize, validation.Min(int64(512))),
		validation.Field(&w.PongTimeout, validation.By(func(any) error {
			if w.PongTimeout <= w.PingInterval {
				return fmt.Errorf("must be greater than ping_interval")
			}
			return nil
		})),
	)
}

func validateBroker(bc broker.Config) error {
	types := make([]any, 0, len(broker.Types()))
	for _, t := range broker.Types() {
		types = append(types, t)
	}

	return validation.Errors{
		"type":       validation.Validate(bc.Type, validation.Required, validation.In(types...)),
		"redis.addr": validation.Validate(bc.Redis.Addr, validation.When(bc.Type == broker.TypeRedis, validation.Required)),
		"kafka.brokers": validation.Validate(bc.Kafka.Brokers,
			validation.When(bc.Type == broker.TypeKafka, validation.Required)),
		"kafka.topic":  validation.Validate(bc.Kafka.Topic, validation.When(bc.Type == broker.TypeKafka, validation.Required)),
		"rabbitmq.url": validation.Validate(bc.RabbitMQ.URL, validation.When(bc.Type == broker.TypeRabbitMQ, validation.Required)),
	}.Filter()
}
