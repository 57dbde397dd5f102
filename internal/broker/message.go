package broker

import (
	"maps"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Message 在 topic 上流转的消息；topic 创建后不可变，attempt 只由投递引擎递增
type Message struct {
	ID        string
	Payload   []byte
	Headers   map[string]string
	Source    string
	CreatedAt time.Time

	topic   string
	attempt int
}

// MessageOption 构造消息的可选项
type MessageOption func(*Message)

func WithHeaders(headers map[string]string) MessageOption {
	return func(m *Message) {
		for k, v := range headers {
			m.Headers[k] = v
		}
	}
}

func WithHeader(key, value string) MessageOption {
	return func(m *Message) {
		m.Headers[key] = value
	}
}

func WithSource(source string) MessageOption {
	return func(m *Message) {
		m.Source = source
	}
}

func WithMessageID(id string) MessageOption {
	return func(m *Message) {
		if id != "" {
			m.ID = id
		}
	}
}

// NewMessage 创建消息，topic 为空或包含通配符时返回 ErrInvalidTopic
func NewMessage(topic string, payload []byte, opts ...MessageOption) (*Message, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}

	m := &Message{
		ID:        newID(),
		Payload:   payload,
		Headers:   make(map[string]string),
		CreatedAt: time.Now(),
		topic:     topic,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Message) Topic() string {
	return m.topic
}

// Attempt 当前重试次数，首次投递为 0
func (m *Message) Attempt() int {
	return m.attempt
}

func (m *Message) Header(key string) string {
	return m.Headers[key]
}

// clone 给每个订阅一份独立副本，payload 只读共享
func (m *Message) clone() *Message {
	c := *m
	c.Headers = maps.Clone(m.Headers)
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	return &c
}

// envelope 消息的线上格式（死信 payload、网络引擎）
type envelope struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Source    string            `json:"source,omitempty"`
	Attempt   int               `json:"attempt"`
	CreatedAt time.Time         `json:"created_at"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{
		ID:        m.ID,
		Topic:     m.topic,
		Payload:   m.Payload,
		Headers:   m.Headers,
		Source:    m.Source,
		Attempt:   m.attempt,
		CreatedAt: m.CreatedAt,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if err := ValidateTopic(env.Topic); err != nil {
		return err
	}

	m.ID = env.ID
	m.topic = env.Topic
	m.Payload = env.Payload
	m.Headers = env.Headers
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Source = env.Source
	m.attempt = env.Attempt
	m.CreatedAt = env.CreatedAt
	return nil
}

// EncodeMessage 编码为 envelope
func EncodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage 解码 envelope
func DecodeMessage(data []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ValidateTopic 发布用 topic：非空、无空段、不含通配符
func ValidateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return newError(ErrCodeInvalidTopic, "", "topic must not be empty")
	}
	for _, seg := range strings.Split(topic, separator) {
		if seg == "" {
			return newError(ErrCodeInvalidTopic, "", "topic %q has an empty segment", topic)
		}
		if seg == singleWildcard || seg == multiWildcard {
			return newError(ErrCodeInvalidTopic, "", "topic %q must not contain wildcards", topic)
		}
	}
	return nil
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
