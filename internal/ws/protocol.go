package ws

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/qiuyier/medlink-bus/internal/broker"
	"github.com/qiuyier/medlink-bus/internal/consts"
)

// 消息类型
const (
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
	MessageTypeAuth          = "auth"
	MessageTypeAuthSuccess   = "auth_success"
	MessageTypeAuthFailed    = "auth_failed"
	MessageTypeSubscribe     = "subscribe"
	MessageTypeSubscribed    = consts.TopicSubscribeSuccess
	MessageTypeUnsubscribe   = "unsubscribe"
	MessageTypeUnsubscribed  = consts.TopicUnsubscribeSuccess
	MessageTypePublish       = "publish"
	MessageTypePublishResult = "publish_result"
	MessageTypeMessage       = "message"
	MessageTypeAck           = "ack"
	MessageTypeError         = "error"
	MessageTypeKickout       = "kickout"
	MessageTypeNotice        = "notice"
)

// WSMessage WebSocket 消息协议
type WSMessage struct {
	Type      string          `json:"type"`
	MsgID     string          `json:"msg_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload 认证载荷
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthSuccessPayload 认证成功响应
type AuthSuccessPayload struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	DeviceID string `json:"device_id"`
}

// SubscribePayload 订阅/取消订阅载荷，也用作成功响应
type SubscribePayload struct {
	Patterns []string `json:"patterns"`
}

// PublishPayload 客户端发布载荷；data 原样作为消息 payload
type PublishPayload struct {
	Topic   string            `json:"topic"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    json.RawMessage   `json:"data"`
}

// PublishResultPayload 发布结果
type PublishResultPayload struct {
	MessageID string `json:"message_id"`
	Topic     string `json:"topic"`
	Offset    int64  `json:"offset"`
}

// DeliveryPayload 推送给客户端的消息。payload 是合法 JSON 时放在 data，否则放在 raw（base64）
type DeliveryPayload struct {
	MessageID string            `json:"message_id"`
	Topic     string            `json:"topic"`
	Pattern   string            `json:"pattern"`
	Headers   map[string]string `json:"headers,omitempty"`
	Source    string            `json:"source,omitempty"`
	Attempt   int               `json:"attempt"`
	CreatedAt time.Time         `json:"created_at"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Raw       []byte            `json:"raw,omitempty"`
}

// AckPayload ACK 载荷
type AckPayload struct {
	MsgID string `json:"msg_id"`
}

// NoticePayload 服务端直接推送给连接的通知，不经过 broker
type NoticePayload struct {
	Data json.RawMessage `json:"data"`
}

// ErrorPayload 错误载荷
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewWSMessage 构造 WebSocket 消息
func NewWSMessage(msgType string, payload any) (*WSMessage, error) {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	return &WSMessage{
		Type:      msgType,
		Timestamp: time.Now().Unix(),
		Payload:   data,
	}, nil
}

// EncodeFrame 构造并编码
func EncodeFrame(msgType, msgID string, payload any) ([]byte, error) {
	m, err := NewWSMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	m.MsgID = msgID
	return json.Marshal(m)
}

// DecodeFrame 解析客户端消息
func DecodeFrame(data []byte) (*WSMessage, error) {
	var m WSMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParsePayload 解析载荷
func (m *WSMessage) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// NewDeliveryPayload broker 消息转为推送载荷
func NewDeliveryPayload(msg *broker.Message, pattern string) *DeliveryPayload {
	p := &DeliveryPayload{
		MessageID: msg.ID,
		Topic:     msg.Topic(),
		Pattern:   pattern,
		Headers:   msg.Headers,
		Source:    msg.Source,
		Attempt:   msg.Attempt(),
		CreatedAt: msg.CreatedAt,
	}
	if len(msg.Payload) > 0 && json.Valid(msg.Payload) {
		p.Data = msg.Payload
	} else if len(msg.Payload) > 0 {
		p.Raw = msg.Payload
	}
	return p
}
