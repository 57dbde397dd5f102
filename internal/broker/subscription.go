package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultHandlerTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
)

// Subscription 对某个 topic pattern 的订阅及其投递策略
type Subscription struct {
	ID      string
	Pattern string
	Handler Handler

	// Filter 返回 false 的消息不投递
	Filter func(msg *Message) bool
	// FilterHeaders 每个键值都必须与消息 header 完全相等
	FilterHeaders map[string]string

	// Timeout 单次 Handle 的最长时间，0 表示不限
	Timeout        time.Duration
	RetryOnFailure bool
	MaxRetries     int
	RetryDelay     time.Duration

	active atomic.Bool
	// gate 读锁覆盖 "检查活跃" 到 "开始调用 Handle"，Unsubscribe 取写锁等待这段窗口结束
	gate     sync.RWMutex
	launched atomic.Int64
}

// SubscribeOption 订阅可选项
type SubscribeOption func(*Subscription)

func WithFilter(filter func(msg *Message) bool) SubscribeOption {
	return func(s *Subscription) {
		s.Filter = filter
	}
}

func WithFilterHeaders(headers map[string]string) SubscribeOption {
	return func(s *Subscription) {
		s.FilterHeaders = headers
	}
}

// WithPayloadMatch 按 JSON payload 字段过滤，path 使用 gjson 语法
func WithPayloadMatch(path, value string) SubscribeOption {
	return func(s *Subscription) {
		prev := s.Filter
		s.Filter = func(msg *Message) bool {
			if prev != nil && !prev(msg) {
				return false
			}
			res := gjson.GetBytes(msg.Payload, path)
			return res.Exists() && res.String() == value
		}
	}
}

func WithTimeout(timeout time.Duration) SubscribeOption {
	return func(s *Subscription) {
		s.Timeout = timeout
	}
}

func WithRetry(maxRetries int, delay time.Duration) SubscribeOption {
	return func(s *Subscription) {
		if maxRetries < 0 {
			maxRetries = 0
		}
		s.RetryOnFailure = true
		s.MaxRetries = maxRetries
		s.RetryDelay = delay
	}
}

func WithoutRetry() SubscribeOption {
	return func(s *Subscription) {
		s.RetryOnFailure = false
	}
}

// NewSubscription 创建订阅，默认超时 30s、失败重试 3 次、基础退避 1s
func NewSubscription(pattern string, handler Handler, opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		ID:             newID(),
		Pattern:        pattern,
		Handler:        handler,
		Timeout:        DefaultHandlerTimeout,
		RetryOnFailure: true,
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

func (s *Subscription) activate() {
	s.active.Store(true)
}

func (s *Subscription) deactivate() {
	s.active.Store(false)
}

// enter 订阅仍活跃时占住入口并返回 true；调用方必须在调用 Handle 前 release
func (s *Subscription) enter() bool {
	s.gate.RLock()
	if !s.active.Load() {
		s.gate.RUnlock()
		return false
	}
	s.launched.Add(1)
	return true
}

func (s *Subscription) release() {
	s.gate.RUnlock()
}

// drain 等待已通过 enter 的调用全部开始，不等待 Handle 返回
func (s *Subscription) drain() {
	s.gate.Lock()
	s.gate.Unlock()
}

// accepts 过滤条件检查
func (s *Subscription) accepts(msg *Message) bool {
	for k, v := range s.FilterHeaders {
		got, ok := msg.Headers[k]
		if !ok || got != v {
			return false
		}
	}
	if s.Filter != nil && !s.Filter(msg) {
		return false
	}
	return true
}
