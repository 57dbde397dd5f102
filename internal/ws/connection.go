package ws

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/qiuyier/medlink-bus/internal/auth"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

type Connection struct {
	// 基本信息
	ID       string
	UserID   string
	DeviceID string
	Role     string
	Claims   *auth.Claims

	// WebSocket 连接
	conn *websocket.Conn

	sendChan chan []byte

	// 状态
	lastActive atomic.Int64
	closed     atomic.Bool

	// 订阅的 pattern
	patterns   map[string]struct{}
	patternsMu sync.RWMutex

	logger *zap.Logger

	// 配置
	maxMessageSize int64
	pongTimeout    time.Duration
	pingInterval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// ConnectionOptions 连接参数
type ConnectionOptions struct {
	SendChanSize   int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

func NewConnection(claims *auth.Claims, conn *websocket.Conn, opts ConnectionOptions, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		ID:             uuid.NewString(),
		UserID:         claims.UserID,
		DeviceID:       claims.DeviceID,
		Role:           claims.Role,
		Claims:         claims,
		conn:           conn,
		sendChan:       make(chan []byte, opts.SendChanSize),
		patterns:       make(map[string]struct{}),
		maxMessageSize: opts.MaxMessageSize,
		pongTimeout:    opts.PongTimeout,
		pingInterval:   opts.PingInterval,
		logger:         logger.With(zap.String("user_id", claims.UserID), zap.String("device_id", claims.DeviceID)),
		ctx:            ctx,
		cancel:         cancel,
	}

	c.UpdateLastActive()

	return c
}

// UpdateLastActive 更新最后活跃时间
func (c *Connection) UpdateLastActive() {
	c.lastActive.Store(time.Now().Unix())
}

// GetLastActive 获取最后活跃时间
func (c *Connection) GetLastActive() time.Time {
	return time.Unix(c.lastActive.Load(), 0)
}

// addPattern 返回 false 表示已订阅
func (c *Connection) addPattern(pattern string) bool {
	c.patternsMu.Lock()
	defer c.patternsMu.Unlock()

	if _, ok := c.patterns[pattern]; ok {
		return false
	}
	c.patterns[pattern] = struct{}{}
	return true
}

// removePattern 返回 false 表示未订阅
func (c *Connection) removePattern(pattern string) bool {
	c.patternsMu.Lock()
	defer c.patternsMu.Unlock()

	if _, ok := c.patterns[pattern]; !ok {
		return false
	}
	delete(c.patterns, pattern)
	return true
}

// Patterns 已订阅的 pattern，按字典序
func (c *Connection) Patterns() []string {
	c.patternsMu.RLock()
	defer c.patternsMu.RUnlock()

	out := make([]string, 0, len(c.patterns))
	for p := range c.patterns {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Send 发送消息（异步）
func (c *Connection) Send(data []byte) bool {
	if c.closed.Load() {
		return false
	}

	select {
	case c.sendChan <- data:
		return true
	case <-c.ctx.Done():
		return false
	case <-time.After(100 * time.Millisecond):
		c.logger.Warn("send channel full, message dropped")
		return false
	}
}

// SendFrame 编码后发送
func (c *Connection) SendFrame(msgType, msgID string, payload any) bool {
	data, err := EncodeFrame(msgType, msgID, payload)
	if err != nil {
		c.logger.Error("encode frame failed", zap.String("type", msgType), zap.Error(err))
		return false
	}
	return c.Send(data)
}

// SendError 发送错误帧
func (c *Connection) SendError(msgID string, code int, message string) bool {
	return c.SendFrame(MessageTypeError, msgID, &ErrorPayload{Code: code, Message: message})
}

// Done 连接关闭后返回
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close 关闭连接；WritePump 发完已排队的消息后关闭底层连接
func (c *Connection) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
		c.logger.Info("connection closed")
	}
}

// ReadPump 读取消息循环
func (c *Connection) ReadPump(handler MessageHandler) {
	defer c.Close()

	c.conn.SetReadLimit(c.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

	c.conn.SetPongHandler(func(string) error {
		c.UpdateLastActive()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					c.logger.Error("read error", zap.Error(err))
				}
				return
			}

			c.UpdateLastActive()
			_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

			// 处理信息
			if err := handler.HandleMessage(c, message); err != nil {
				c.logger.Error("handle message error", zap.Error(err))
			}
		}
	}
}

// WritePump 写入消息循环，是底层连接唯一的写入方
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.sendChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error("ping error", zap.Error(err))
				return
			}
		}
	}
}

// flush 关闭前尽量写出已排队的消息（例如 kickout），最多 1 秒
func (c *Connection) flush() {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.SetWriteDeadline(deadline)

	for time.Now().Before(deadline) {
		select {
		case message := <-c.sendChan:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
