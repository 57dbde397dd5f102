package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/qiuyier/medlink-bus/config"
	"github.com/qiuyier/medlink-bus/internal/auth"
	"github.com/qiuyier/medlink-bus/internal/broker"
	"github.com/qiuyier/medlink-bus/internal/consts"
	"go.uber.org/zap"
)

type MessageHandler interface {
	HandleMessage(conn *Connection, data []byte) error
}

var errAuthRequired = errors.New("first frame must be auth")

// Gateway websocket 入口：认证、连接管理、订阅转发与发布
type Gateway struct {
	cfg      config.WSConfig
	auth     *auth.JWTAuth
	manager  *ConnectionManager
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger

	pumps sync.WaitGroup
}

func NewGateway(cfg config.WSConfig, b broker.Broker, jwtAuth *auth.JWTAuth, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:     cfg,
		auth:    jwtAuth,
		manager: NewConnectionManager(cfg.MaxConnPerUser, logger),
		hub:     NewHub(b, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (g *Gateway) Manager() *ConnectionManager {
	return g.manager
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

// ServeHTTP 升级连接；token 可以放在 Authorization 头、token 参数，或作为第一帧发送
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	claims, err := g.authenticate(r, wsConn)
	if err != nil {
		g.logger.Info("websocket auth failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		g.reject(wsConn, MessageTypeAuthFailed, consts.ErrorCodeUnauthorized, err.Error())
		return
	}

	conn := NewConnection(claims, wsConn, ConnectionOptions{
		SendChanSize:   g.cfg.SendChannelSize,
		MaxMessageSize: g.cfg.MaxMessageSize,
		PingInterval:   g.cfg.PingInterval,
		PongTimeout:    g.cfg.PongTimeout,
	}, g.logger)

	if err := g.manager.AddConnection(conn); err != nil {
		g.reject(wsConn, MessageTypeError, consts.ErrorCodeForbidden, err.Error())
		return
	}

	conn.SendFrame(MessageTypeAuthSuccess, "", &AuthSuccessPayload{
		UserID:   claims.UserID,
		Role:     claims.Role,
		DeviceID: claims.DeviceID,
	})

	g.pumps.Add(2)
	go func() {
		defer g.pumps.Done()
		conn.WritePump()
	}()
	go func() {
		defer g.pumps.Done()
		conn.ReadPump(g)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.hub.RemoveConnection(ctx, conn)
		g.manager.RemoveConnection(conn)
	}()
}

func (g *Gateway) authenticate(r *http.Request, wsConn *websocket.Conn) (*auth.Claims, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	if token == "" {
		wsConn.SetReadLimit(g.cfg.MaxMessageSize)
		_ = wsConn.SetReadDeadline(time.Now().Add(g.cfg.AuthTimeout))
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read auth frame: %w", err)
		}
		_ = wsConn.SetReadDeadline(time.Time{})

		frame, err := DecodeFrame(data)
		if err != nil || frame.Type != MessageTypeAuth {
			return nil, errAuthRequired
		}
		var p AuthPayload
		if err := frame.ParsePayload(&p); err != nil {
			return nil, errAuthRequired
		}
		token = p.Token
	}

	return g.auth.ValidateToken(token)
}

// reject 在 pump 启动前直接写一帧并关闭
func (g *Gateway) reject(wsConn *websocket.Conn, msgType string, code int, message string) {
	data, err := EncodeFrame(msgType, "", &ErrorPayload{Code: code, Message: message})
	if err == nil {
		_ = wsConn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = wsConn.WriteMessage(websocket.TextMessage, data)
		_ = wsConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
	}
	_ = wsConn.Close()
}

// HandleMessage 处理客户端帧
func (g *Gateway) HandleMessage(conn *Connection, data []byte) error {
	frame, err := DecodeFrame(data)
	if err != nil {
		conn.SendError("", consts.ErrorCodeBadRequest, "malformed frame")
		return fmt.Errorf("decode frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(conn.ctx, 10*time.Second)
	defer cancel()

	switch frame.Type {
	case MessageTypePing:
		conn.SendFrame(MessageTypePong, frame.MsgID, nil)

	case MessageTypeSubscribe:
		var p SubscribePayload
		if err := frame.ParsePayload(&p); err != nil || len(p.Patterns) == 0 {
			conn.SendError(frame.MsgID, consts.ErrorCodeBadRequest, "patterns required")
			return nil
		}
		for _, pattern := range p.Patterns {
			if !conn.Claims.CanSubscribe(pattern) {
				conn.SendError(frame.MsgID, consts.ErrorCodeForbidden, "not allowed to subscribe "+pattern)
				return nil
			}
		}
		for _, pattern := range p.Patterns {
			if err := g.hub.Subscribe(ctx, conn, pattern); err != nil {
				conn.SendError(frame.MsgID, consts.ErrorCodeSubscribe, err.Error())
				return nil
			}
		}
		conn.logger.Info("subscribed patterns", zap.Strings("patterns", p.Patterns))
		conn.SendFrame(MessageTypeSubscribed, frame.MsgID, &p)

	case MessageTypeUnsubscribe:
		var p SubscribePayload
		if err := frame.ParsePayload(&p); err != nil {
			conn.SendError(frame.MsgID, consts.ErrorCodeBadRequest, "patterns required")
			return nil
		}
		for _, pattern := range p.Patterns {
			if err := g.hub.Unsubscribe(ctx, conn, pattern); err != nil {
				conn.SendError(frame.MsgID, consts.ErrorCodeSubscribe, err.Error())
				return nil
			}
		}
		conn.logger.Info("unsubscribed patterns", zap.Strings("patterns", p.Patterns))
		conn.SendFrame(MessageTypeUnsubscribed, frame.MsgID, &p)

	case MessageTypePublish:
		var p PublishPayload
		if err := frame.ParsePayload(&p); err != nil {
			conn.SendError(frame.MsgID, consts.ErrorCodeBadRequest, "invalid publish payload")
			return nil
		}
		if !conn.Claims.CanPublish(p.Topic) {
			conn.SendError(frame.MsgID, consts.ErrorCodeForbidden, "not allowed to publish "+p.Topic)
			return nil
		}
		res := g.hub.Publish(ctx, conn, &p)
		if !res.Success {
			conn.SendError(frame.MsgID, consts.ErrorCodePublish, res.Err.Error())
			return nil
		}
		conn.SendFrame(MessageTypePublishResult, frame.MsgID, &PublishResultPayload{
			MessageID: res.MessageID,
			Topic:     res.Topic,
			Offset:    res.Offset,
		})

	case MessageTypeAck:
		var p AckPayload
		_ = frame.ParsePayload(&p)
		conn.logger.Debug("client ack", zap.String("msg_id", p.MsgID))

	default:
		conn.SendError(frame.MsgID, consts.ErrorCodeBadRequest, "unknown frame type "+frame.Type)
	}
	return nil
}

// Shutdown 踢出所有连接、等待 pump 退出，再移除 broker 订阅
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.manager.CloseAll("server shutting down")

	done := make(chan struct{})
	go func() {
		g.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.hub.Close(ctx)
}
