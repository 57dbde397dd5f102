package ws

import (
	"errors"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/qiuyier/medlink-bus/internal/consts"
	"go.uber.org/zap"
)

var (
	ErrUserOffline      = errors.New("user offline")
	ErrTooManyConns     = errors.New("too many connections for this user")
	ErrConnectionExists = errors.New("connection already exists")
)

type UserConnections struct {
	Conns map[string]*Connection
	mu    sync.RWMutex
}

type ConnectionManager struct {
	connMap cmap.ConcurrentMap[string, *UserConnections]

	// 统计
	totalConns atomic.Int64

	// 配置
	maxConnPerUser int

	logger *zap.Logger
}

func NewConnectionManager(maxConnPerUser int, logger *zap.Logger) *ConnectionManager {
	return &ConnectionManager{
		connMap:        cmap.New[*UserConnections](),
		maxConnPerUser: maxConnPerUser,
		logger:         logger,
	}
}

// AddConnection 添加连接
func (cm *ConnectionManager) AddConnection(conn *Connection) error {
	userConns := cm.connMap.Upsert(conn.UserID, nil, func(exist bool, old, _ *UserConnections) *UserConnections {
		if exist && old != nil {
			return old
		}
		return &UserConnections{Conns: make(map[string]*Connection)}
	})

	userConns.mu.Lock()
	defer userConns.mu.Unlock()

	// 检查连接数限制
	if cm.maxConnPerUser > 0 && len(userConns.Conns) >= cm.maxConnPerUser {
		return ErrTooManyConns
	}

	// 检查是否已存在（同一设备重复连接）
	if _, exists := userConns.Conns[conn.DeviceID]; exists {
		return ErrConnectionExists
	}

	userConns.Conns[conn.DeviceID] = conn
	cm.totalConns.Add(1)

	cm.logger.Info("connection added",
		zap.String("user_id", conn.UserID),
		zap.String("device_id", conn.DeviceID),
		zap.String("role", conn.Role),
		zap.Int64("total", cm.totalConns.Load()),
	)

	return nil
}

// RemoveConnection 移除连接，只移除同一个连接对象
func (cm *ConnectionManager) RemoveConnection(conn *Connection) {
	userConns, ok := cm.connMap.Get(conn.UserID)
	if !ok {
		return
	}

	userConns.mu.Lock()

	if existing, exists := userConns.Conns[conn.DeviceID]; exists && existing == conn {
		delete(userConns.Conns, conn.DeviceID)
		cm.totalConns.Add(-1)

		cm.logger.Info("connection removed",
			zap.String("user_id", conn.UserID),
			zap.String("device_id", conn.DeviceID),
			zap.Int64("total", cm.totalConns.Load()),
		)
	}

	isEmpty := len(userConns.Conns) == 0
	userConns.mu.Unlock()

	// 如果用户所有连接都断开，删除用户记录
	if isEmpty {
		cm.connMap.RemoveCb(conn.UserID, func(_ string, v *UserConnections, exists bool) bool {
			if !exists {
				return false
			}
			v.mu.RLock()
			defer v.mu.RUnlock()
			return len(v.Conns) == 0
		})
	}
}

// SendToUser 发送给指定用户的所有设备
func (cm *ConnectionManager) SendToUser(userID string, data []byte) error {
	conns := cm.GetUserConnections(userID)

	sendCount := 0
	for _, conn := range conns {
		if conn.Send(data) {
			sendCount++
		}
	}

	if sendCount == 0 {
		return ErrUserOffline
	}
	return nil
}

// Broadcast 广播给所有连接，返回成功发送的连接数
func (cm *ConnectionManager) Broadcast(data []byte, filter func(connection *Connection) bool) int {
	sent := 0
	for _, conn := range cm.snapshot() {
		if filter == nil || filter(conn) {
			if conn.Send(data) {
				sent++
			}
		}
	}
	return sent
}

// GetUserConnections 获取用户的所有连接
func (cm *ConnectionManager) GetUserConnections(userID string) []*Connection {
	userConns, ok := cm.connMap.Get(userID)
	if !ok {
		return nil
	}

	userConns.mu.RLock()
	defer userConns.mu.RUnlock()

	conns := make([]*Connection, 0, len(userConns.Conns))
	for _, conn := range userConns.Conns {
		conns = append(conns, conn)
	}

	return conns
}

// IsUserOnline 判断用户是否在线
func (cm *ConnectionManager) IsUserOnline(userID string) bool {
	return len(cm.GetUserConnections(userID)) > 0
}

// GetStats 获取在线统计：total 与各角色连接数
func (cm *ConnectionManager) GetStats() map[string]int64 {
	stats := map[string]int64{
		"total":            cm.totalConns.Load(),
		"users":            int64(cm.connMap.Count()),
		consts.DoctorRole:  0,
		consts.PatientRole: 0,
		consts.ServiceRole: 0,
	}
	for _, conn := range cm.snapshot() {
		stats[conn.Role]++
	}
	return stats
}

// KickoutUser 通知并断开用户的所有连接
func (cm *ConnectionManager) KickoutUser(userID string, reason string) int {
	return cm.kickout(cm.GetUserConnections(userID), reason)
}

// CloseAll 通知并断开所有连接
func (cm *ConnectionManager) CloseAll(reason string) int {
	return cm.kickout(cm.snapshot(), reason)
}

func (cm *ConnectionManager) kickout(conns []*Connection, reason string) int {
	// 发送踢出消息
	kickData, err := EncodeFrame(MessageTypeKickout, "", &ErrorPayload{
		Code:    consts.ErrorCodeKickout,
		Message: reason,
	})
	if err != nil {
		cm.logger.Error("encode kickout frame failed", zap.Error(err))
	}

	for _, conn := range conns {
		if kickData != nil {
			conn.Send(kickData)
		}
		conn.Close()
	}

	if len(conns) > 0 {
		cm.logger.Info("connections kicked out", zap.Int("count", len(conns)), zap.String("reason", reason))
	}
	return len(conns)
}

func (cm *ConnectionManager) snapshot() []*Connection {
	var conns []*Connection
	cm.connMap.IterCb(func(_ string, userConns *UserConnections) {
		userConns.mu.RLock()
		defer userConns.mu.RUnlock()

		for _, conn := range userConns.Conns {
			conns = append(conns, conn)
		}
	})
	return conns
}
