package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/qiuyier/medlink-bus/internal/broker"
	"github.com/qiuyier/medlink-bus/internal/ws"
	"go.uber.org/zap"
)

const maxPublishBody = 1 << 20

// Admin 运维 HTTP 接口：发布、topic 查询、历史、统计，以及对网关连接的通知与踢出
type Admin struct {
	registry      *broker.Registry
	gateway       *ws.Gateway
	defaultBroker string
	logger        *zap.Logger
}

func NewAdmin(registry *broker.Registry, gateway *ws.Gateway, defaultBroker string, logger *zap.Logger) *Admin {
	return &Admin{
		registry:      registry,
		gateway:       gateway,
		defaultBroker: defaultBroker,
		logger:        logger,
	}
}

// Routes 注册路由；broker 通过 ?broker= 选择，缺省为网关使用的 broker
func (a *Admin) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /publish", a.publish)
	mux.HandleFunc("GET /topics", a.listTopics)
	mux.HandleFunc("GET /topics/{name}/history", a.history)
	mux.HandleFunc("GET /stats", a.stats)
	mux.HandleFunc("GET /healthz", a.health)

	if a.gateway != nil {
		mux.HandleFunc("GET /users/{id}/connections", a.userConnections)
		mux.HandleFunc("POST /users/{id}/notice", a.notifyUser)
		mux.HandleFunc("POST /users/{id}/kickout", a.kickoutUser)
		mux.HandleFunc("POST /broadcast", a.broadcast)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type connectionInfo struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Role       string    `json:"role"`
	LastActive time.Time `json:"last_active"`
	Patterns   []string  `json:"patterns"`
}

type noticeRequest struct {
	// Role 为空时广播给所有角色
	Role string          `json:"role,omitempty"`
	Data json.RawMessage `json:"data"`
}

type countResponse struct {
	Count int `json:"count"`
}

type statsResponse struct {
	Brokers     map[string]*broker.BrokerStats `json:"brokers"`
	Connections map[string]int64               `json:"connections,omitempty"`
	Patterns    map[string]int                 `json:"patterns,omitempty"`
}

func (a *Admin) publish(w http.ResponseWriter, r *http.Request) {
	b, ok := a.broker(w, r)
	if !ok {
		return
	}

	var req ws.PublishPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody)).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	res := broker.PublishPayload(r.Context(), b, req.Topic, req.Data, req.Headers, broker.WithSource("admin"))
	if !res.Success {
		a.writeError(w, publishStatus(res.Err), res.Err)
		return
	}
	a.writeJSON(w, http.StatusOK, &ws.PublishResultPayload{
		MessageID: res.MessageID,
		Topic:     res.Topic,
		Offset:    res.Offset,
	})
}

func publishStatus(err error) int {
	switch {
	case errors.Is(err, broker.ErrInvalidTopic):
		return http.StatusBadRequest
	case broker.IsConnectionError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (a *Admin) listTopics(w http.ResponseWriter, r *http.Request) {
	b, ok := a.broker(w, r)
	if !ok {
		return
	}

	topics := make([]broker.TopicInfo, 0)
	for _, name := range b.ListTopics() {
		if info, ok := b.TopicInfo(name); ok {
			topics = append(topics, info)
		}
	}
	a.writeJSON(w, http.StatusOK, topics)
}

func (a *Admin) history(w http.ResponseWriter, r *http.Request) {
	b, ok := a.broker(w, r)
	if !ok {
		return
	}

	name := r.PathValue("name")
	if _, exists := b.TopicInfo(name); !exists {
		a.writeError(w, http.StatusNotFound, broker.ErrTopicNotFound)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	msgs := b.MessageHistory(name, limit)
	out := make([]*ws.DeliveryPayload, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, ws.NewDeliveryPayload(msg, ""))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *Admin) stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Brokers: make(map[string]*broker.BrokerStats)}
	for _, name := range a.registry.Names() {
		if b, ok := a.registry.Get(name); ok {
			resp.Brokers[name] = b.GetStats()
		}
	}
	if a.gateway != nil {
		resp.Connections = a.gateway.Manager().GetStats()
		resp.Patterns = a.gateway.Hub().Patterns()
	}
	a.writeJSON(w, http.StatusOK, &resp)
}

// health 已连接且网络引擎连通时返回 200
func (a *Admin) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	result := make(map[string]string)
	for _, name := range a.registry.Names() {
		b, ok := a.registry.Get(name)
		if !ok {
			continue
		}

		var err error
		if !b.IsConnected() {
			err = broker.ErrNotConnected
		} else if hc, ok := b.(broker.HealthChecker); ok {
			err = hc.HealthCheck(ctx)
		}

		if err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	a.writeJSON(w, status, result)
}

func (a *Admin) userConnections(w http.ResponseWriter, r *http.Request) {
	conns := a.gateway.Manager().GetUserConnections(r.PathValue("id"))

	out := make([]connectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionInfo{
			ID:         c.ID,
			DeviceID:   c.DeviceID,
			Role:       c.Role,
			LastActive: c.GetLastActive(),
			Patterns:   c.Patterns(),
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *Admin) notifyUser(w http.ResponseWriter, r *http.Request) {
	_, frame, ok := a.decodeNotice(w, r)
	if !ok {
		return
	}

	if err := a.gateway.Manager().SendToUser(r.PathValue("id"), frame); err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) broadcast(w http.ResponseWriter, r *http.Request) {
	req, frame, ok := a.decodeNotice(w, r)
	if !ok {
		return
	}

	var filter func(*ws.Connection) bool
	if req.Role != "" {
		filter = func(c *ws.Connection) bool { return c.Role == req.Role }
	}
	a.writeJSON(w, http.StatusOK, &countResponse{Count: a.gateway.Manager().Broadcast(frame, filter)})
}

func (a *Admin) kickoutUser(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "kicked out by admin"
	}
	n := a.gateway.Manager().KickoutUser(r.PathValue("id"), reason)
	a.writeJSON(w, http.StatusOK, &countResponse{Count: n})
}

func (a *Admin) decodeNotice(w http.ResponseWriter, r *http.Request) (*noticeRequest, []byte, bool) {
	var req noticeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody)).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return nil, nil, false
	}

	frame, err := ws.EncodeFrame(ws.MessageTypeNotice, "", &ws.NoticePayload{Data: req.Data})
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return nil, nil, false
	}
	return &req, frame, true
}

func (a *Admin) broker(w http.ResponseWriter, r *http.Request) (broker.Broker, bool) {
	name := r.URL.Query().Get("broker")
	if name == "" {
		name = a.defaultBroker
	}

	b, ok := a.registry.Get(name)
	if !ok {
		a.writeError(w, http.StatusNotFound, errors.New("unknown broker: "+name))
		return nil, false
	}
	return b, true
}

func (a *Admin) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, &errorResponse{Error: err.Error()})
}

func (a *Admin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("write response failed", zap.Error(err))
	}
}
