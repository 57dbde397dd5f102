package broker

import (
	"context"
	"errors"
	"sort"

	"github.com/alphadose/haxmap"
	"go.uber.org/zap"
)

// New 按 cfg.Type 创建 broker，不建立连接
func New(cfg Config, logger *zap.Logger) (Broker, error) {
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryBroker(cfg, logger), nil
	case TypeRedis:
		return NewRedisBroker(cfg, logger), nil
	case TypeKafka:
		return NewKafkaBroker(cfg, logger), nil
	case TypeRabbitMQ:
		return NewRabbitMQBroker(cfg, logger), nil
	case TypeNATS:
		return NewNATSBroker(cfg, logger), nil
	default:
		return nil, &Error{Code: ErrCodeConfiguration, Op: "new broker", Message: ErrUnknownBrokerType.Message + ": " + string(cfg.Type)}
	}
}

// HealthChecker 网络引擎提供的连通性检查
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Registry 按名称持有已连接的 broker，调用方显式传递，不存在进程级单例
type Registry struct {
	logger  *zap.Logger
	brokers *haxmap.Map[string, Broker]
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger,
		brokers: haxmap.New[string, Broker](),
	}
}

// Open 返回已存在的同名 broker，否则创建并连接后登记
func (r *Registry) Open(ctx context.Context, name string, cfg Config) (Broker, error) {
	if b, ok := r.brokers.Get(name); ok {
		return b, nil
	}

	b, err := New(cfg, r.logger.With(zap.String("broker", name)))
	if err != nil {
		return nil, err
	}
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}

	// 并发 Open 同名时只保留先登记的那个
	actual, loaded := r.brokers.GetOrSet(name, b)
	if loaded {
		if err := b.Disconnect(ctx); err != nil {
			r.logger.Warn("disconnect duplicate broker failed", zap.String("name", name), zap.Error(err))
		}
		return actual, nil
	}

	r.logger.Info("broker registered",
		zap.String("name", name),
		zap.String("type", string(cfg.Type)),
	)
	return b, nil
}

// Register 登记外部创建的 broker，同名覆盖
func (r *Registry) Register(name string, b Broker) {
	r.brokers.Set(name, b)
}

func (r *Registry) Get(name string) (Broker, bool) {
	return r.brokers.Get(name)
}

// Names 已登记的名称，按字典序
func (r *Registry) Names() []string {
	names := make([]string, 0, r.brokers.Len())
	r.brokers.ForEach(func(name string, _ Broker) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Remove 断开并移除
func (r *Registry) Remove(ctx context.Context, name string) error {
	b, ok := r.brokers.Get(name)
	if !ok {
		return nil
	}
	r.brokers.Del(name)
	return b.Disconnect(ctx)
}

// Close 断开全部 broker，返回合并后的错误
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Remove(ctx, name); err != nil {
			r.logger.Error("disconnect broker failed", zap.String("name", name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
