package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const dropAfter = 100 * time.Millisecond

// inbox 网络引擎收到的消息先进入有界队列，再由 worker 交给本地投递
type inbox struct {
	name     string
	logger   *zap.Logger
	strategy BackpressureStrategy
	size     int
	workers  int
	accept   func(*Message)

	mu      sync.Mutex
	queue   chan *Message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	activeWorkers atomic.Int32
	dropped       atomic.Int64
}

func newInbox(name string, cfg Config, logger *zap.Logger, accept func(*Message)) *inbox {
	return &inbox{
		name:     name,
		logger:   logger,
		strategy: cfg.Backpressure(),
		size:     cfg.QueueSize(),
		workers:  cfg.WorkerCount(),
		accept:   accept,
	}
}

// start 启动 worker 池
func (in *inbox) start() {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.started {
		return
	}
	in.started = true
	in.queue = make(chan *Message, in.size)
	in.ctx, in.cancel = context.WithCancel(context.Background())

	in.logger.Info("starting inbox workers",
		zap.String("broker", in.name),
		zap.Int("worker_count", in.workers),
		zap.Stringer("backpressure", in.strategy),
	)

	for i := 0; i < in.workers; i++ {
		in.wg.Add(1)
		go in.work(i, in.ctx, in.queue)
	}
}

func (in *inbox) work(workerID int, ctx context.Context, queue <-chan *Message) {
	defer in.wg.Done()

	in.activeWorkers.Add(1)
	defer in.activeWorkers.Add(-1)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			in.accept(msg)
		}
	}
}

// push 按背压策略入队，返回 false 表示消息被丢弃
func (in *inbox) push(msg *Message) bool {
	in.mu.Lock()
	queue, ctx, started := in.queue, in.ctx, in.started
	in.mu.Unlock()

	if !started {
		return false
	}

	switch in.strategy {
	case BackpressureBlock:
		select {
		case queue <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	case BackpressureDrop:
		select {
		case queue <- msg:
			return true
		default:
		}
	default:
		select {
		case queue <- msg:
			return true
		case <-ctx.Done():
			return false
		case <-time.After(dropAfter):
		}
	}

	in.dropped.Add(1)
	in.logger.Warn("inbox full, dropping message",
		zap.String("broker", in.name),
		zap.String("topic", msg.Topic()),
		zap.String("message_id", msg.ID),
	)
	return false
}

// stop 停止 worker，队列中未处理的消息被丢弃
func (in *inbox) stop() {
	in.mu.Lock()
	if !in.started {
		in.mu.Unlock()
		return
	}
	in.started = false
	in.cancel()
	in.mu.Unlock()

	in.wg.Wait()
	in.logger.Info("inbox workers stopped",
		zap.String("broker", in.name),
		zap.Int64("dropped", in.dropped.Load()),
	)
}
