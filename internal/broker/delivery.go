package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qiuyier/medlink-bus/internal/consts"
	"github.com/qiuyier/medlink-bus/internal/retry"
	"go.uber.org/zap"
)

var errHandlerFailed = errors.New("handler reported failure")

// counters 进程内计数，无重置
type counters struct {
	published atomic.Int64
	consumed  atomic.Int64
	failed    atomic.Int64
	dlq       atomic.Int64
}

// publishFunc 死信消息走所属 broker 的正常发布路径
type publishFunc func(ctx context.Context, msg *Message) PublishResult

// deliveryEngine 每个 (消息, 订阅) 一个可取消的投递任务
type deliveryEngine struct {
	cfg     Config
	logger  *zap.Logger
	stats   *counters
	publish publishFunc

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   map[uint64]context.CancelFunc
	nextID  uint64
	wg      sync.WaitGroup
}

func newDeliveryEngine(cfg Config, logger *zap.Logger, stats *counters, publish publishFunc) *deliveryEngine {
	return &deliveryEngine{
		cfg:     cfg,
		logger:  logger,
		stats:   stats,
		publish: publish,
		tasks:   make(map[uint64]context.CancelFunc),
	}
}

func (e *deliveryEngine) start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running = true
}

// stop 取消所有在途任务并等待其退出，最长等待 ShutdownTimeout
func (e *deliveryEngine) stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	inflight := len(e.tasks)
	for _, cancel := range e.tasks {
		cancel()
	}
	e.cancel()
	e.mu.Unlock()

	e.logger.Info("stopping delivery engine", zap.Int("inflight", inflight))

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timeout := e.cfg.ShutdownTimeout()
	select {
	case <-done:
		e.logger.Info("all delivery tasks stopped")
		return nil
	case <-time.After(timeout):
		e.logger.Warn("delivery tasks still running after shutdown timeout", zap.Duration("timeout", timeout))
		return fmt.Errorf("delivery engine stop: timed out after %s", timeout)
	case <-ctx.Done():
		return fmt.Errorf("delivery engine stop: %w", ctx.Err())
	}
}

func (e *deliveryEngine) inflight() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.tasks))
}

// dispatch 为每个订阅启动独立任务，调用方持有 broker 锁，本身不阻塞
func (e *deliveryEngine) dispatch(msg *Message, subs []*Subscription) {
	if len(subs) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	for _, sub := range subs {
		e.nextID++
		id := e.nextID
		ctx, cancel := context.WithCancel(e.ctx)
		e.tasks[id] = cancel
		e.wg.Add(1)

		go e.run(ctx, id, msg.clone(), sub)
	}
}

func (e *deliveryEngine) run(ctx context.Context, id uint64, msg *Message, sub *Subscription) {
	defer e.wg.Done()
	defer e.finish(id)

	e.deliver(ctx, msg, sub)
}

func (e *deliveryEngine) finish(id uint64) {
	e.mu.Lock()
	cancel, ok := e.tasks[id]
	delete(e.tasks, id)
	e.mu.Unlock()

	if ok {
		cancel()
	}
}

// deliver 单个订阅的投递循环：同一消息的重试严格串行
func (e *deliveryEngine) deliver(ctx context.Context, msg *Message, sub *Subscription) {
	if !sub.accepts(msg) {
		return
	}

	for {
		// 取消订阅后不再开始新的调用
		if ctx.Err() != nil || !sub.enter() {
			return
		}

		start := time.Now()
		result := e.invoke(ctx, msg, sub)
		if ctx.Err() != nil {
			// 断开连接导致的中止，不计失败
			return
		}

		if result.Success {
			sub.Handler.OnSuccess(ctx, msg)
			e.stats.consumed.Add(1)

			e.logger.Debug("message delivered",
				zap.String("topic", msg.Topic()),
				zap.String("message_id", msg.ID),
				zap.String("pattern", sub.Pattern),
				zap.Int("attempt", msg.attempt),
				zap.Duration("duration", time.Since(start)),
			)
			return
		}

		if sub.RetryOnFailure && result.ShouldRetry && msg.attempt < sub.MaxRetries {
			msg.attempt++
			delay := retry.Backoff(sub.RetryDelay, msg.attempt)

			e.logger.Debug("retrying message",
				zap.String("topic", msg.Topic()),
				zap.String("message_id", msg.ID),
				zap.String("pattern", sub.Pattern),
				zap.Int("attempt", msg.attempt),
				zap.Duration("delay", delay),
				zap.Error(result.Err),
			)

			if err := retry.Sleep(ctx, delay); err != nil {
				return
			}
			continue
		}

		e.fail(ctx, msg, sub, result)
		return
	}
}

// invoke 带超时调用 handler，超时或 panic 视为不可重试的失败。
// 调用方已持有 sub.enter，由 handler goroutine 在调用 Handle 前释放
func (e *deliveryEngine) invoke(ctx context.Context, msg *Message, sub *Subscription) ConsumeResult {
	ictx := ctx
	if sub.Timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, sub.Timeout)
		defer cancel()
	}

	done := make(chan ConsumeResult, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("handler panicked",
					zap.String("topic", msg.Topic()),
					zap.String("pattern", sub.Pattern),
					zap.Any("panic", r),
				)
				done <- ConsumeResult{Err: &Error{
					Code:    ErrCodeHandlerFailure,
					Message: ErrHandlerPanic.Message,
					Err:     fmt.Errorf("%v", r),
				}}
			}
		}()

		sub.release()
		done <- sub.Handler.Handle(ictx, msg)
	}()

	select {
	case result := <-done:
		if !result.Success && result.Err == nil {
			result.Err = errHandlerFailed
		}
		return result
	case <-ictx.Done():
		if ctx.Err() != nil {
			return ConsumeResult{Err: ctx.Err()}
		}
		return ConsumeResult{Err: ErrDeliveryTimeout}
	}
}

// fail 重试耗尽：进死信或丢弃
func (e *deliveryEngine) fail(ctx context.Context, msg *Message, sub *Subscription, result ConsumeResult) {
	reason := result.Err

	if result.SendToDLQ && e.cfg.EnableDLQ {
		if strings.HasSuffix(msg.Topic(), e.cfg.dlqSuffix()) {
			e.logger.Warn("dead letter message failed, dropping",
				zap.String("topic", msg.Topic()),
				zap.String("message_id", msg.ID),
			)
		} else if err := e.deadLetter(ctx, msg, sub, reason); err != nil {
			e.logger.Error("route to dead letter topic failed",
				zap.String("topic", msg.Topic()),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		} else {
			e.stats.dlq.Add(1)
			return
		}
	}

	sub.Handler.OnError(ctx, msg, reason)
	e.stats.failed.Add(1)

	e.logger.Warn("message dropped",
		zap.String("topic", msg.Topic()),
		zap.String("message_id", msg.ID),
		zap.String("pattern", sub.Pattern),
		zap.Int("attempt", msg.attempt),
		zap.Error(reason),
	)
}

func (e *deliveryEngine) deadLetter(ctx context.Context, msg *Message, sub *Subscription, reason error) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode original message: %w", err)
	}

	dlqMsg, err := NewMessage(e.cfg.DLQTopic(msg.Topic()), payload,
		WithHeaders(msg.Headers),
		WithHeader(consts.HeaderOriginalTopic, msg.Topic()),
		WithHeader(consts.HeaderFailureReason, reason.Error()),
		WithHeader(consts.HeaderAttempts, strconv.Itoa(msg.attempt+1)),
		WithHeader(consts.HeaderSubscriptionPattern, sub.Pattern),
		WithSource("dlq"),
	)
	if err != nil {
		return err
	}

	res := e.publish(ctx, dlqMsg)
	if !res.Success {
		return res.Err
	}

	e.logger.Info("message routed to dead letter topic",
		zap.String("topic", msg.Topic()),
		zap.String("dlq_topic", dlqMsg.Topic()),
		zap.String("message_id", msg.ID),
		zap.Int("attempts", msg.attempt+1),
	)
	return nil
}
