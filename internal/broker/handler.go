package broker

import "context"

// Handler 订阅方实现的消费能力
type Handler interface {
	// Handle 处理一条消息，返回值决定失败后的重试/死信行为
	Handle(ctx context.Context, msg *Message) ConsumeResult

	// OnSuccess Handle 成功后回调
	OnSuccess(ctx context.Context, msg *Message)

	// OnError 消息最终被丢弃时回调
	OnError(ctx context.Context, msg *Message, err error)
}

// ConsumeResult 一次 Handle 调用的结果
type ConsumeResult struct {
	Success     bool
	ShouldRetry bool
	SendToDLQ   bool
	Err         error
}

// Ack 处理成功
func Ack() ConsumeResult {
	return ConsumeResult{Success: true}
}

// Retry 处理失败，允许重试，重试耗尽后进入死信
func Retry(err error) ConsumeResult {
	return ConsumeResult{ShouldRetry: true, SendToDLQ: true, Err: err}
}

// DeadLetter 处理失败，不重试，直接进入死信
func DeadLetter(err error) ConsumeResult {
	return ConsumeResult{SendToDLQ: true, Err: err}
}

// Drop 处理失败，不重试也不进死信
func Drop(err error) ConsumeResult {
	return ConsumeResult{Err: err}
}

// HandlerFunc 函数式 handler：返回 nil 即成功，错误按 Retry 处理
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) ConsumeResult {
	if err := f(ctx, msg); err != nil {
		return Retry(err)
	}
	return Ack()
}

func (f HandlerFunc) OnSuccess(context.Context, *Message) {}

func (f HandlerFunc) OnError(context.Context, *Message, error) {}

// HandlerHooks 组合式 handler，方便只关心部分回调的订阅方
type HandlerHooks struct {
	HandleFunc    func(ctx context.Context, msg *Message) ConsumeResult
	OnSuccessFunc func(ctx context.Context, msg *Message)
	OnErrorFunc   func(ctx context.Context, msg *Message, err error)
}

func (h HandlerHooks) Handle(ctx context.Context, msg *Message) ConsumeResult {
	if h.HandleFunc == nil {
		return Ack()
	}
	return h.HandleFunc(ctx, msg)
}

func (h HandlerHooks) OnSuccess(ctx context.Context, msg *Message) {
	if h.OnSuccessFunc != nil {
		h.OnSuccessFunc(ctx, msg)
	}
}

func (h HandlerHooks) OnError(ctx context.Context, msg *Message, err error) {
	if h.OnErrorFunc != nil {
		h.OnErrorFunc(ctx, msg, err)
	}
}
