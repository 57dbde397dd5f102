package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qiuyier/medlink-bus/internal/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestMemoryBroker_ConnectLifecycle(t *testing.T) {
	b := NewMemoryBroker(Config{}, nil)
	ctx := context.Background()

	assert.False(t, b.IsConnected())

	res := publish(t, b, "orders.created", "x")
	assert.False(t, res.Success)
	assert.True(t, IsConnectionError(res.Err))

	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	assert.True(t, b.IsConnected())

	require.NoError(t, b.Disconnect(ctx))
	require.NoError(t, b.Disconnect(ctx))
	assert.False(t, b.IsConnected())

	res = publish(t, b, "orders.created", "x")
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNotConnected)
}

func TestMemoryBroker_OffsetsIncrease(t *testing.T) {
	b := newTestBroker(t, Config{})

	for i := 0; i < 5; i++ {
		res := publish(t, b, "orders.created", strconv.Itoa(i))
		require.True(t, res.Success)
		assert.Equal(t, int64(i), res.Offset)
		assert.Equal(t, "orders.created", res.Topic)
		assert.NotEmpty(t, res.MessageID)
	}

	// 不同 topic 的 offset 相互独立
	res := publish(t, b, "orders.updated", "x")
	assert.Equal(t, int64(0), res.Offset)

	info, ok := b.TopicInfo("orders.created")
	require.True(t, ok)
	assert.Equal(t, int64(5), info.MessageCount)
	assert.Equal(t, []string{"orders.created", "orders.updated"}, b.ListTopics())
	assert.Equal(t, int64(6), b.GetStats().MessagesPublished)
}

func TestMemoryBroker_PatternDelivery(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	exact, single, multi := &collector{}, &collector{}, &collector{}
	_, err := b.SubscribeHandler(ctx, "orders.created", exact)
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "orders.*", single)
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "orders.#", multi)
	require.NoError(t, err)

	publish(t, b, "orders", "1")
	publish(t, b, "orders.created", "2")
	publish(t, b, "orders.created.eu", "3")
	publish(t, b, "billing.created", "4")

	require.Eventually(t, func() bool {
		return exact.count() == 1 && single.count() == 1 && multi.count() == 3
	}, waitFor, tick)

	assert.Equal(t, []string{"2"}, exact.payloads())
	assert.Equal(t, []string{"2"}, single.payloads())
	assert.ElementsMatch(t, []string{"1", "2", "3"}, multi.payloads())

	require.Eventually(t, func() bool {
		return b.GetStats().MessagesConsumed == 5
	}, waitFor, tick)
	assert.Equal(t, 1, exact.successes())
}

func TestMemoryBroker_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var slowStarted atomic.Bool
	slow := HandlerHooks{HandleFunc: func(ctx context.Context, msg *Message) ConsumeResult {
		slowStarted.Store(true)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Ack()
	}}
	fast := &collector{}

	_, err := b.SubscribeHandler(ctx, "jobs.run", slow)
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "jobs.run", fast)
	require.NoError(t, err)

	start := time.Now()
	res := publish(t, b, "jobs.run", "x")
	require.True(t, res.Success)
	assert.Less(t, time.Since(start), time.Second, "publish must not wait for handlers")

	require.Eventually(t, func() bool { return fast.count() == 1 }, waitFor, tick)
	assert.True(t, slowStarted.Load())
	require.Eventually(t, func() bool { return b.GetStats().ActiveDeliveries == 1 }, waitFor, tick)
}

func TestMemoryBroker_ConcurrentPublishReachesSlowAndFast(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	const publishers, perPublisher = 8, 50
	const total = publishers * perPublisher

	slow := &collector{result: func(*Message) ConsumeResult {
		time.Sleep(2 * time.Millisecond)
		return Ack()
	}}
	fast := &collector{}

	_, err := b.SubscribeHandler(ctx, "load.*", slow)
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "load.run", fast)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		offsets = make(map[int64]struct{}, total)
		ids     = make(map[string]struct{}, total)
		failed  atomic.Int32
	)
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				msg, err := NewMessage("load.run", []byte(strconv.Itoa(i)))
				if err != nil {
					failed.Add(1)
					continue
				}
				res := b.Publish(ctx, msg)
				if !res.Success {
					failed.Add(1)
					continue
				}
				mu.Lock()
				offsets[res.Offset] = struct{}{}
				ids[res.MessageID] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failed.Load())
	require.Len(t, ids, total)
	require.Len(t, offsets, total)
	for i := int64(0); i < total; i++ {
		assert.Contains(t, offsets, i)
	}

	require.Eventually(t, func() bool {
		return len(fast.ids()) == total && len(slow.ids()) == total
	}, 5*time.Second, tick)
	assert.Equal(t, ids, fast.ids())
	assert.Equal(t, ids, slow.ids())

	require.Eventually(t, func() bool {
		return b.GetStats().MessagesConsumed == 2*total
	}, waitFor, tick)
}

func TestMemoryBroker_NoHandleStartsAfterUnsubscribe(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		topic := fmt.Sprintf("race.t%d", round)

		var calls atomic.Int64
		h := HandlerHooks{HandleFunc: func(context.Context, *Message) ConsumeResult {
			calls.Add(1)
			return Ack()
		}}
		sub, err := b.SubscribeHandler(ctx, topic, h, WithoutRetry())
		require.NoError(t, err)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					msg, err := NewMessage(topic, []byte("x"))
					if err == nil {
						b.Publish(ctx, msg)
					}
				}
			}()
		}

		require.Eventually(t, func() bool { return calls.Load() >= 50 }, waitFor, time.Millisecond)

		require.NoError(t, b.Unsubscribe(ctx, topic))
		launched := sub.launched.Load()

		// 退订后继续发布一段时间
		time.Sleep(10 * time.Millisecond)
		close(stop)
		wg.Wait()

		require.Eventually(t, func() bool {
			return b.GetStats().ActiveDeliveries == 0 && calls.Load() == launched
		}, waitFor, tick, "round %d: %d handle calls, %d admitted before unsubscribe returned", round, calls.Load(), launched)
		assert.Equal(t, launched, sub.launched.Load(), "round %d", round)
		assert.Equal(t, 0, b.SubscriberCount(topic))
	}
}

func TestMemoryBroker_RetryThenDeadLetter(t *testing.T) {
	b := newTestBroker(t, Config{EnableDLQ: true})
	ctx := context.Background()

	const delay = 20 * time.Millisecond
	failing := &collector{result: func(*Message) ConsumeResult {
		return Retry(errors.New("database unavailable"))
	}}
	dlq := &collector{}

	_, err := b.SubscribeHandler(ctx, "orders.created", failing, WithRetry(2, delay))
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "orders.created.dlq", dlq)
	require.NoError(t, err)

	original := publish(t, b, "orders.created", `{"id":1}`, WithHeader("tenant", "a"))
	require.True(t, original.Success)

	require.Eventually(t, func() bool { return dlq.count() == 1 }, waitFor, tick)

	failing.mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, failing.attempts)
	require.Len(t, failing.calls, 3)
	assert.GreaterOrEqual(t, failing.calls[1].Sub(failing.calls[0]), delay)
	assert.GreaterOrEqual(t, failing.calls[2].Sub(failing.calls[1]), 2*delay)
	failing.mu.Unlock()
	assert.Empty(t, failing.failures(), "dead lettered messages do not reach OnError")

	dead := dlq.received()[0]
	assert.Equal(t, "orders.created.dlq", dead.Topic())
	assert.Equal(t, "orders.created", dead.Header(consts.HeaderOriginalTopic))
	assert.Equal(t, "database unavailable", dead.Header(consts.HeaderFailureReason))
	assert.Equal(t, "3", dead.Header(consts.HeaderAttempts))
	assert.Equal(t, "orders.created", dead.Header(consts.HeaderSubscriptionPattern))
	assert.Equal(t, "a", dead.Header("tenant"))
	assert.Equal(t, "dlq", dead.Source)

	inner, err := DecodeMessage(dead.Payload)
	require.NoError(t, err)
	assert.Equal(t, original.MessageID, inner.ID)
	assert.Equal(t, `{"id":1}`, string(inner.Payload))

	require.Eventually(t, func() bool { return b.GetStats().MessagesDLQ == 1 }, waitFor, tick)
	stats := b.GetStats()
	assert.Equal(t, int64(0), stats.MessagesFailed)
	assert.Equal(t, int64(2), stats.MessagesPublished)
}

func TestMemoryBroker_RetryExhaustedWithoutDLQ(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	failing := &collector{result: func(*Message) ConsumeResult {
		return Retry(errors.New("nope"))
	}}
	_, err := b.SubscribeHandler(ctx, "orders.created", failing, WithRetry(1, time.Millisecond))
	require.NoError(t, err)

	publish(t, b, "orders.created", "x")

	require.Eventually(t, func() bool { return b.GetStats().MessagesFailed == 1 }, waitFor, tick)
	assert.Equal(t, 2, failing.count())
	require.Len(t, failing.failures(), 1)
	assert.EqualError(t, failing.failures()[0], "nope")
	assert.NotContains(t, b.ListTopics(), "orders.created.dlq")
}

func TestMemoryBroker_DropAndDeadLetterResults(t *testing.T) {
	b := newTestBroker(t, Config{EnableDLQ: true})
	ctx := context.Background()

	dropped := &collector{result: func(*Message) ConsumeResult { return Drop(errors.New("bad input")) }}
	direct := &collector{result: func(*Message) ConsumeResult { return DeadLetter(errors.New("poison")) }}
	dlq := &collector{}

	_, err := b.SubscribeHandler(ctx, "a.drop", dropped)
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "a.poison", direct)
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "a.poison.dlq", dlq)
	require.NoError(t, err)

	publish(t, b, "a.drop", "x")
	publish(t, b, "a.poison", "y")

	require.Eventually(t, func() bool {
		return len(dropped.failures()) == 1 && dlq.count() == 1
	}, waitFor, tick)

	assert.Equal(t, 1, dropped.count(), "drop is never retried")
	assert.Equal(t, 1, direct.count(), "dead letter is never retried")
	assert.Equal(t, "1", dlq.received()[0].Header(consts.HeaderAttempts))
}

func TestMemoryBroker_DeadLetterTopicIsNotDeadLettered(t *testing.T) {
	b := newTestBroker(t, Config{EnableDLQ: true})
	ctx := context.Background()

	failing := &collector{result: func(*Message) ConsumeResult { return DeadLetter(errors.New("still bad")) }}
	_, err := b.SubscribeHandler(ctx, "jobs.dlq", failing)
	require.NoError(t, err)

	publish(t, b, "jobs.dlq", "x")

	require.Eventually(t, func() bool { return b.GetStats().MessagesFailed == 1 }, waitFor, tick)
	assert.Len(t, failing.failures(), 1)
	assert.NotContains(t, b.ListTopics(), "jobs.dlq.dlq")
	assert.Equal(t, int64(0), b.GetStats().MessagesDLQ)
}

func TestMemoryBroker_HandlerTimeout(t *testing.T) {
	b := newTestBroker(t, Config{EnableDLQ: true})
	ctx := context.Background()

	var calls atomic.Int32
	errs := make(chan error, 1)
	slow := HandlerHooks{
		HandleFunc: func(ctx context.Context, msg *Message) ConsumeResult {
			calls.Add(1)
			<-ctx.Done()
			return Retry(ctx.Err())
		},
		OnErrorFunc: func(_ context.Context, _ *Message, err error) { errs <- err },
	}

	_, err := b.SubscribeHandler(ctx, "jobs.slow", slow, WithTimeout(20*time.Millisecond), WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	publish(t, b, "jobs.slow", "x")

	select {
	case err := <-errs:
		assert.True(t, IsTimeout(err))
		assert.ErrorIs(t, err, ErrDeliveryTimeout)
	case <-time.After(waitFor):
		t.Fatal("timeout was not reported")
	}

	require.Eventually(t, func() bool { return b.GetStats().MessagesFailed == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), calls.Load(), "timeouts are not retried")
	assert.Equal(t, int64(0), b.GetStats().MessagesDLQ)
}

func TestMemoryBroker_HandlerPanic(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	errs := make(chan error, 1)
	h := HandlerHooks{
		HandleFunc: func(context.Context, *Message) ConsumeResult {
			panic("kaboom")
		},
		OnErrorFunc: func(_ context.Context, _ *Message, err error) { errs <- err },
	}
	other := &collector{}

	_, err := b.SubscribeHandler(ctx, "jobs.#", h)
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "jobs.run", other)
	require.NoError(t, err)

	publish(t, b, "jobs.run", "x")

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrHandlerPanic)
		assert.Contains(t, err.Error(), "kaboom")
	case <-time.After(waitFor):
		t.Fatal("panic was not reported")
	}
	require.Eventually(t, func() bool { return other.count() == 1 }, waitFor, tick)
}

func TestMemoryBroker_Filters(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	byHeader := &collector{}
	byPayload := &collector{}
	byFunc := &collector{}

	_, err := b.SubscribeHandler(ctx, "orders.#", byHeader, WithFilterHeaders(map[string]string{"region": "eu"}))
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "orders.#", byPayload, WithPayloadMatch("status", "paid"))
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "orders.#", byFunc, WithFilter(func(msg *Message) bool {
		return msg.Source == "web"
	}))
	require.NoError(t, err)

	publish(t, b, "orders.created", `{"status":"paid"}`, WithHeader("region", "eu"))
	publish(t, b, "orders.created", `{"status":"open"}`, WithHeader("region", "us"), WithSource("web"))

	require.Eventually(t, func() bool {
		return byHeader.count() == 1 && byPayload.count() == 1 && byFunc.count() == 1
	}, waitFor, tick)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{`{"status":"paid"}`}, byHeader.payloads())
	assert.Equal(t, []string{`{"status":"paid"}`}, byPayload.payloads())
	assert.Equal(t, []string{`{"status":"open"}`}, byFunc.payloads())
}

func TestMemoryBroker_IndependentAttemptsPerSubscription(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	var failedOnce atomic.Bool
	flaky := &collector{result: func(*Message) ConsumeResult {
		if failedOnce.CompareAndSwap(false, true) {
			return Retry(errors.New("transient"))
		}
		return Ack()
	}}
	steady := &collector{}

	_, err := b.SubscribeHandler(ctx, "jobs.run", flaky, WithRetry(3, time.Millisecond))
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "jobs.run", steady)
	require.NoError(t, err)

	publish(t, b, "jobs.run", "x")

	require.Eventually(t, func() bool {
		return flaky.successes() == 1 && steady.successes() == 1
	}, waitFor, tick)

	flaky.mu.Lock()
	assert.Equal(t, []int{0, 1}, flaky.attempts)
	flaky.mu.Unlock()
	steady.mu.Lock()
	assert.Equal(t, []int{0}, steady.attempts)
	steady.mu.Unlock()
}

func TestMemoryBroker_Unsubscribe(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	c := &collector{}
	sub, err := b.SubscribeHandler(ctx, "orders.*", c)
	require.NoError(t, err)
	require.True(t, sub.IsActive())
	assert.Equal(t, 1, b.SubscriberCount("orders.*"))

	require.NoError(t, b.Unsubscribe(ctx, "orders.*"))
	assert.False(t, sub.IsActive())
	assert.Equal(t, 0, b.SubscriberCount("orders.*"))
	require.NoError(t, b.Unsubscribe(ctx, "orders.*"))

	publish(t, b, "orders.created", "x")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}

func TestMemoryBroker_UnsubscribeStopsRetries(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	first := make(chan struct{}, 1)
	var calls atomic.Int32
	h := HandlerHooks{HandleFunc: func(context.Context, *Message) ConsumeResult {
		calls.Add(1)
		select {
		case first <- struct{}{}:
		default:
		}
		return Retry(errors.New("fail"))
	}}

	_, err := b.SubscribeHandler(ctx, "jobs.run", h, WithRetry(3, 50*time.Millisecond))
	require.NoError(t, err)

	publish(t, b, "jobs.run", "x")
	<-first
	require.NoError(t, b.Unsubscribe(ctx, "jobs.run"))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(0), b.GetStats().MessagesFailed)
}

func TestMemoryBroker_SubscribeValidation(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	_, err := b.SubscribeHandler(ctx, "orders..created", &collector{})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	err = b.Subscribe(ctx, &Subscription{Pattern: "orders"})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	sub := NewSubscription("orders", &collector{})
	require.NoError(t, b.Subscribe(ctx, sub))
	require.NoError(t, b.Subscribe(ctx, sub))
	assert.Equal(t, 1, b.SubscriberCount("orders"))
}

func TestMemoryBroker_SubscriberCount(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	for _, pattern := range []string{"a.*", "a.*", "a.b"} {
		_, err := b.SubscribeHandler(ctx, pattern, &collector{})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, b.SubscriberCount("a.*"))
	assert.Equal(t, 1, b.SubscriberCount("a.b"))
	assert.Equal(t, 3, b.SubscriberCount(""))
	assert.Equal(t, 0, b.SubscriberCount("missing"))

	info, ok := b.TopicInfo("a.b")
	require.True(t, ok)
	assert.Equal(t, 1, info.SubscriberCount)

	_, ok = b.TopicInfo("a.*")
	assert.False(t, ok, "wildcard patterns are not topics")

	stats := b.GetStats()
	assert.Equal(t, 3, stats.Subscriptions)
	assert.Equal(t, 1, stats.Topics)
}

func TestMemoryBroker_HistoryEviction(t *testing.T) {
	b := newTestBroker(t, Config{Extra: map[string]any{ExtraHistoryLimit: 3}})

	for i := 0; i < 5; i++ {
		publish(t, b, "metrics.cpu", strconv.Itoa(i))
	}

	assert.Equal(t, []string{"2", "3", "4"}, payloadsOf(b.MessageHistory("metrics.cpu", 0)))
	assert.Equal(t, []string{"3", "4"}, payloadsOf(b.MessageHistory("metrics.cpu", 2)))
	assert.Empty(t, b.MessageHistory("metrics.mem", 0))

	info, ok := b.TopicInfo("metrics.cpu")
	require.True(t, ok)
	assert.Equal(t, int64(5), info.MessageCount)
}

func TestMemoryBroker_Replay(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		publish(t, b, "audit.log", strconv.Itoa(i))
	}

	c := &collector{}
	n, err := b.ReplayMessages(ctx, "audit.log", 5, c)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"5", "6", "7", "8", "9"}, c.payloads())

	n, err = b.ReplayMessages(ctx, "audit.log", -3, &collector{})
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = b.ReplayMessages(ctx, "audit.log", 10, c)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = b.ReplayMessages(ctx, "audit.missing", 0, c)
	assert.ErrorIs(t, err, ErrTopicNotFound)

	stats := b.GetStats()
	assert.Equal(t, int64(10), stats.MessagesPublished)
	assert.Equal(t, int64(0), stats.MessagesConsumed, "replay does not touch counters")
}

func TestMemoryBroker_ReplayIndexesRetainedMessages(t *testing.T) {
	b := newTestBroker(t, Config{Extra: map[string]any{ExtraHistoryLimit: 4}})
	ctx := context.Background()

	var last PublishResult
	for i := 0; i < 10; i++ {
		last = publish(t, b, "audit.log", strconv.Itoa(i))
	}
	assert.Equal(t, int64(9), last.Offset)

	c := &collector{}
	n, err := b.ReplayMessages(ctx, "audit.log", 0, c)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"6", "7", "8", "9"}, c.payloads())

	info, ok := b.TopicInfo("audit.log")
	require.True(t, ok)
	evicted := int(info.MessageCount) - 4

	tail := &collector{}
	n, err = b.ReplayMessages(ctx, "audit.log", int(last.Offset)-evicted, tail)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"9"}, tail.payloads())

	n, err = b.ReplayMessages(ctx, "audit.log", int(last.Offset), &collector{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryBroker_ReplayToSubscribers(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		publish(t, b, "audit.log", strconv.Itoa(i))
	}

	live := &collector{}
	_, err := b.SubscribeHandler(ctx, "audit.*", live)
	require.NoError(t, err)
	_, err = b.SubscribeHandler(ctx, "billing.*", &collector{})
	require.NoError(t, err)

	n, err := b.ReplayMessages(ctx, "audit.log", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"1", "2"}, live.payloads())
}

func TestMemoryBroker_Topics(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	require.NoError(t, b.CreateTopic(ctx, "b.topic"))
	require.NoError(t, b.CreateTopic(ctx, "b.topic"))
	require.NoError(t, b.CreateTopic(ctx, "a.topic"))
	assert.ErrorIs(t, b.CreateTopic(ctx, "a.*"), ErrInvalidTopic)

	assert.Equal(t, []string{"a.topic", "b.topic"}, b.ListTopics())

	publish(t, b, "a.topic", "x")
	require.NoError(t, b.DeleteTopic(ctx, "a.topic"))
	assert.Equal(t, []string{"b.topic"}, b.ListTopics())
	assert.Empty(t, b.MessageHistory("a.topic", 0))
	assert.ErrorIs(t, b.DeleteTopic(ctx, "a.topic"), ErrTopicNotFound)

	// 重建后 offset 接着删除前的计数
	res := publish(t, b, "a.topic", "y")
	assert.Equal(t, int64(1), res.Offset)
	res = publish(t, b, "a.topic", "z")
	assert.Equal(t, int64(2), res.Offset)
	assert.Equal(t, []string{"y", "z"}, payloadsOf(b.MessageHistory("a.topic", 0)))

	require.NoError(t, b.CreateTopic(ctx, "b.topic"))
	require.NoError(t, b.DeleteTopic(ctx, "b.topic"))
	require.NoError(t, b.CreateTopic(ctx, "b.topic"))
	assert.Equal(t, int64(0), publish(t, b, "b.topic", "first").Offset)
}

func TestMemoryBroker_DisconnectCancelsInflight(t *testing.T) {
	b := NewMemoryBroker(Config{}, nil)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	started := make(chan struct{})
	var onError atomic.Int32
	h := HandlerHooks{
		HandleFunc: func(ctx context.Context, msg *Message) ConsumeResult {
			close(started)
			<-ctx.Done()
			return Retry(ctx.Err())
		},
		OnErrorFunc: func(context.Context, *Message, error) { onError.Add(1) },
	}
	_, err := b.SubscribeHandler(ctx, "jobs.run", h, WithTimeout(0))
	require.NoError(t, err)

	publish(t, b, "jobs.run", "x")
	<-started

	start := time.Now()
	require.NoError(t, b.Disconnect(ctx))
	assert.Less(t, time.Since(start), time.Second)

	stats := b.GetStats()
	assert.Equal(t, int64(0), stats.ActiveDeliveries)
	assert.Equal(t, int64(0), stats.MessagesFailed)
	assert.Equal(t, int32(0), onError.Load())

	// 重新连接后照常投递，历史与订阅保留
	c := &collector{}
	_, err = b.SubscribeHandler(ctx, "jobs.#", c)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })

	publish(t, b, "jobs.done", "y")
	require.Eventually(t, func() bool { return c.count() == 1 }, waitFor, tick)
	assert.Len(t, b.MessageHistory("jobs.run", 0), 1)
}

func TestMemoryBroker_DisconnectTimeout(t *testing.T) {
	b := NewMemoryBroker(Config{Extra: map[string]any{ExtraShutdownTimeout: "30ms"}}, nil)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	release := make(chan struct{})
	started := make(chan struct{})
	stubborn := HandlerHooks{HandleFunc: func(context.Context, *Message) ConsumeResult {
		close(started)
		<-release
		return Ack()
	}}
	_, err := b.SubscribeHandler(ctx, "jobs.run", stubborn, WithTimeout(0))
	require.NoError(t, err)

	publish(t, b, "jobs.run", "x")
	<-started

	err = b.Disconnect(ctx)
	assert.Error(t, err)
	assert.False(t, b.IsConnected())

	close(release)
	require.Eventually(t, func() bool { return b.GetStats().ActiveDeliveries == 0 }, waitFor, tick)
}
