package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// blockingInbox 单 worker、队列长度 1，worker 在 accept 中阻塞直到 release 关闭
func blockingInbox(t *testing.T, strategy string) (*inbox, chan struct{}, chan *Message) {
	t.Helper()

	release := make(chan struct{})
	accepted := make(chan *Message, 10)
	cfg := Config{Extra: map[string]any{
		ExtraWorkerCount:  1,
		ExtraQueueSize:    1,
		ExtraBackpressure: strategy,
	}}

	in := newInbox("test", cfg, zap.NewNop(), func(msg *Message) {
		accepted <- msg
		<-release
	})
	in.start()
	return in, release, accepted
}

func mustMessage(t *testing.T, topic string) *Message {
	t.Helper()

	msg, err := NewMessage(topic, nil)
	require.NoError(t, err)
	return msg
}

func TestInbox_PushBeforeStart(t *testing.T) {
	in := newInbox("test", Config{}, zap.NewNop(), func(*Message) {})
	assert.False(t, in.push(mustMessage(t, "a")))
}

func TestInbox_Drop(t *testing.T) {
	in, release, accepted := blockingInbox(t, "drop")

	require.True(t, in.push(mustMessage(t, "a.1")))
	<-accepted
	require.True(t, in.push(mustMessage(t, "a.2")))

	start := time.Now()
	assert.False(t, in.push(mustMessage(t, "a.3")))
	assert.Less(t, time.Since(start), dropAfter)
	assert.Equal(t, int64(1), in.dropped.Load())
	assert.Equal(t, int32(1), in.activeWorkers.Load())

	close(release)
	in.stop()
	assert.Equal(t, int32(0), in.activeWorkers.Load())
}

func TestInbox_Timeout(t *testing.T) {
	in, release, accepted := blockingInbox(t, "timeout")

	require.True(t, in.push(mustMessage(t, "a.1")))
	<-accepted
	require.True(t, in.push(mustMessage(t, "a.2")))

	start := time.Now()
	assert.False(t, in.push(mustMessage(t, "a.3")))
	assert.GreaterOrEqual(t, time.Since(start), dropAfter)

	close(release)
	in.stop()
}

func TestInbox_Block(t *testing.T) {
	in, release, accepted := blockingInbox(t, "block")

	require.True(t, in.push(mustMessage(t, "a.1")))
	<-accepted
	require.True(t, in.push(mustMessage(t, "a.2")))

	third := mustMessage(t, "a.3")
	pushed := make(chan bool, 1)
	go func() { pushed <- in.push(third) }()

	select {
	case <-pushed:
		t.Fatal("push should block while the queue is full")
	case <-time.After(2 * dropAfter):
	}

	close(release)
	assert.True(t, <-pushed)

	require.Eventually(t, func() bool { return len(accepted) == 2 }, time.Second, 5*time.Millisecond)
	in.stop()
	assert.Equal(t, int64(0), in.dropped.Load())
}

func TestInbox_StopUnblocksPush(t *testing.T) {
	in, release, accepted := blockingInbox(t, "block")

	require.True(t, in.push(mustMessage(t, "a.1")))
	<-accepted
	require.True(t, in.push(mustMessage(t, "a.2")))

	third := mustMessage(t, "a.3")
	pushed := make(chan bool, 1)
	go func() { pushed <- in.push(third) }()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		in.stop()
		close(stopped)
	}()

	assert.False(t, <-pushed)
	close(release)
	<-stopped
}
