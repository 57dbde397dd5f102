package broker

// DefaultHistoryLimit 每个 topic 默认保留的消息数
const DefaultHistoryLimit = 1000

// history 单个 topic 的环形缓冲，满后覆盖最旧的消息；由 broker 的锁保护
type history struct {
	messages []*Message
	head     int // 最旧消息下标
	count    int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistoryLimit
	}
	return &history{messages: make([]*Message, capacity)}
}

// add 追加消息，返回是否淘汰了最旧的一条
func (h *history) add(msg *Message) bool {
	capacity := len(h.messages)
	tail := (h.head + h.count) % capacity
	h.messages[tail] = msg

	if h.count == capacity {
		h.head = (h.head + 1) % capacity
		return true
	}
	h.count++
	return false
}

func (h *history) len() int {
	return h.count
}

// at 第 i 条保留的消息（0 为最旧）
func (h *history) at(i int) *Message {
	return h.messages[(h.head+i)%len(h.messages)]
}

// since 从第 from 条开始到末尾
func (h *history) since(from int) []*Message {
	if from < 0 {
		from = 0
	}
	if from >= h.count {
		return nil
	}
	out := make([]*Message, 0, h.count-from)
	for i := from; i < h.count; i++ {
		out = append(out, h.at(i))
	}
	return out
}

// last 最近 n 条，n <= 0 返回全部
func (h *history) last(n int) []*Message {
	if n <= 0 || n > h.count {
		n = h.count
	}
	return h.since(h.count - n)
}

// historyStore topic -> history
type historyStore struct {
	limit  int
	topics map[string]*history
}

func newHistoryStore(limit int) *historyStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &historyStore{
		limit:  limit,
		topics: make(map[string]*history),
	}
}

// append 不存在时创建
func (s *historyStore) append(msg *Message) {
	h, ok := s.topics[msg.Topic()]
	if !ok {
		h = newHistory(s.limit)
		s.topics[msg.Topic()] = h
	}
	h.add(msg)
}

func (s *historyStore) since(topic string, from int) []*Message {
	h, ok := s.topics[topic]
	if !ok {
		return nil
	}
	return h.since(from)
}

func (s *historyStore) last(topic string, n int) []*Message {
	h, ok := s.topics[topic]
	if !ok {
		return nil
	}
	return h.last(n)
}

func (s *historyStore) drop(topic string) {
	delete(s.topics, topic)
}
