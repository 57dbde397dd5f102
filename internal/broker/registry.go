package broker

import (
	"sort"
	"time"
)

// TopicInfo topic 元信息
type TopicInfo struct {
	Name            string    `json:"name"`
	CreatedAt       time.Time `json:"created_at"`
	MessageCount    int64     `json:"message_count"`
	SubscriberCount int       `json:"subscriber_count"`
}

// topicRegistry 记录已知 topic 及计数；由 broker 的锁保护
type topicRegistry struct {
	topics map[string]*TopicInfo
	// retired 已删除 topic 的消息数，同名 topic 重建后 offset 从这里继续
	retired map[string]int64
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{
		topics:  make(map[string]*TopicInfo),
		retired: make(map[string]int64),
	}
}

// ensure 不存在时创建，subscribers 为创建时已有的精确订阅数
func (r *topicRegistry) ensure(name string, subscribers int) (*TopicInfo, bool) {
	if info, ok := r.topics[name]; ok {
		return info, false
	}
	info := &TopicInfo{
		Name:            name,
		CreatedAt:       time.Now(),
		MessageCount:    r.retired[name],
		SubscriberCount: subscribers,
	}
	r.topics[name] = info
	return info, true
}

// recordPublish 递增计数，返回本条消息的 offset（此前的消息数）
func (r *topicRegistry) recordPublish(name string, subscribers int) int64 {
	info, _ := r.ensure(name, subscribers)
	offset := info.MessageCount
	info.MessageCount++
	return offset
}

func (r *topicRegistry) addSubscribers(name string, delta int) {
	info, ok := r.topics[name]
	if !ok {
		return
	}
	info.SubscriberCount += delta
	if info.SubscriberCount < 0 {
		info.SubscriberCount = 0
	}
}

func (r *topicRegistry) get(name string) (TopicInfo, bool) {
	info, ok := r.topics[name]
	if !ok {
		return TopicInfo{}, false
	}
	return *info, true
}

func (r *topicRegistry) remove(name string) bool {
	info, ok := r.topics[name]
	if !ok {
		return false
	}
	r.retired[name] = info.MessageCount
	delete(r.topics, name)
	return true
}

func (r *topicRegistry) names() []string {
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *topicRegistry) len() int {
	return len(r.topics)
}
