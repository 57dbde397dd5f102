package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultNATSSubjectPrefix = "bus"

// NATSBroker subject = prefix + "." + topic，订阅 prefix.> 后在本地匹配
type NATSBroker struct {
	*core

	url    string
	name   string
	prefix string

	client *nats.Conn
	sub    *nats.Subscription
	inbox  *inbox

	lifecycleMu sync.Mutex
}

func NewNATSBroker(cfg Config, logger *zap.Logger) *NATSBroker {
	cfg.Type = TypeNATS
	url := cfg.NATS.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := strings.TrimSuffix(cfg.NATS.SubjectPrefix, separator)
	if prefix == "" {
		prefix = defaultNATSSubjectPrefix
	}
	name := cfg.NATS.Name
	if name == "" {
		name = "medlink-bus"
	}

	n := &NATSBroker{url: url, name: name, prefix: prefix}
	n.core = newCore(cfg, logger, n.Publish)
	n.inbox = newInbox("nats", cfg, n.logger, n.acceptRemote)
	return n
}

func (n *NATSBroker) Connect(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if n.IsConnected() {
		return nil
	}

	n.logger.Info("connecting to nats", zap.String("url", n.url))

	client, err := nats.Connect(n.url,
		nats.Name(n.name),
		nats.Compression(true),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Error("nats connection lost", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return wrapError(ErrCodeConnection, "nats connect", err)
	}

	n.client = client
	n.markConnected()
	n.inbox.start()

	sub, err := client.Subscribe(n.prefix+".>", n.handleMessage)
	if err != nil {
		n.inbox.stop()
		_, _ = n.markDisconnected(ctx)
		client.Close()
		return wrapError(ErrCodeConnection, "nats subscribe", err)
	}
	n.sub = sub

	if err := client.FlushWithContext(ctx); err != nil {
		n.logger.Warn("nats flush after subscribe failed", zap.Error(err))
	}

	n.logger.Info("nats broker connected",
		zap.String("url", n.url),
		zap.String("subject", n.prefix+".>"),
	)
	return nil
}

func (n *NATSBroker) Disconnect(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	changed, err := n.markDisconnected(ctx)
	if !changed {
		return nil
	}

	n.logger.Info("closing nats broker")

	if n.sub != nil {
		if uerr := n.sub.Unsubscribe(); uerr != nil {
			n.logger.Error("failed to unsubscribe", zap.Error(uerr))
		}
	}
	n.inbox.stop()
	n.client.Close()

	stats := n.GetStats()
	n.logger.Info("nats broker closed",
		zap.Int64("consumed", stats.MessagesConsumed),
		zap.Int64("failed", stats.MessagesFailed),
		zap.Int64("published", stats.MessagesPublished),
	)
	return err
}

func (n *NATSBroker) Publish(ctx context.Context, msg *Message) PublishResult {
	return n.publishRemote("nats publish", msg, func(data []byte) error {
		out := nats.NewMsg(n.subject(msg.Topic()))
		out.Data = data
		out.Header.Set(nats.MsgIdHdr, msg.ID)
		return n.client.PublishMsg(out)
	})
}

func (n *NATSBroker) GetStats() *BrokerStats {
	stats := n.core.GetStats()
	stats.ActiveWorkers = n.inbox.activeWorkers.Load()
	return stats
}

func (n *NATSBroker) HealthCheck(ctx context.Context) error {
	if !n.IsConnected() {
		return ErrNotConnected
	}
	return n.client.FlushWithContext(ctx)
}

func (n *NATSBroker) subject(topic string) string {
	return n.prefix + separator + topic
}

func (n *NATSBroker) handleMessage(msg *nats.Msg) {
	m, err := DecodeMessage(msg.Data)
	if err != nil {
		n.logger.Error("failed to unmarshal message",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return
	}
	n.inbox.push(m)
}
