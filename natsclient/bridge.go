package natsclient

import (
	"context"
	"fmt"

	"github.com/bartossh/Relayer/logger"
	"github.com/bartossh/Relayer/relay"
)

// Feed is a stream of locally published relay updates.
type Feed interface {
	Channel() <-chan relay.Update
	Cancel()
}

// Sink delivers updates received from other instances to local subscribers only.
type Sink interface {
	Deliver(u relay.Update)
}

// UpdatePublisher publishes relay updates to other instances.
type UpdatePublisher interface {
	PublishUpdate(u relay.Update) error
}

// Forward publishes every update read from the feed until the context is done or the feed is closed.
func Forward(ctx context.Context, feed Feed, pub UpdatePublisher, log logger.Logger) {
	defer feed.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-feed.Channel():
			if !ok {
				return
			}
			if err := pub.PublishUpdate(u); err != nil {
				log.Error(fmt.Sprintf("nats publisher failed to publish [ %s ] of [ %s ]: %s", u.Phase, u.TxID, err))
			}
		}
	}
}

// Bridge shares status updates between relay instances over nats.
type Bridge struct {
	pub *Publisher
	sub *Subscriber
	log logger.Logger
}

// NewBridge connects the publisher and the subscriber of the relay instance with the origin.
func NewBridge(cfg Config, origin string, log logger.Logger) (*Bridge, error) {
	pub, err := PublisherConnect(cfg, origin)
	if err != nil {
		return nil, err
	}
	sub, err := SubscriberConnect(cfg, origin)
	if err != nil {
		_ = pub.Disconnect()
		return nil, err
	}
	return &Bridge{pub: pub, sub: sub, log: log}, nil
}

// Run forwards the feed to nats and delivers updates of other instances to the sink until the context is done.
func (b *Bridge) Run(ctx context.Context, feed Feed, sink Sink) error {
	if err := b.sub.SubscribeUpdates(sink.Deliver, b.log); err != nil {
		feed.Cancel()
		return err
	}
	Forward(ctx, feed, b.pub, b.log)
	return nil
}

// Close disconnects from nats.
func (b *Bridge) Close() error {
	errPub := b.pub.Disconnect()
	errSub := b.sub.Disconnect()
	if errPub != nil {
		return errPub
	}
	return errSub
}
