package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/bartossh/Relayer/logger"
	"github.com/bartossh/Relayer/relay"
)

// Subscriber provides functionality to pull messages from the pub/sub queue.
type Subscriber struct {
	*socket
	origin string
}

// SubscriberConnect connects subscriber to the pub/sub queue using provided config.
// Messages published with the same origin are skipped.
func SubscriberConnect(cfg Config, origin string) (*Subscriber, error) {
	var s Subscriber
	var err error
	s.socket, err = connect(cfg)
	s.origin = origin
	return &s, err
}

// SubscribeUpdates calls call with every status update published by other relay instances.
func (s *Subscriber) SubscribeUpdates(call func(u relay.Update), log logger.Logger) error {
	_, err := s.conn.Subscribe(PubSubRelayStatus, func(m *nats.Msg) {
		if u, ok := s.accept(m.Data, log); ok {
			call(u)
		}
	})
	return err
}

func (s *Subscriber) accept(data []byte, log logger.Logger) (relay.Update, bool) {
	origin, u, err := decode(data)
	if err != nil {
		log.Error(fmt.Sprintf("nats subscriber failed to decode status update: %s", err))
		return relay.Update{}, false
	}
	return u, origin != s.origin
}
