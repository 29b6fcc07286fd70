package natsclient

import (
	"github.com/bartossh/Relayer/relay"
)

// Publisher provides functionality to push messages to the pub/sub queue
type Publisher struct {
	*socket
	origin string
}

// PublisherConnect connects publisher to the pub/sub queue using provided config.
// origin identifies this relay instance in every published message.
func PublisherConnect(cfg Config, origin string) (*Publisher, error) {
	var p Publisher
	var err error
	p.socket, err = connect(cfg)
	p.origin = origin
	return &p, err
}

// PublishUpdate publishes the relay status update to other relay instances.
func (p *Publisher) PublishUpdate(u relay.Update) error {
	msg, err := encode(p.origin, u)
	if err != nil {
		return err
	}
	return p.conn.Publish(PubSubRelayStatus, msg)
}
