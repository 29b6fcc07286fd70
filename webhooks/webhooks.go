package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bartossh/Relayer/httpclient"
	"github.com/bartossh/Relayer/logger"
	"github.com/bartossh/Relayer/relay"
)

const postTimeout = time.Second * 5

var (
	ErrInvalidAddress = errors.New("invalid recipient address")
	ErrInvalidURL     = errors.New("invalid webhook url")
)

// IncomingTransferMessage is the message posted to the webhook url about a transfer to the watched address.
type IncomingTransferMessage struct {
	Token  string       `json:"token"`  // Token given by the webhook creator to validate the message source.
	Update relay.Update `json:"update"` // Update is the transition of the incoming transfer.
}

// Hook is the hook that is used to trigger the webhook.
type Hook struct {
	URL   string `json:"url"`   // URL is a url of the webhook.
	Token string `json:"token"` // Token is added to each message to verify that it comes from the valid source.
}

// Feed is a stream of relay updates.
type Feed interface {
	Channel() <-chan relay.Update
	Cancel()
}

// Poster posts the message to the url.
type Poster func(timeout time.Duration, url string, out, in any) error

type hooks map[string]Hook

// Service keeps webhooks per recipient address and posts incoming transfers to them.
type Service struct {
	mux    sync.RWMutex
	buffer map[string]hooks
	log    logger.Logger
	post   Poster
	wg     sync.WaitGroup
}

// New creates new instance of the webhook service posting with httpclient.
func New(l logger.Logger) *Service {
	return NewWithPoster(l, httpclient.MakePost)
}

// NewWithPoster creates new instance of the webhook service with a custom poster.
func NewWithPoster(l logger.Logger, p Poster) *Service {
	return &Service{
		buffer: make(map[string]hooks),
		log:    l,
		post:   p,
	}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// CreateWebhook creates new webhook or updates the existing one with the same url for the recipient address.
func (s *Service) CreateWebhook(address string, h Hook) error {
	if !relay.ValidAddress(address) {
		return errors.Join(ErrInvalidAddress, fmt.Errorf("received [ %s ]", address))
	}
	u, err := url.Parse(h.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Join(ErrInvalidURL, fmt.Errorf("received [ %s ]", h.URL))
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	key := normalize(address)
	hs, ok := s.buffer[key]
	if !ok {
		hs = make(hooks)
		s.buffer[key] = hs
	}
	hs[h.URL] = h
	return nil
}

// RemoveWebhook removes webhook with the Hook URL from the recipient address.
func (s *Service) RemoveWebhook(address string, h Hook) error {
	if !relay.ValidAddress(address) {
		return errors.Join(ErrInvalidAddress, fmt.Errorf("received [ %s ]", address))
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	key := normalize(address)
	hs, ok := s.buffer[key]
	if !ok {
		return nil
	}
	delete(hs, h.URL)
	if len(hs) == 0 {
		delete(s.buffer, key)
	}
	return nil
}

// Hooks returns the webhooks of the recipient address.
func (s *Service) Hooks(address string) []Hook {
	s.mux.RLock()
	defer s.mux.RUnlock()
	hs := s.buffer[normalize(address)]
	out := make([]Hook, 0, len(hs))
	for _, h := range hs {
		out = append(out, h)
	}
	return out
}

// Run posts incoming transfers read from the feed until the context is done or the feed is closed.
func (s *Service) Run(ctx context.Context, feed Feed) {
	defer feed.Cancel()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case u, ok := <-feed.Channel():
			if !ok {
				s.wg.Wait()
				return
			}
			s.PostIncoming(u)
		}
	}
}

// PostIncoming posts the update to all webhooks of its recipient when the update is an incoming transfer.
func (s *Service) PostIncoming(u relay.Update) {
	switch {
	case u.Recipient == "":
		return
	case u.Phase == relay.PhaseVerified, u.Phase == relay.PhaseConfirmed:
	case u.Phase == relay.PhaseFailed && u.PastVerified:
	default:
		return
	}
	hs := s.Hooks(u.Recipient)
	if len(hs) == 0 {
		return
	}
	u.Incoming = true
	for _, h := range hs {
		s.wg.Add(1)
		go func(h Hook) {
			defer s.wg.Done()
			msg := IncomingTransferMessage{Token: h.Token, Update: u}
			if err := s.post(postTimeout, h.URL, msg, nil); err != nil {
				s.log.Error(fmt.Sprintf("webhook service error posting [ %s ] of [ %s ] to webhook url: %s, %s",
					u.Phase, u.TxID, h.URL, err.Error()))
			}
		}(h)
	}
}

// Wait blocks until all started posts finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
