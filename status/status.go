package status

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bartossh/Relayer/logger"
	"github.com/bartossh/Relayer/providers"
	"github.com/bartossh/Relayer/reactive"
	"github.com/bartossh/Relayer/relay"
)

const (
	defaultBufferSize = 16
	defaultHistoryTTL = 120
	tapBufferSize     = 1024
)

const (
	subscriptionsGauge   = "relay_status_subscriptions"
	droppedUpdatesMetric = "relay_status_dropped_updates"
)

// Config contains configuration of the status hub.
type Config struct {
	BufferSize int    `yaml:"buffer_size"` // Buffer of each subscription channel.
	HistoryTTL uint64 `yaml:"history_ttl"` // Seconds the transitions of a transaction are kept for late subscribers.
}

type seenKey struct {
	txID  string
	phase relay.Phase
}

// Subscription receives updates of the watched transaction ids and recipient addresses.
// Each (transaction id, phase) pair is delivered at most once.
type Subscription struct {
	hub        *Hub
	txIDs      []string
	recipients []string
	c          chan relay.Update
	mux        sync.Mutex
	seen       map[seenKey]struct{}
	closed     bool
}

// Channel returns channel of updates. The channel is closed on Close.
func (s *Subscription) Channel() <-chan relay.Update {
	return s.c
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}
	s.closed = true
	close(s.c)
	s.mux.Unlock()
	s.hub.unregister(s)
}

func (s *Subscription) deliver(u relay.Update) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return true
	}
	k := seenKey{txID: u.TxID, phase: u.Phase}
	if _, ok := s.seen[k]; ok {
		return true
	}
	select {
	case s.c <- u:
		s.seen[k] = struct{}{}
		return true
	default:
		return false
	}
}

type record struct {
	updates []relay.Update
	expires int64
}

// Hub is the status channel keyed by transaction id and by recipient address.
// Publishing never blocks on slow or absent subscribers.
type Hub struct {
	mux         sync.RWMutex
	byTx        map[string]map[*Subscription]struct{}
	byRecipient map[string]map[*Subscription]struct{}
	history     map[string]*record
	tap         *reactive.Observable[relay.Update]
	size        int
	ttl         time.Duration
	dropped     atomic.Uint64
	log         logger.Logger
	tele        providers.TelemetryProvider
}

// New creates the Hub and runs the history cleaner until the context is done.
// Telemetry is optional.
func New(ctx context.Context, cfg Config, log logger.Logger, tele providers.TelemetryProvider) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.HistoryTTL == 0 {
		cfg.HistoryTTL = defaultHistoryTTL
	}
	h := &Hub{
		byTx:        make(map[string]map[*Subscription]struct{}),
		byRecipient: make(map[string]map[*Subscription]struct{}),
		history:     make(map[string]*record),
		tap:         reactive.New[relay.Update](tapBufferSize),
		size:        cfg.BufferSize,
		ttl:         time.Duration(cfg.HistoryTTL) * time.Second,
		log:         log,
		tele:        tele,
	}
	if tele != nil {
		tele.CreateUpdateObservableGauge(subscriptionsGauge, "Number of open status subscriptions.")
		tele.CreateUpdateObservableCounter(droppedUpdatesMetric, "Number of status updates dropped for slow subscribers.")
	}
	h.tap.OnDrop(h.countDrop)

	go func(ctx context.Context, t time.Duration) {
		ticker := time.NewTicker(t)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.clean()
			}
		}
	}(ctx, h.ttl)

	return h
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Notify publishes the update, Hub is the pipeline notifier in async mode.
func (h *Hub) Notify(u relay.Update) {
	h.Publish(u)
}

// Publish delivers the update to local subscribers and to the taps.
func (h *Hub) Publish(u relay.Update) {
	h.Deliver(u)
	h.tap.Publish(u)
}

// Deliver delivers the update to local subscribers only.
// Updates received from other relay instances are delivered this way.
func (h *Hub) Deliver(u relay.Update) {
	u.SelfTransfer = u.SelfTransfer || u.IsSelfTransfer()

	h.mux.Lock()
	rec, ok := h.history[u.TxID]
	if !ok {
		rec = &record{}
		h.history[u.TxID] = rec
	}
	rec.updates = append(rec.updates, u)
	rec.expires = time.Now().Add(h.ttl).UnixNano()
	initiators := collect(h.byTx[u.TxID])
	var watchers []*Subscription
	if incoming(u) {
		watchers = collect(h.byRecipient[normalize(u.Recipient)])
	}
	h.mux.Unlock()

	for _, s := range initiators {
		if !s.deliver(u) {
			h.countDrop()
		}
	}
	if len(watchers) == 0 {
		return
	}
	in := u
	in.Incoming = true
	for _, s := range watchers {
		if !s.deliver(in) {
			h.countDrop()
		}
	}
}

func incoming(u relay.Update) bool {
	if u.Recipient == "" {
		return false
	}
	switch u.Phase {
	case relay.PhaseVerified, relay.PhaseConfirmed:
		return true
	case relay.PhaseFailed:
		return u.PastVerified
	default:
		return false
	}
}

func collect(set map[*Subscription]struct{}) []*Subscription {
	out := make([]*Subscription, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Subscribe creates a subscription watching the transaction ids and the recipient addresses.
// Transitions already published for the watched transaction ids are replayed.
func (h *Hub) Subscribe(txIDs, recipients []string) *Subscription {
	s := &Subscription{
		hub:  h,
		c:    make(chan relay.Update, h.size),
		seen: make(map[seenKey]struct{}),
	}
	for _, id := range txIDs {
		if id = strings.TrimSpace(id); id != "" {
			s.txIDs = append(s.txIDs, id)
		}
	}
	for _, r := range recipients {
		if r = normalize(r); r != "" {
			s.recipients = append(s.recipients, r)
		}
	}

	h.mux.Lock()
	defer h.mux.Unlock()
	for _, id := range s.txIDs {
		add(h.byTx, id, s)
	}
	for _, r := range s.recipients {
		add(h.byRecipient, r, s)
	}
	for _, id := range s.txIDs {
		rec, ok := h.history[id]
		if !ok {
			continue
		}
		for _, u := range rec.updates {
			if !s.deliver(u) {
				h.countDrop()
			}
		}
	}
	if h.tele != nil {
		h.tele.IncrementGauge(subscriptionsGauge)
	}
	return s
}

// Tap returns a subscriber of every locally published update.
func (h *Hub) Tap() interface {
	Channel() <-chan relay.Update
	Cancel()
} {
	return h.tap.Subscribe()
}

// History returns the transitions of the transaction still kept by the hub.
func (h *Hub) History(txID string) []relay.Update {
	h.mux.RLock()
	defer h.mux.RUnlock()
	rec, ok := h.history[txID]
	if !ok {
		return nil
	}
	return append([]relay.Update(nil), rec.updates...)
}

// Subscriptions returns the number of open subscriptions.
func (h *Hub) Subscriptions() int {
	h.mux.RLock()
	defer h.mux.RUnlock()
	set := make(map[*Subscription]struct{})
	for _, subs := range h.byTx {
		for s := range subs {
			set[s] = struct{}{}
		}
	}
	for _, subs := range h.byRecipient {
		for s := range subs {
			set[s] = struct{}{}
		}
	}
	return len(set)
}

// Dropped returns the number of updates dropped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) countDrop() {
	n := h.dropped.Add(1)
	if h.tele != nil {
		h.tele.IncrementCounter(droppedUpdatesMetric)
	}
	if n%100 == 1 {
		h.log.Warn(fmt.Sprintf("status hub dropped [ %d ] updates for slow subscribers so far", n))
	}
}

func add(index map[string]map[*Subscription]struct{}, key string, s *Subscription) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		index[key] = set
	}
	set[s] = struct{}{}
}

func remove(index map[string]map[*Subscription]struct{}, key string, s *Subscription) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(index, key)
	}
}

func (h *Hub) unregister(s *Subscription) {
	h.mux.Lock()
	defer h.mux.Unlock()
	for _, id := range s.txIDs {
		remove(h.byTx, id, s)
	}
	for _, r := range s.recipients {
		remove(h.byRecipient, r, s)
	}
	if h.tele != nil {
		h.tele.DecrementGauge(subscriptionsGauge)
	}
}

func (h *Hub) clean() {
	h.mux.Lock()
	defer h.mux.Unlock()
	now := time.Now().UnixNano()
	for k, v := range h.history {
		if v.expires < now {
			delete(h.history, k)
		}
	}
}
