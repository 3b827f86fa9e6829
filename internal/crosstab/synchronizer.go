package crosstab

import (
	"context"
	"time"

	"github.com/sessionkit/sessionkit/pkg/logger"
	"github.com/sessionkit/sessionkit/pkg/metrics"
)

// Synchronizer publishes this peer's auth events and routes incoming ones to
// a handler, dropping its own echoes. Broadcast failures are logged, never
// propagated: correctness relies on periodic reconciliation, not delivery.
type Synchronizer struct {
	bus        Bus
	instanceID string
	unsub      func()
}

func NewSynchronizer(bus Bus, instanceID string) *Synchronizer {
	return &Synchronizer{bus: bus, instanceID: instanceID}
}

// Start subscribes to the bus. handler runs on the bus's delivery goroutine
// for every message originating from another peer.
func (s *Synchronizer) Start(ctx context.Context, handler func(Message)) error {
	unsub, err := s.bus.Subscribe(ctx, func(msg Message) {
		if msg.Origin == s.instanceID {
			return
		}
		metrics.PeerMessages.WithLabelValues("in", string(msg.Type)).Inc()
		handler(msg)
	})
	if err != nil {
		return err
	}
	s.unsub = unsub
	return nil
}

// Broadcast publishes msg to every peer. Best effort.
func (s *Synchronizer) Broadcast(ctx context.Context, msg Message) {
	msg.Origin = s.instanceID
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	metrics.PeerMessages.WithLabelValues("out", string(msg.Type)).Inc()
	if err := s.bus.Publish(ctx, msg); err != nil {
		logger.Warnf("crosstab: broadcast %s failed: %v", msg.Type, err)
	}
}

// Stop ends the subscription.
func (s *Synchronizer) Stop() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}
