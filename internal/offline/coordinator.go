package offline

import (
	"context"
	"sync"
	"time"

	"github.com/sessionkit/sessionkit/internal/config"
	"github.com/sessionkit/sessionkit/internal/session"
	"github.com/sessionkit/sessionkit/pkg/logger"
	"github.com/sessionkit/sessionkit/pkg/metrics"
)

// Event topics published on the shared bus.
const (
	TopicWentOffline    = "offline.disconnected" // payload time.Time
	TopicBackOnline     = "offline.reconnected"  // payload time.Time
	TopicExpiredOffline = "offline.session_expired" // payload string notice
)

// ExpiredOfflineNotice is the user-visible reason attached when a session
// cannot be revived after reconnecting.
const ExpiredOfflineNotice = "session expired while offline"

// HealthAPI probes backend reachability.
type HealthAPI interface {
	Health(ctx context.Context) error
}

// TokenControl is the token manager surface used during reconnect.
type TokenControl interface {
	AccessToken() string
	IsExpired(token string) bool
	Refresh(ctx context.Context) (bool, error)
	Clear() error
}

// SessionControl is the state machine surface the coordinator drives.
type SessionControl interface {
	StateNow() session.State
	MarkOffline()
	Resume()
	End(ctx context.Context, reason session.Reason)
}

// Publisher is the event-bus surface the coordinator publishes on.
type Publisher interface {
	Publish(topic string, payload any)
}

// Action is a deferred operation queued while offline and replayed in FIFO
// order after reconnect.
type Action struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator detects connectivity loss, keeps the session usable on cached
// authorization for a bounded grace period, and reconciles on reconnect.
type Coordinator struct {
	cfg     config.OfflineConfig
	backend HealthAPI
	tokens  TokenControl
	sess    SessionControl
	bus     Publisher
	now     func() time.Time

	mu            sync.Mutex
	online        bool
	wentOfflineAt time.Time
	queue         []Action
	failed        []Action
	stop          chan struct{}
}

func NewCoordinator(cfg config.OfflineConfig, backend HealthAPI, tokens TokenControl, sess SessionControl, bus Publisher) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		backend: backend,
		tokens:  tokens,
		sess:    sess,
		bus:     bus,
		now:     time.Now,
		online:  true,
	}
}

// Start launches the connectivity probe loop. Stop must be called on
// teardown; the loop also halts when the session terminates.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	stop := make(chan struct{})
	c.stop = stop
	go func() {
		ticker := time.NewTicker(c.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.probe()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the probe loop.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// Online reports the last observed connectivity state.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Enqueue defers an action until connectivity returns. When online the
// action runs immediately. The queue is bounded; overflow drops the oldest
// entry so recent intent survives.
func (c *Coordinator) Enqueue(a Action) {
	c.mu.Lock()
	if c.online {
		c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.Run(ctx); err != nil {
			logger.Warnf("offline: immediate action %s failed: %v", a.Name, err)
		}
		return
	}
	if len(c.queue) >= c.cfg.MaxQueued {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		logger.Warnf("offline: queue full, dropping oldest action %s", dropped.Name)
	}
	c.queue = append(c.queue, a)
	c.mu.Unlock()
}

// FailedActions returns actions that could not be replayed after reconnect.
// They are retained for inspection, never silently discarded.
func (c *Coordinator) FailedActions() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Action, len(c.failed))
	copy(out, c.failed)
	return out
}

func (c *Coordinator) probe() {
	if c.sess.StateNow() == session.StateTerminated {
		c.Stop()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reachable := c.backend.Health(ctx) == nil

	c.mu.Lock()
	wasOnline := c.online
	c.online = reachable
	var offlineFor time.Duration
	if !reachable && !wasOnline {
		offlineFor = c.now().Sub(c.wentOfflineAt)
	}
	if !reachable && wasOnline {
		c.wentOfflineAt = c.now()
	}
	c.mu.Unlock()

	switch {
	case wasOnline && !reachable:
		c.wentOffline()
	case !wasOnline && reachable:
		c.cameBack(ctx)
	case !wasOnline && offlineFor > c.cfg.GracePeriod:
		// cached authorization is only honored for the grace period
		logger.Warnf("offline: grace period exceeded after %s", offlineFor.Round(time.Second))
		c.sess.End(ctx, session.ReasonOfflineExpired)
		c.bus.Publish(TopicExpiredOffline, ExpiredOfflineNotice)
		c.Stop()
	}
}

func (c *Coordinator) wentOffline() {
	logger.Warn("offline: backend unreachable, entering degraded mode")
	c.sess.MarkOffline()
	c.bus.Publish(TopicWentOffline, c.now())
}

// cameBack revalidates credentials: expired tokens get exactly one refresh
// attempt; failure forces logout with a user-visible notice. Success resumes
// the session and replays the queue in original order.
func (c *Coordinator) cameBack(ctx context.Context) {
	logger.Info("offline: backend reachable again, reconciling")

	access := c.tokens.AccessToken()
	if access == "" || c.tokens.IsExpired(access) {
		if ok, err := c.tokens.Refresh(ctx); !ok {
			logger.Errorf("offline: post-reconnect refresh failed: %v", err)
			c.sess.End(ctx, session.ReasonOfflineExpired)
			_ = c.tokens.Clear()
			c.bus.Publish(TopicExpiredOffline, ExpiredOfflineNotice)
			c.Stop()
			return
		}
	}

	c.sess.Resume()
	c.bus.Publish(TopicBackOnline, c.now())
	c.flush(ctx)
}

// flush replays queued actions FIFO. Entries that fail are logged and kept,
// not discarded.
func (c *Coordinator) flush(ctx context.Context) {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, a := range queued {
		if err := a.Run(ctx); err != nil {
			logger.Errorf("offline: replay of %s failed: %v", a.Name, err)
			metrics.OfflineReplays.WithLabelValues("failed").Inc()
			c.mu.Lock()
			c.failed = append(c.failed, a)
			c.mu.Unlock()
			continue
		}
		metrics.OfflineReplays.WithLabelValues("ok").Inc()
	}
}

// SetClock overrides the time source. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }
