package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sessionkit/sessionkit/internal/api"
	"github.com/sessionkit/sessionkit/internal/config"
	"github.com/sessionkit/sessionkit/internal/storage"
	"github.com/sessionkit/sessionkit/pkg/events"
)

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		BlockedCountries:  []string{"XX"},
		MaxTravelKmh:      900,
		SeverityThreshold: 3,
		LoginMaxAttempts:  5,
		LoginWindow:       15 * time.Minute,
	}
}

func newTestValidator(t *testing.T) (*Validator, *events.Bus) {
	t.Helper()
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	bus := events.NewBus()
	return NewValidator(testSecurityConfig(), store, bus, nil), bus
}

func TestGetCreatesAndPersistsContext(t *testing.T) {
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	bus := events.NewBus()
	v := NewValidator(testSecurityConfig(), store, bus, nil)

	c := v.Get()
	require.NotNil(t, c)
	require.False(t, c.LastVerified.IsZero())

	// a second validator over the same store loads the same context
	v2 := NewValidator(testSecurityConfig(), store, bus, nil)
	require.Equal(t, c.LastVerified.Unix(), v2.Get().LastVerified.Unix())
}

func TestUpdateFiresActionEvents(t *testing.T) {
	v, bus := newTestValidator(t)

	var mu sync.Mutex
	got := map[string]int{}
	for _, topic := range []string{TopicContextChanged, TopicDeviceVerificationRequired, TopicPasswordChangeRequired} {
		topic := topic
		bus.Subscribe(topic, func(any) {
			mu.Lock()
			got[topic]++
			mu.Unlock()
		})
	}

	c := *v.Get()
	c.RequiresAction = true
	c.Action = ActionVerifyDevice
	v.Update(&c)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, got[TopicContextChanged])
	require.Equal(t, 1, got[TopicDeviceVerificationRequired])
	require.Zero(t, got[TopicPasswordChangeRequired])
}

func TestApplyDirectivesMergesServerState(t *testing.T) {
	v, _ := newTestValidator(t)

	v.ApplyDirectives(&api.SecurityDirectives{
		RiskScore:      42,
		KnownDevice:    true,
		RequiresAction: true,
		Action:         ActionSetupMFA,
	}, "203.0.113.9", "agent/1.0")

	c := v.Get()
	require.Equal(t, 42, c.RiskScore)
	require.True(t, c.KnownDevice)
	require.True(t, c.RequiresAction)
	require.Equal(t, ActionSetupMFA, c.Action)
	require.Equal(t, "203.0.113.9", c.IPAddress)
	require.Equal(t, "agent/1.0", c.UserAgent)
}

func TestObserveOriginBlockedCountry(t *testing.T) {
	v, bus := newTestValidator(t)

	var findings []Finding
	var mu sync.Mutex
	bus.Subscribe(TopicFinding, func(p any) {
		f, ok := p.(Finding)
		require.True(t, ok)
		mu.Lock()
		findings = append(findings, f)
		mu.Unlock()
	})

	got := v.ObserveOrigin("203.0.113.9", &Location{Country: "xx"})
	require.Len(t, got, 1)
	require.Equal(t, FindingBlockedCountry, got[0].Kind)
	require.Equal(t, 3, got[0].Severity)

	mu.Lock()
	require.Len(t, findings, 1)
	mu.Unlock()
	require.Equal(t, 3, v.Get().RiskScore)
}

func TestObserveOriginImpossibleTravel(t *testing.T) {
	v, _ := newTestValidator(t)
	base := time.Unix(1_700_000_000, 0)
	now := base
	v.SetClock(func() time.Time { return now })

	// establish a verified origin in Berlin
	require.Empty(t, v.ObserveOrigin("203.0.113.9", &Location{Latitude: 52.52, Longitude: 13.40}))

	// ten minutes later the origin claims to be in Sydney
	now = now.Add(10 * time.Minute)
	got := v.ObserveOrigin("198.51.100.7", &Location{Latitude: -33.87, Longitude: 151.21})
	require.NotEmpty(t, got)
	require.Equal(t, FindingImpossibleTravel, got[0].Kind)
}

func TestObserveOriginPlausibleTravelPasses(t *testing.T) {
	v, _ := newTestValidator(t)
	base := time.Unix(1_700_000_000, 0)
	now := base
	v.SetClock(func() time.Time { return now })

	require.Empty(t, v.ObserveOrigin("203.0.113.9", &Location{Latitude: 52.52, Longitude: 13.40}))

	// Berlin to Munich in five hours is fine
	now = now.Add(5 * time.Hour)
	require.Empty(t, v.ObserveOrigin("203.0.113.10", &Location{Latitude: 48.14, Longitude: 11.58}))
}

func TestSuspiciousPrivateRange(t *testing.T) {
	require.True(t, suspiciousPrivateRange("169.254.10.1"))
	require.True(t, suspiciousPrivateRange("100.80.0.1"))
	require.False(t, suspiciousPrivateRange("192.168.1.10"))
	require.False(t, suspiciousPrivateRange("203.0.113.9"))
	require.False(t, suspiciousPrivateRange("not-an-ip"))
}

type recordingIncidentAPI struct {
	mu      sync.Mutex
	reports []api.IncidentReport
	done    chan struct{}
}

func (r *recordingIncidentAPI) ReportSecurityIncident(ctx context.Context, report api.IncidentReport) error {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
	close(r.done)
	return nil
}

func TestFindingsAboveThresholdReported(t *testing.T) {
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	backend := &recordingIncidentAPI{done: make(chan struct{})}
	v := NewValidator(testSecurityConfig(), store, events.NewBus(), backend)

	v.ObserveOrigin("203.0.113.9", &Location{Country: "XX"})

	select {
	case <-backend.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an incident report")
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.reports, 1)
	require.Equal(t, "client_heuristics", backend.reports[0].Kind)
	require.GreaterOrEqual(t, backend.reports[0].Severity, 3)
}

func TestClearDropsPersistedContext(t *testing.T) {
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	v := NewValidator(testSecurityConfig(), store, events.NewBus(), nil)
	v.Get()
	v.Clear()
	_, err = store.Get(storage.KeySecurityContext)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
