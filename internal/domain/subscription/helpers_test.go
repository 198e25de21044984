package subscription

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsub/internal/platform/metrics"
	"github.com/ehr/fhirsub/internal/platform/notification"
	"github.com/ehr/fhirsub/internal/platform/websocket"
)

type testEnv struct {
	repo       *MemoryRepository
	metrics    *metrics.Metrics
	hub        *websocket.Hub
	email      *notification.Recorder
	sms        *notification.Recorder
	tracker    *Tracker
	dispatcher *Dispatcher
	matcher    *Matcher
	engine     *Engine
	svc        *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	env := &testEnv{
		repo:    NewMemoryRepository(),
		metrics: metrics.New(prometheus.NewRegistry()),
		hub:     websocket.NewHub(logger),
		email:   &notification.Recorder{},
		sms:     &notification.Recorder{},
	}
	templates := notification.NewTemplateEngine()
	restHook := NewRestHookChannel(&http.Client{Timeout: 5 * time.Second})

	env.tracker = NewTracker(env.repo, logger, env.metrics)
	env.dispatcher = NewDispatcher(env.tracker, logger, env.metrics,
		restHook,
		NewWebSocketChannel(env.hub),
		NewEmailChannel(env.email, templates),
		NewSMSChannel(env.sms, templates),
		NewMessageChannel(nil, logger),
	)
	env.matcher = NewMatcher(env.repo, logger)
	env.engine = NewEngine(env.matcher, env.dispatcher, logger, env.metrics)
	env.svc = NewService(env.repo, restHook, logger, env.metrics)
	env.svc.SetEndpointPolicy(true, false)
	return env
}

// seed stores a subscription directly, bypassing service validation.
func (env *testEnv) seed(t *testing.T, sub *Subscription) *Subscription {
	t.Helper()
	if sub.Status == "" {
		sub.Status = StatusActive
	}
	if sub.Channel.Type == "" {
		sub.Channel.Type = ChannelRestHook
	}
	if err := env.repo.Create(context.Background(), sub); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}

func (env *testEnv) reload(t *testing.T, sub *Subscription) *Subscription {
	t.Helper()
	got, err := env.repo.GetByID(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("reload subscription: %v", err)
	}
	return got
}

// hookServer records notification requests and answers with status.
type hookServer struct {
	*httptest.Server
	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
	status  int
}

func newHookServer(t *testing.T, status int) *hookServer {
	t.Helper()
	hs := &hookServer{status: status}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		hs.mu.Lock()
		hs.headers = append(hs.headers, r.Header.Clone())
		hs.bodies = append(hs.bodies, buf)
		status := hs.status
		hs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookServer) count() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.bodies)
}

func (hs *hookServer) setStatus(status int) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.status = status
}

func restHook(endpoint string) Channel {
	return Channel{Type: ChannelRestHook, Endpoint: endpoint, Payload: DefaultPayload}
}

func observationEvent() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Observation",
		"id":           "obs-1",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "85354-9"}},
		},
		"meta": map[string]interface{}{"profile": []interface{}{"P"}},
	}
}

func newWSClient(env *testEnv, sub *Subscription) *websocket.Client {
	c := websocket.NewClient(websocket.TopicForSubscription(sub.FHIRID))
	env.hub.Register(c)
	return c
}
