package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memNotifier struct {
	mu       sync.Mutex
	messages map[string][]string
	err      error
}

func newMemNotifier() *memNotifier {
	return &memNotifier{messages: make(map[string][]string)}
}

func (m *memNotifier) Publish(ctx context.Context, tenantID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages[tenantID] = append(m.messages[tenantID], message)
	return nil
}

func (m *memNotifier) count(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[tenantID])
}

func TestDispatcherDeliversEvents(t *testing.T) {
	events := make(chan Event, 4)
	notifier := newMemNotifier()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		NewDispatcher(events, notifier, log).Run(ctx)
		close(done)
	}()

	events <- Event{TenantID: "t1", JobID: "job-1", Stage: 1, Status: "running", Message: "on it", Timestamp: time.Now()}
	events <- Event{TenantID: "t1", JobID: "job-1", Stage: 2, Status: "completed", Message: "done", Timestamp: time.Now()}
	close(events)
	<-done

	require.Equal(t, 2, notifier.count("t1"))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(notifier.messages["t1"][0]), &ev))
	assert.Equal(t, 1, ev.Stage)
	assert.Equal(t, "on it", ev.Message)
}

func TestDispatcherSurvivesPublishFailure(t *testing.T) {
	events := make(chan Event, 2)
	notifier := newMemNotifier()
	notifier.err = errors.New("gateway down")
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	done := make(chan struct{})
	go func() {
		NewDispatcher(events, notifier, log).Run(context.Background())
		close(done)
	}()

	events <- Event{TenantID: "t1", JobID: "job-1", Stage: 2, Status: "failed"}
	close(events)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not drain after publish failure")
	}
	assert.Equal(t, 0, notifier.count("t1"))
}

func TestTenantChannelName(t *testing.T) {
	assert.Equal(t, "notify:tenant:t1", tenantChannel("t1"))
}
