package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/promptrelay/api-go/internal/broadcast"
	"github.com/example/promptrelay/api-go/internal/model"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []model.Event
	fail     bool
}

func (p *recordingPublisher) PublishJSON(subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.events = append(p.events, v.(model.Event))
	if p.fail {
		return errors.New("nats: connection closed")
	}
	return nil
}

func (p *recordingPublisher) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

func startForwarder(t *testing.T, pub Publisher) *broadcast.Broadcaster {
	t.Helper()

	b := broadcast.New(16, nil)
	f := NewForwarder(pub, "promptrelay.events", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx, b)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)
	return b
}

func TestForwarderPublishesBySubject(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	b := startForwarder(t, pub)

	b.Publish(model.LogEvent("job-1", model.LevelInfo, "Job started"))
	b.Publish(model.JobFailedEvent("job-1", "no prompts"))

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"promptrelay.events.log", "promptrelay.events.job_failed"}, pub.snapshot())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "job-1", pub.events[0].JobID)
	assert.Equal(t, "no prompts", pub.events[1].Error)
}

func TestForwarderKeepsGoingAfterPublishError(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{fail: true}
	b := startForwarder(t, pub)

	b.Publish(model.LogEvent("job-1", model.LevelInfo, "one"))
	b.Publish(model.LogEvent("job-1", model.LevelInfo, "two"))

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestForwarderDetachesOnCancel(t *testing.T) {
	t.Parallel()

	b := broadcast.New(4, nil)
	f := NewForwarder(&recordingPublisher{}, "x", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx, b)
	}()
	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, b.Count())
	assert.Equal(t, "x.job_update", f.Subject(model.EventJobUpdate))
}
