package guildhall

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fanoutNotifier stands in for LISTEN/NOTIFY between backends that
// share a database.
type fanoutNotifier struct {
	mu        sync.Mutex
	listeners map[string][]func()
	notified  []string
}

func newFanoutNotifier() *fanoutNotifier {
	return &fanoutNotifier{listeners: map[string][]func(){}}
}

func (f *fanoutNotifier) Notify(_ context.Context, queue string) error {
	f.mu.Lock()
	f.notified = append(f.notified, queue)
	wakes := append([]func(){}, f.listeners[queue]...)
	f.mu.Unlock()
	for _, wake := range wakes {
		wake()
	}
	return nil
}

func (f *fanoutNotifier) Listen(ctx context.Context, queue string, wake func()) error {
	f.mu.Lock()
	f.listeners[queue] = append(f.listeners[queue], wake)
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *fanoutNotifier) listenerCount(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[queue])
}

func TestNewQueueNotifier(t *testing.T) {
	db := testDB(t)
	assert.IsType(t, localQueueNotifier{}, newQueueNotifier(dbTypeSQLite, "", db, slog.Default()))
	assert.IsType(t, localQueueNotifier{}, newQueueNotifier(dbTypeMySQL, "", db, slog.Default()))
	assert.IsType(
		t,
		&postgresQueueNotifier{},
		newQueueNotifier(dbTypePostgres, "postgres://localhost/guildhall", db, slog.Default()),
	)
}

func TestLocalQueueNotifier(t *testing.T) {
	n := localQueueNotifier{}
	require.NoError(t, n.Notify(context.Background(), "q"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Listen(ctx, "q", func() { t.Error("unexpected wake") })
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listen didn't return")
	}
}

func TestQueue_NotifierWakesOtherBackend(t *testing.T) {
	db := testDB(t)
	notifier := newFanoutNotifier()
	cfg := &QueueConfig{
		PollInterval: time.Hour,
		Concurrency:  1,
		MaxDepth:     DefaultQueueMaxDepth,
	}

	consumer := NewQueueBackend(db, cfg, notifier, slog.Default()).NewQueue("q")
	producer := NewQueueBackend(db, cfg, notifier, slog.Default()).NewQueue("q")

	processed := make(chan string, 1)
	processInBackground(
		t, func(ctx context.Context) error {
			return consumer.Process(
				ctx, func(_ context.Context, job *Job) (any, error) {
					processed <- job.ID
					return "ok", nil
				},
			)
		},
	)
	require.Eventually(
		t,
		func() bool { return notifier.listenerCount("q") == 1 },
		time.Second,
		5*time.Millisecond,
	)

	ctx := context.Background()
	_, err := producer.Add(ctx, "remote-1", "payload", JobOptions{})
	require.NoError(t, err)

	select {
	case id := <-processed:
		assert.Equal(t, "remote-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job wasn't picked up by the other backend")
	}

	require.Eventually(
		t, func() bool {
			job, err := consumer.GetJob(ctx, "remote-1")
			return err == nil && job.State == JobStateSucceeded
		}, 2*time.Second, 10*time.Millisecond,
	)
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, []string{"q"}, notifier.notified)
}
