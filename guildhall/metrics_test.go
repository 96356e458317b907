package guildhall

import (
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.taskAdded("commands", 3)
	m.apiRequest(http.MethodGet, "/api/controllers", http.StatusOK)
	m.cooldownDelayed()
	m.gatewayEvent(eventReady)

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `guildhall_tasks_added_total{controller="commands"} 1`)
	assert.Contains(t, text, `guildhall_task_map_size{controller="commands"} 3`)
	assert.Contains(
		t,
		text,
		`guildhall_api_requests_total{method="GET",route="/api/controllers",status="200"} 1`,
	)
	assert.Contains(t, text, `guildhall_cooldown_delays_total 1`)
	assert.Contains(t, text, `guildhall_gateway_events_total{event="ready"} 1`)
	assert.Contains(t, text, "go_goroutines")
}

func TestMetrics_JobDuration(t *testing.T) {
	m := NewMetrics()
	started := int64(1000)
	finished := int64(3500)
	m.taskSucceeded(
		"events", &Job{State: JobStateSucceeded, StartedAt: &started, FinishedAt: &finished},
	)
	m.taskFailed("events", &Job{State: JobStateFailed})

	assert.Equal(t, 1, testutil.CollectAndCount(m.jobDuration))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tasksSucceeded.WithLabelValues("events")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tasksFailed.WithLabelValues("events")))
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(
		t, func() {
			m.taskAdded("x", 1)
			m.taskSucceeded("x", nil)
			m.taskFailed("x", nil)
			m.taskRetried("x")
			m.taskLost("x")
			m.setTaskMapSize("x", 0)
			m.apiRequest("GET", "/", 200)
			m.cooldownDelayed()
			m.gatewayEvent("x")
		},
	)
}
