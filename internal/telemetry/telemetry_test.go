package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/frigg/pkg/api"
)

func TestObserveRun(t *testing.T) {
	c := NewCollector("")
	start := time.Now()
	c.ObserveRun(api.RunReport{
		Profile: "nightly", Provider: "vultr", Pipeline: "aegir-apt",
		Status: api.RunFailed, TeardownWarning: "destroy failed",
		StartedAt: start, FinishedAt: start.Add(time.Minute),
	})
	c.ObserveRun(api.RunReport{
		Profile: "nightly", Provider: "vultr", Pipeline: "aegir-apt",
		Status: api.RunSucceeded, StartedAt: start, FinishedAt: start.Add(time.Minute),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("vultr", "aegir-apt", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("vultr", "aegir-apt", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.teardownFailures.WithLabelValues("vultr")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lastRun))

	c.ObserveStep("firewall", "succeeded", 2*time.Second)
	c.ObserveProvision("vultr", time.Minute, true)
	n, err := testutil.GatherAndCount(c.Registry(), "frigg_step_duration_seconds", "frigg_provision_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NoError(t, c.Push(context.Background(), "nightly"))
}

func TestPush(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCollector(srv.URL)
	c.ObserveStep("apt-sources", "failed", time.Second)
	require.NoError(t, c.Push(context.Background(), "nightly"))
	assert.Equal(t, "/metrics/job/frigg/profile/nightly", path)
	assert.NotEmpty(t, body)
	assert.False(t, strings.Contains(path, "%"))
}

func TestPushAfterRun(t *testing.T) {
	var path string
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCollector(srv.URL)
	start := time.Now()
	c.ObserveRun(api.RunReport{
		Profile: "nightly", Provider: "vultr", Pipeline: "aegir-apt",
		Status: api.RunSucceeded, StartedAt: start, FinishedAt: start.Add(time.Minute),
	})
	require.NoError(t, c.Push(context.Background(), "nightly"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "/metrics/job/frigg/profile/nightly", path)
}
