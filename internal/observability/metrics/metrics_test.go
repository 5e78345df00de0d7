package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveHTTPRequest(t *testing.T) {
	reg := New()
	reg.ObserveHTTPRequest("/api/v1/releases", http.MethodPost, http.StatusAccepted, 30*time.Millisecond)
	reg.ObserveHTTPRequest("/api/v1/releases", http.MethodPost, http.StatusInternalServerError, 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.requests.WithLabelValues("/api/v1/releases", http.MethodPost, "202")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.errors.WithLabelValues("/api/v1/releases", http.MethodPost)))
	assert.Equal(t, 1, testutil.CollectAndCount(reg.latency))
}

func TestObserveReleaseCountsOnlyReleasedAmount(t *testing.T) {
	reg := New()
	reg.ObserveRelease("released", 40)
	reg.ObserveRelease("released", 2)
	reg.ObserveRelease("failed", 1000)
	reg.ObserveRelease("rejected", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.releases.WithLabelValues("released")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.releases.WithLabelValues("failed")))
	assert.Equal(t, 42.0, testutil.ToFloat64(reg.releasedAmount))
}

func TestHandlerExposesTextFormat(t *testing.T) {
	reg := New()
	reg.ObserveRelease("released", 5)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `scholarvault_releases_total{outcome="released"} 1`), text)
	assert.Contains(t, text, "scholarvault_released_amount_total 5")
	assert.Contains(t, text, "go_goroutines")
}

func TestNilRegistryIsSafe(t *testing.T) {
	var reg *Registry
	reg.ObserveRelease("released", 1)
	reg.ObserveHTTPRequest("/", http.MethodGet, http.StatusOK, time.Millisecond)
}
