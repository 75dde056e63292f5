package fetcher_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/refreshd/refreshd/internal/config"
	"github.com/refreshd/refreshd/internal/fetcher"
	"github.com/refreshd/refreshd/internal/refresherr"
	"github.com/refreshd/refreshd/internal/scheduler"
	"github.com/refreshd/refreshd/internal/sources"
)

type staticResolver map[string]sources.Definition

func (r staticResolver) Lookup(sourceID string) (sources.Definition, bool) {
	d, ok := r[sourceID]
	return d, ok
}

func testFetchConfig() config.Fetch {
	return config.Fetch{Timeout: 5 * time.Second, UserAgent: "refreshd-test"}
}

func TestRefreshSuccess(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "refreshd-test", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := fetcher.New(testFetchConfig(), staticResolver{
		"src": {ID: "src", URL: srv.URL},
	})

	err := f.Refresh(context.Background(), "src", scheduler.ReasonScheduled)
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())
}

func TestRefreshServerErrorIsApplicationFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := fetcher.New(testFetchConfig(), staticResolver{
		"src": {ID: "src", URL: srv.URL},
	})

	err := f.Refresh(context.Background(), "src", scheduler.ReasonScheduled)
	require.Error(t, err)

	var statusErr *fetcher.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.True(t, statusErr.Temporary())
	require.Equal(t, refresherr.KindApplication, refresherr.Classify(err))
}

func TestRefreshClientErrorNotTemporary(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := fetcher.New(testFetchConfig(), staticResolver{
		"src": {ID: "src", URL: srv.URL},
	})

	err := f.Refresh(context.Background(), "src", scheduler.ReasonManual)
	var statusErr *fetcher.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.False(t, statusErr.Temporary())
}

func TestRefreshConnectionErrorIsNetworkKind(t *testing.T) {
	t.Parallel()

	// A server that is already closed guarantees a connection error.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := fetcher.New(testFetchConfig(), staticResolver{
		"src": {ID: "src", URL: url},
	})

	err := f.Refresh(context.Background(), "src", scheduler.ReasonScheduled)
	require.Error(t, err)
	require.Equal(t, refresherr.KindNetwork, refresherr.Classify(err))
}

func TestRefreshUnknownSource(t *testing.T) {
	t.Parallel()

	f := fetcher.New(testFetchConfig(), staticResolver{})
	err := f.Refresh(context.Background(), "ghost", scheduler.ReasonScheduled)
	require.Error(t, err)
}

func TestRefreshSourceWithoutURLIsNoop(t *testing.T) {
	t.Parallel()

	f := fetcher.New(testFetchConfig(), staticResolver{
		"local": {ID: "local"},
	})
	require.NoError(t, f.Refresh(context.Background(), "local", scheduler.ReasonScheduled))
}

type stateSink struct {
	states chan scheduler.NetworkState
}

func (s *stateSink) SetNetworkState(ns scheduler.NetworkState) {
	s.states <- ns
}

func TestProbeReportsOnline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := &stateSink{states: make(chan scheduler.NetworkState, 10)}
	probe := fetcher.NewProbe(config.Probe{
		URL: srv.URL, Interval: time.Hour, Timeout: 5 * time.Second,
	}, sink)

	probe.Start(context.Background())
	defer probe.Stop()

	select {
	case ns := <-sink.states:
		require.True(t, ns.IsOnline)
		require.NotEmpty(t, ns.Quality)
	case <-time.After(5 * time.Second):
		t.Fatal("no network state pushed")
	}
}

func TestProbeReportsOfflineOnConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	sink := &stateSink{states: make(chan scheduler.NetworkState, 10)}
	probe := fetcher.NewProbe(config.Probe{
		URL: url, Interval: time.Hour, Timeout: time.Second,
	}, sink)

	probe.Start(context.Background())
	defer probe.Stop()

	select {
	case ns := <-sink.states:
		require.False(t, ns.IsOnline)
		require.Equal(t, scheduler.QualityPoor, ns.Quality)
	case <-time.After(5 * time.Second):
		t.Fatal("no network state pushed")
	}
}
