// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package exporter

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	testclock "k8s.io/utils/clock/testing"
)

func TestServerHandler(t *testing.T) {
	s := NewServer(ServerConfig{})
	require.NoError(t, s.Register(New(gpu, sampleMetrics())))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `smu_power_socket_watt{gpu="0000:c1:00.0",index="0"} 300`)
	assert.Contains(t, rec.Body.String(), `smu_up{gpu="0000:c1:00.0"} 1`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerDuplicateCollector(t *testing.T) {
	s := NewServer(ServerConfig{})
	require.NoError(t, s.Register(New(gpu, sampleMetrics())))
	assert.Error(t, s.Register(New(gpu, sampleMetrics())))
}

func TestServerServeAndShutdown(t *testing.T) {
	s := NewServer(ServerConfig{Path: "/m"})
	require.NoError(t, s.Register(New(gpu, sampleMetrics())))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/m")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "smu_freq_gfx_mhz")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerPolls(t *testing.T) {
	clk := testclock.NewFakeClock(time.Unix(1700000000, 0))
	s := NewServer(ServerConfig{PollInterval: time.Second})
	s.clock = clk
	polls := atomic.NewInt32(0)
	s.AddPoller(func() error {
		polls.Inc()
		return nil
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	for i := int32(1); i <= 3; i++ {
		require.Eventually(t, clk.HasWaiters, 5*time.Second, time.Millisecond)
		clk.Step(time.Second)
		require.Eventually(t, func() bool { return polls.Load() == i }, 5*time.Second, time.Millisecond)
	}

	cancel()
	require.NoError(t, <-done)
}
