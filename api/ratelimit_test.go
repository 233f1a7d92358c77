package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientLimiter_BurstThenRefill(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewClientLimiter(60, 2)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.2"), "clients are limited independently")

	now = now.Add(time.Minute)
	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"))
}

func TestClientLimiter_ForgetsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewClientLimiter(0, 0)
	l.now = func() time.Time { return now }
	require.Equal(t, DefaultBurst, l.burst)

	l.Allow("a")
	now = now.Add(3 * time.Hour)
	l.Allow("b")
	require.Len(t, l.clients, 1)
}

func TestClientLimiter_Middleware(t *testing.T) {
	f := newFixture(t, NewClientLimiter(100, 1))
	require.Equal(t, http.StatusOK, f.get(t, "/api", nil))

	var resp ErrorResponse
	require.Equal(t, http.StatusTooManyRequests, f.get(t, "/api", &resp))
	require.Equal(t, "rate limit exceeded", resp.Error)
}
