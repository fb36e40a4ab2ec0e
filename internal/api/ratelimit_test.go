package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/vdilab/vdilab/internal/testing"
)

func TestIPRateLimiterDisabled(t *testing.T) {
	assert.Nil(t, NewIPRateLimiter(0, 5))
	assert.Nil(t, NewIPRateLimiter(1, 0))

	var l *IPRateLimiter
	assert.True(t, l.Allow("192.0.2.1:1234"))
}

func TestIPRateLimiterRefillsPerIP(t *testing.T) {
	now := testutil.FixedTime
	l := NewIPRateLimiter(1, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("192.0.2.1:1000"))
	assert.True(t, l.Allow("192.0.2.1:1001"))
	assert.False(t, l.Allow("192.0.2.1:1002"), "burst exhausted")
	assert.True(t, l.Allow("198.51.100.7:1000"), "other IPs have their own bucket")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("192.0.2.1:1003"))
	assert.False(t, l.Allow("192.0.2.1:1004"))
}

func TestIPRateLimiterRejectsUnusableAddress(t *testing.T) {
	l := NewIPRateLimiter(10, 10)
	assert.False(t, l.Allow("garbage"))
	assert.False(t, l.Allow("0.0.0.0:80"))
}

func TestIPRateLimiterDropsIdleEntries(t *testing.T) {
	now := testutil.FixedTime
	l := NewIPRateLimiter(1, 1)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("192.0.2.1:1000"))
	require.True(t, l.Allow("198.51.100.7:1000"))
	now = now.Add(defaultRateLimitTTL + time.Minute)
	require.True(t, l.Allow("203.0.113.9:1000"))
	assert.Len(t, l.entries, 1)
}

func TestConsumeRateLimited(t *testing.T) {
	entries := &stubEntries{token: "unused"}
	h := newAPIHarness(t, func(s *Server) {
		s.WithEntries(entries).WithConsumeRateLimit(NewIPRateLimiter(0.001, 2))
	})

	req := V1ConsumeEntryRequest{Token: "guess", InstanceID: "i-00000001"}
	requireError(t, h.do(t, http.MethodPost, "/v1/provisioning/consume", req), http.StatusNotFound, errorCodeProvisioningEntryGone)
	requireError(t, h.do(t, http.MethodPost, "/v1/provisioning/consume", req), http.StatusNotFound, errorCodeProvisioningEntryGone)

	rec := h.do(t, http.MethodPost, "/v1/provisioning/consume", req)
	requireError(t, rec, http.StatusTooManyRequests, errorCodeRateLimited)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Other endpoints are not throttled.
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/sessions", nil).Code)
}
