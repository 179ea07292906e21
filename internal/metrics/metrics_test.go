package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.AnnouncementSent()
	m.AnnouncementSent()
	m.AnnouncementReceived()
	m.DiscoveryError()
	m.PeerDispatched()
	m.ConnectionAccepted()
	m.ConnectionAccepted()
	m.ConnectionClosed()
	m.PingAnswered()
	m.ActiveConnections(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.announcementsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.announcementsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discoveryErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.peersDispatched))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsClosed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pingsAnswered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnections))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.PingAnswered()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "lanlink_pings_answered_total 1"))
	assert.True(t, strings.Contains(body, "lanlink_active_connections 0"))
}
