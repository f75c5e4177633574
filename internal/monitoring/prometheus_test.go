package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniquant/internal/database"
)

func TestMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(m.MetricsMiddleware())
	router.GET("/runs/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs/abc", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/runs/:id", "404")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.apiErrorsTotal.WithLabelValues("/runs/:id", "client_error")))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "http_requests_total"))
}

func TestSweepMetrics(t *testing.T) {
	m := NewMetrics()

	m.SweepStarted()
	m.RecordCell("rsrs", "success")
	m.RecordCell("rsrs", "success")
	m.RecordCell("rsrs", "failed")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSweeps))

	m.SweepFinished("rsrs", "completed", 2*time.Second)
	m.SetRobustnessScore("rsrs", 71.6)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeSweeps))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sweepCellsTotal.WithLabelValues("rsrs", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepsTotal.WithLabelValues("completed")))
	assert.Equal(t, 71.6, testutil.ToFloat64(m.robustnessScore.WithLabelValues("rsrs")))
}

func TestBarSyncAndPoolMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordBarSync(3, 1, 240)
	m.ObservePool(&database.PoolStats{OpenConnections: 4, InUse: 1, Idle: 3})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.barSyncTotal.WithLabelValues("synced")))
	assert.Equal(t, 240.0, testutil.ToFloat64(m.barsSynced))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.dbConnections.WithLabelValues("idle")))
}
