package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/changeflow/pkg/entity"
)

func TestCollector_CountsOutcomes(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.CommandCompleted("Item", entity.OperationUpdate, true)
	c.CommandCompleted("Item", entity.OperationUpdate, true)
	c.CommandCompleted("Item", entity.OperationCreate, false)
	c.AuditRecordsEmitted("Item", 3)
	c.AuditRecordsEmitted("Item", 0)
	c.OnRetry(1, errors.New("deadlock detected"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.CommandsTotal.WithLabelValues("Item", "UPDATE", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CommandsTotal.WithLabelValues("Item", "CREATE", "false")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.AuditRecordsTotal.WithLabelValues("Item")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.OutputRetriesTotal))
}

func TestCollector_Durations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RunCompleted("Item", 20*time.Millisecond)
	c.ObserveHTTP(http.MethodPost, "/api/changes", http.StatusOK, time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(c.RunDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequestsTotal.WithLabelValues("POST", "/api/changes", "200")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.CommandCompleted("Catalog", entity.OperationDelete, true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body,
		`changeflow_commands_total{entity_type="Catalog",operation="DELETE",success="true"} 1`), body)
}

func TestNewCollector_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}
