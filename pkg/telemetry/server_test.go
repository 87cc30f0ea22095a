package telemetry_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-task-service/pkg/telemetry"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestOpsMux_Health(t *testing.T) {
	mux := telemetry.NewOpsMux(nil)
	assert.Equal(t, http.StatusOK, get(t, mux, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, mux, "/readyz").Code)
}

func TestOpsMux_NotReady(t *testing.T) {
	mux := telemetry.NewOpsMux(func(context.Context) error { return errors.New("postgres down") })

	rec := get(t, mux, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres down")
}

func TestOpsMux_Metrics(t *testing.T) {
	telemetry.WorkerRequeuedTotal.Inc()

	rec := get(t, telemetry.NewOpsMux(nil), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskservice_worker_requeued_total")
}
