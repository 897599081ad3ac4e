package management

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbus/internal/config"
	"eventbus/internal/eventbus"
	"eventbus/internal/logger"
	"eventbus/internal/store"
	"eventbus/pkg/models"
)

func newTestRouter(t *testing.T) (*gin.Engine, *eventbus.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus, err := eventbus.New(config.EventBusConfig{DefaultHandlerTimeout: time.Second}, eventbus.Deps{
		Gateway: store.NewMemoryGateway(),
		Logger:  logger.NopLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, bus.Initialize(context.Background()))
	t.Cleanup(func() { bus.Shutdown(context.Background()) })

	router := gin.New()
	NewHandler(bus, logger.NopLogger()).RegisterRoutes(router)
	return router, bus
}

func do(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_EventTypes(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/v1/event-types", RegisterEventTypeRequest{
		Name:          "order.created",
		Category:      "orders",
		PayloadSchema: json.RawMessage(`{"type":"object","required":["orderId"]}`),
		IsPersistent:  true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var et models.EventType
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &et))
	assert.Equal(t, "order.created", et.Name)
	assert.True(t, et.IsPersistent)

	w = do(router, http.MethodGet, "/api/v1/event-types/order.created", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/api/v1/event-types/missing.type", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, http.MethodPost, "/api/v1/event-types", RegisterEventTypeRequest{
		Name:          "bad.schema",
		PayloadSchema: json.RawMessage(`{"type":"nope"}`),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodDelete, "/api/v1/event-types/order.created", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodGet, "/api/v1/event-types/order.created", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_PublishEvent(t *testing.T) {
	router, bus := newTestRouter(t)

	var got []models.Event
	_, err := bus.Subscribe(context.Background(), "svc", "order.*",
		func(ctx context.Context, e models.Event, _ eventbus.HandlerContext) error {
			got = append(got, e)
			return nil
		}, eventbus.SubscribeOptions{})
	require.NoError(t, err)

	w := do(router, http.MethodPost, "/api/v1/events", PublishRequest{
		EventName: "order.created",
		Payload:   map[string]interface{}{"orderId": "o-1"},
		SourceID:  "checkout",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp PublishResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.EventID)
	require.Len(t, got, 1)
	assert.Equal(t, resp.EventID, got[0].EventID)
	assert.Equal(t, models.SourceTypeService, got[0].SourceType)

	w = do(router, http.MethodPost, "/api/v1/events", map[string]interface{}{"payload": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/events", PublishRequest{EventName: "order.*"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_PluginPermissions(t *testing.T) {
	router, _ := newTestRouter(t)

	max := 5
	w := do(router, http.MethodPut, "/api/v1/plugins/p1/permissions", models.PermissionsUpdate{
		CanEmit:            []string{"plugin.*"},
		MaxEventsPerMinute: &max,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(router, http.MethodGet, "/api/v1/plugins/p1/permissions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p models.PluginPermissions
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, []string{"plugin.*"}, p.CanEmit)
	assert.Equal(t, 5, p.MaxEventsPerMinute)

	w = do(router, http.MethodGet, "/api/v1/plugins", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/api/v1/plugins/unknown/permissions", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ReplaysAndDeadLetters(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/v1/replays", ReplayRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/v1/replays/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, http.MethodGet, "/api/v1/dead-letters?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/v1/dead-letters", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/v1/dead-letters/e1/s1/redrive", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_MetricsAndStats(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/v1/metrics/events?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/v1/metrics/events?event_name=order.created", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats eventbus.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.False(t, stats.Degraded)
}
