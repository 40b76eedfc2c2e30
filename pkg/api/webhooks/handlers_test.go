package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartramana/hookmesh/pkg/observability"
	"github.com/smartramana/hookmesh/pkg/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubSink records emitted events and fakes the fan-out result
type stubSink struct {
	eventType  string
	data       map[string]interface{}
	deliveries []*webhook.Delivery
}

func (s *stubSink) Emit(_ context.Context, eventType string, data map[string]interface{}) []*webhook.Delivery {
	s.eventType = eventType
	s.data = data
	return s.deliveries
}

func newTestAPI(t *testing.T, sink EventSink) (*gin.Engine, *webhook.Repository) {
	t.Helper()
	repo, err := webhook.NewRepository(t.TempDir(), observability.NewNoopLogger())
	require.NoError(t, err)

	r := gin.New()
	NewAPI(repo, sink, observability.NewNoopLogger()).RegisterRoutes(r.Group("/api/v1"))
	return r, repo
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createViaAPI(t *testing.T, r *gin.Engine) map[string]interface{} {
	t.Helper()
	rec := doJSON(r, http.MethodPost, "/api/v1/webhooks", gin.H{
		"url":    "https://example.com/hook",
		"events": []string{"item.created"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decode(t, rec)
}

func TestCreateWebhookReturnsSecretOnce(t *testing.T) {
	r, _ := newTestAPI(t, nil)

	created := createViaAPI(t, r)
	assert.NotEmpty(t, created["id"])
	assert.Len(t, created["secret"], 64)
	assert.Equal(t, true, created["active"])

	// The secret never appears again
	rec := doJSON(r, http.MethodGet, "/api/v1/webhooks/"+created["id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fetched := decode(t, rec)
	_, present := fetched["secret"]
	assert.False(t, present)
}

func TestCreateWebhookValidation(t *testing.T) {
	r, _ := newTestAPI(t, nil)

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing url", gin.H{"events": []string{"e"}}},
		{"missing events", gin.H{"url": "https://example.com"}},
		{"malformed url", gin.H{"url": "not a url", "events": []string{"e"}}},
		{"empty events", gin.H{"url": "https://example.com", "events": []string{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(r, http.MethodPost, "/api/v1/webhooks", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetWebhookNotFound(t *testing.T) {
	r, _ := newTestAPI(t, nil)

	rec := doJSON(r, http.MethodGet, "/api/v1/webhooks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWebhooksEnvelope(t *testing.T) {
	r, _ := newTestAPI(t, nil)

	for i := 0; i < 3; i++ {
		createViaAPI(t, r)
	}

	rec := doJSON(r, http.MethodGet, "/api/v1/webhooks?page=1&page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode(t, rec)
	assert.Equal(t, float64(3), resp["total"])
	assert.Equal(t, float64(1), resp["page"])
	assert.Equal(t, float64(2), resp["page_size"])
	assert.Equal(t, float64(2), resp["pages"])
	assert.Len(t, resp["items"], 2)
}

func TestListWebhooksClampsPagination(t *testing.T) {
	r, _ := newTestAPI(t, nil)
	createViaAPI(t, r)

	rec := doJSON(r, http.MethodGet, "/api/v1/webhooks?page=-1&page_size=9999", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, float64(1), resp["page"])
	assert.Equal(t, float64(20), resp["page_size"])
}

func TestUpdateWebhook(t *testing.T) {
	r, _ := newTestAPI(t, nil)
	created := createViaAPI(t, r)
	id := created["id"].(string)

	rec := doJSON(r, http.MethodPut, "/api/v1/webhooks/"+id, gin.H{
		"description": "renamed",
		"active":      false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode(t, rec)
	assert.Equal(t, "renamed", updated["description"])
	assert.Equal(t, false, updated["active"])
	assert.Equal(t, created["url"], updated["url"], "unset fields are unchanged")

	rec = doJSON(r, http.MethodPut, "/api/v1/webhooks/missing", gin.H{"description": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteWebhook(t *testing.T) {
	r, _ := newTestAPI(t, nil)
	id := createViaAPI(t, r)["id"].(string)

	rec := doJSON(r, http.MethodDelete, "/api/v1/webhooks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "webhook deleted", decode(t, rec)["message"])

	rec = doJSON(r, http.MethodDelete, "/api/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDeliveries(t *testing.T) {
	r, repo := newTestAPI(t, nil)
	ctx := context.Background()

	w, _, err := repo.CreateWebhook(ctx, webhook.CreateWebhookInput{
		URL:    "https://example.com/hook",
		Events: []string{"e"},
	})
	require.NoError(t, err)

	d1, err := repo.CreateDelivery(ctx, w.ID, "e", nil)
	require.NoError(t, err)
	_, err = repo.CreateDelivery(ctx, w.ID, "e", nil)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateDeliveryStatus(ctx, d1.ID, webhook.StatusSuccess))

	rec := doJSON(r, http.MethodGet, "/api/v1/webhooks/"+w.ID+"/deliveries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["total"])

	rec = doJSON(r, http.MethodGet, "/api/v1/webhooks/"+w.ID+"/deliveries?status=success", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	rec = doJSON(r, http.MethodGet, "/api/v1/webhooks/missing/deliveries", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerEvent(t *testing.T) {
	sink := &stubSink{deliveries: []*webhook.Delivery{
		{ID: "d-1"}, {ID: "d-2"},
	}}
	r, _ := newTestAPI(t, sink)

	rec := doJSON(r, http.MethodPost, "/api/v1/events", gin.H{
		"type": "item.created",
		"data": gin.H{"id": "42"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode(t, rec)
	assert.Equal(t, "item.created", resp["event_type"])
	assert.Equal(t, []interface{}{"d-1", "d-2"}, resp["delivery_ids"])

	assert.Equal(t, "item.created", sink.eventType)
	assert.Equal(t, "42", sink.data["id"])
}

func TestTriggerEventRequiresType(t *testing.T) {
	r, _ := newTestAPI(t, &stubSink{})

	rec := doJSON(r, http.MethodPost, "/api/v1/events", gin.H{"data": gin.H{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerEventWithoutSink(t *testing.T) {
	r, _ := newTestAPI(t, nil)

	rec := doJSON(r, http.MethodPost, "/api/v1/events", gin.H{"type": "e"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
