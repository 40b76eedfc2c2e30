package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartramana/hookmesh/pkg/observability"
)

func newTestTransport() *transport {
	return newTransport(5*time.Second, 0, 0, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestTransportPost(t *testing.T) {
	var gotBody string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := newTestTransport()
	code, body, err := tr.post(context.Background(), "wh-1", srv.URL, []byte(`{"a":1}`), map[string]string{
		"X-Webhook-ID": "wh-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)
	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Equal(t, "wh-1", gotHeaders.Get("X-Webhook-ID"))
}

func TestTransportTruncatesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", maxResponseBytes*2)))
	}))
	defer srv.Close()

	tr := newTestTransport()
	_, body, err := tr.post(context.Background(), "wh-1", srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Len(t, body, maxResponseBytes)
}

func TestTransportMalformedURL(t *testing.T) {
	tr := newTestTransport()

	_, _, err := tr.post(context.Background(), "wh-1", "not a url", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errMalformedURL)
	assert.True(t, isPermanentFailure(0, err))
}

func TestTransportCircuitBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Close() // every request now fails at the dial

	tr := newTestTransport()
	for i := 0; i < 10; i++ {
		_, _, err := tr.post(context.Background(), "wh-1", srv.URL, nil, nil)
		require.Error(t, err)
	}

	// The breaker is open; the request fails without dialing
	_, _, err := tr.post(context.Background(), "wh-1", srv.URL, nil, nil)
	require.Error(t, err)
	assert.False(t, isPermanentFailure(0, err), "breaker failures are transient")

	// Other webhooks have independent breakers
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	code, _, err := tr.post(context.Background(), "wh-2", ok.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
}

func TestIsPermanentFailureClassification(t *testing.T) {
	cases := []struct {
		name      string
		code      int
		err       error
		permanent bool
	}{
		{"server error retries", 500, nil, false},
		{"bad gateway retries", 502, nil, false},
		{"too many requests retries", 429, nil, false},
		{"request timeout retries", 408, nil, false},
		{"bad request is permanent", 400, nil, true},
		{"not found is permanent", 404, nil, true},
		{"gone is permanent", 410, nil, true},
		{"unauthorized is permanent", 401, nil, true},
		{"network error retries", 0, errors.New("connection refused"), false},
		{"malformed url is permanent", 0, errMalformedURL, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.permanent, isPermanentFailure(tc.code, tc.err))
		})
	}
}
