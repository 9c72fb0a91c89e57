package metricsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query_range", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("query"))
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestPrometheusQueryAveragesSeries(t *testing.T) {
	srv := promServer(t, http.StatusOK, `{
		"status": "success",
		"data": {
			"resultType": "matrix",
			"result": [
				{
					"metric": {"service": "api", "instance": "api-1"},
					"values": [[1700000000, "0.02"], [1700000060, "0.04"]]
				},
				{
					"metric": {"service": "api", "instance": "api-2"},
					"values": [[1700000000, "0.10"]]
				}
			]
		}
	}`)
	defer srv.Close()

	src := NewPrometheusSource(&PrometheusConfig{BaseURL: srv.URL})
	samples, err := src.Query(context.Background(), "error_rate", 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.InDelta(t, 0.03, samples[0].Value, 1e-9)
	assert.Equal(t, "api-1", samples[0].Labels["instance"])
	assert.InDelta(t, 0.10, samples[1].Value, 1e-9)
}

func TestPrometheusEmptyResultIsUnavailable(t *testing.T) {
	srv := promServer(t, http.StatusOK, `{"status": "success", "data": {"resultType": "matrix", "result": []}}`)
	defer srv.Close()

	src := NewPrometheusSource(&PrometheusConfig{BaseURL: srv.URL})
	_, err := src.Query(context.Background(), "error_rate", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPrometheusFailuresWrapUnavailable(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusInternalServerError, "boom"},
		{"bad json", http.StatusOK, "{not json"},
		{"api error status", http.StatusOK, `{"status": "error", "data": {}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := promServer(t, tc.status, tc.body)
			defer srv.Close()
			src := NewPrometheusSource(&PrometheusConfig{BaseURL: srv.URL})
			_, err := src.Query(context.Background(), "error_rate", time.Minute)
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestPrometheusUnreachableWrapsUnavailable(t *testing.T) {
	src := NewPrometheusSource(&PrometheusConfig{BaseURL: "http://127.0.0.1:1", QueryTimeout: 200 * time.Millisecond})
	_, err := src.Query(context.Background(), "error_rate", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
}
