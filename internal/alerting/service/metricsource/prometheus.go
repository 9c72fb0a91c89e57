package metricsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// PrometheusConfig holds configuration for the Prometheus client.
type PrometheusConfig struct {
	BaseURL      string
	QueryTimeout time.Duration
}

// PrometheusSource queries a Prometheus-compatible backend. A rule's
// evaluation window is applied by averaging the range result per series,
// so expressions stay plain instant-vector selectors.
type PrometheusSource struct {
	config     *PrometheusConfig
	httpClient *http.Client
}

func NewPrometheusSource(config *PrometheusConfig) *PrometheusSource {
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 30 * time.Second
	}
	return &PrometheusSource{
		config: config,
		httpClient: &http.Client{
			Timeout: config.QueryTimeout,
		},
	}
}

type rangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Values [][]any           `json:"values"` // [timestamp, value] pairs
		} `json:"result"`
	} `json:"data"`
}

// Query executes query_range over [now-window, now] and reduces each
// returned series to the mean of its points.
func (s *PrometheusSource) Query(ctx context.Context, expr string, window time.Duration) ([]Sample, error) {
	if window <= 0 {
		window = time.Minute
	}
	end := time.Now()
	start := end.Add(-window)
	step := window / 4
	if step < 15*time.Second {
		step = 15 * time.Second
	}

	params := url.Values{}
	params.Set("query", expr)
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("step", strconv.FormatInt(int64(step.Seconds()), 10))

	reqURL := fmt.Sprintf("%s/api/v1/query_range?%s", s.config.BaseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("expr", expr).Msg("prometheus query transport failure")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	var result rangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if result.Status != "success" {
		return nil, fmt.Errorf("%w: status %s", ErrUnavailable, result.Status)
	}

	samples := make([]Sample, 0, len(result.Data.Result))
	for _, series := range result.Data.Result {
		var sum float64
		var n int
		for _, pair := range series.Values {
			if len(pair) != 2 {
				continue
			}
			raw, ok := pair[1].(string)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			sum += v
			n++
		}
		if n == 0 {
			continue
		}
		samples = append(samples, Sample{Labels: series.Metric, Value: sum / float64(n)})
	}
	if len(samples) == 0 {
		// a wholly empty result is indistinguishable from an outage;
		// report unknown rather than clearing every alert at once
		return nil, fmt.Errorf("%w: empty result", ErrUnavailable)
	}
	return samples, nil
}
