package scheduler

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LLMMonitorLoop polls the configured LLM backend's health/list endpoint to
// report presence only — it never creates sessions (those come exclusively
// from C6's proxy). This is the retained, narrowed form of the spec's LLM
// monitor loop: it answers "is the upstream reachable" in a way the proxy
// cannot, since the proxy only observes requests that actually arrive.
type LLMMonitorLoop struct {
	apiURL   string
	interval time.Duration
	client   *http.Client
	log      *zap.Logger

	backendUp prometheus.Gauge
}

// NewLLMMonitorLoop builds a monitor loop polling apiURL every interval.
func NewLLMMonitorLoop(apiURL string, interval time.Duration, registerer prometheus.Registerer, log *zap.Logger) *LLMMonitorLoop {
	backendUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "llm_backend_up",
		Help: "1 if the configured LLM backend responded to its health endpoint on the last check, else 0.",
	})
	registerer.MustRegister(backendUp)

	return &LLMMonitorLoop{
		apiURL:    apiURL,
		interval:  interval,
		client:    &http.Client{Timeout: 5 * time.Second},
		log:       log,
		backendUp: backendUp,
	}
}

func (m *LLMMonitorLoop) run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *LLMMonitorLoop) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiURL, nil)
	if err != nil {
		m.backendUp.Set(0)
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Debug("llm monitor: backend unreachable", zap.Error(err))
		m.backendUp.Set(0)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		m.backendUp.Set(1)
	} else {
		m.backendUp.Set(0)
	}
}
