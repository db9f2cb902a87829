// Package metrics owns the Prometheus registry exposed by s3kv processes.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry is the Prometheus registry for all s3kv metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RegisterBuildInfo exposes s3kv_build_info{version,commit} with value 1.
// Repeated calls reuse the registered gauge.
func RegisterBuildInfo(version, commit string) {
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "s3kv_build_info",
		Help: "Build information (value is always 1)",
	}, []string{"version", "commit"})

	if err := Registry.Register(info); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return
		}
		info = are.ExistingCollector.(*prometheus.GaugeVec)
	}
	info.WithLabelValues(version, commit).Set(1)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Push replaces the job's metric group on a Pushgateway with the current
// contents of Registry. Short-lived commands use it instead of a scrape.
func Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(Registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
