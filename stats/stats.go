// Package stats periodically exports the go-metrics registry to a log, a graphite
// server or a prometheus scrape endpoint.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
)

// Config selects and configures an exporter.
type Config struct {

	// Type is "none", "log", "graphite" or "prometheus".
	Type string `yaml:"type"`

	// Interval is the time between exports.
	Interval time.Duration `yaml:"interval"`

	// graphite
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Prefix   string `yaml:"prefix"`

	// prometheus
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

var ErrConfig = errors.New("stats: invalid config")

// Validate checks that c names a known exporter and has what it needs.
func (c Config) Validate() error {
	switch c.Type {
	case "", "none":
		return nil

	case "log":

	case "graphite":
		if c.Host == "" {
			return fmt.Errorf("%w: graphite host is not set", ErrConfig)
		}

	case "prometheus":
		if c.Listen == "" {
			return fmt.Errorf("%w: prometheus listen address is not set", ErrConfig)
		}

		if c.Path == "" {
			return fmt.Errorf("%w: prometheus path is not set", ErrConfig)
		}

	default:
		return fmt.Errorf("%w: unknown type %q", ErrConfig, c.Type)
	}

	if c.Interval <= 0 {
		return fmt.Errorf("%w: bad interval %v", ErrConfig, c.Interval)
	}

	return nil
}

// Run exports r every interval until ctx is done.
func Run(ctx context.Context, c Config, r metrics.Registry) error {
	if err := c.Validate(); err != nil {
		return err
	}

	var export func() error

	switch c.Type {
	case "", "none":
		return nil

	case "log":
		export = func() error {
			logRegistry(r)
			return nil
		}

	case "graphite":
		proto := c.Protocol
		if proto == "" {
			proto = "tcp"
		}

		addr, err := net.ResolveTCPAddr(proto, c.Host)
		if err != nil {
			return fmt.Errorf("stats: resolve graphite host: %w", err)
		}

		gc := graphite.Config{
			Addr:          addr,
			Registry:      r,
			FlushInterval: c.Interval,
			DurationUnit:  time.Nanosecond,
			Prefix:        c.Prefix,
			Percentiles:   []float64{0.5, 0.75, 0.95, 0.99, 0.999},
		}

		slog.Info("starting graphite stats", "interval", c.Interval, "prefix", c.Prefix, "addr", addr)
		export = func() error { return graphite.Once(gc) }

	case "prometheus":
		h, p := newPrometheus(c, r)

		mux := http.NewServeMux()
		mux.Handle(c.Path, h)

		srv := &http.Server{Addr: c.Listen, Handler: mux}
		go func() {
			slog.Info("prometheus stats listening", "addr", c.Listen, "path", c.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("prometheus stats server failed", "err", err)
			}
		}()

		defer srv.Close()
		export = p.UpdatePrometheusMetricsOnce
	}

	metrics.RegisterRuntimeMemStats(r)

	t := time.NewTicker(c.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-t.C:
			metrics.CaptureRuntimeMemStatsOnce(r)
			if err := export(); err != nil {
				slog.Error("stats export failed", "type", c.Type, "err", err)
			}
		}
	}
}

func newPrometheus(c Config, r metrics.Registry) (http.Handler, *mp.PrometheusConfig) {
	pr := prometheus.NewRegistry()
	p := mp.NewPrometheusProvider(r, c.Namespace, c.Subsystem, pr, c.Interval)
	return promhttp.HandlerFor(pr, promhttp.HandlerOpts{}), p
}

// logRegistry logs the counters and gauges in r.
func logRegistry(r metrics.Registry) {
	r.Each(func(name string, i any) {
		switch m := i.(type) {
		case metrics.Counter:
			slog.Info("stats", "metric", name, "count", m.Count())

		case metrics.Gauge:
			slog.Info("stats", "metric", name, "value", m.Value())
		}
	})
}
