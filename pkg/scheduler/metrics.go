/*
Copyright The Barman Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// Metrics holds the scheduler gauges and counters exposed in loop mode
type Metrics struct {
	Registry *prometheus.Registry

	Sweeps        prometheus.Counter
	ArchivedWALs  *prometheus.CounterVec
	LastBackupAge *prometheus.GaugeVec
}

// NewMetrics builds the metrics registry of one scheduler
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	metrics := &Metrics{
		Registry: registry,
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barman_cron_sweeps_total",
			Help: "Number of maintenance sweeps started",
		}),
		ArchivedWALs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barman_archived_wals_total",
			Help: "Number of WAL files promoted into the archive",
		}, []string{"server"}),
		LastBackupAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "barman_last_backup_age_seconds",
			Help: "Age of the newest DONE backup",
		}, []string{"server"}),
	}

	registry.MustRegister(metrics.Sweeps, metrics.ArchivedWALs, metrics.LastBackupAge)
	return metrics
}

// Serve exposes the registry over HTTP until the context is cancelled
func (metrics *Metrics) Serve(ctx context.Context, address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.FromContext(ctx).Error(err, "Metrics endpoint terminated")
	}
}
