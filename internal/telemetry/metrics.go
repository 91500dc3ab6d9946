package telemetry

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rowflow/internal/logging"
)

var (
	RowsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rowflow",
		Name:      "rows_read_total",
		Help:      "Rows received by a transform from its input channels.",
	}, []string{"graph", "transform"})

	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rowflow",
		Name:      "rows_written_total",
		Help:      "Rows emitted by a transform to its output channels.",
	}, []string{"graph", "transform"})

	TransformErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rowflow",
		Name:      "transform_errors_total",
		Help:      "Processing failures per transform.",
	}, []string{"graph", "transform"})

	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rowflow",
		Name:      "runs_completed_total",
		Help:      "Graph and workflow runs by terminal status.",
	}, []string{"kind", "status"})

	LogSinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rowflow",
		Name:      "log_sink_errors_total",
		Help:      "Log lines the sink failed to write.",
	})

	Snapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rowflow",
		Name:      "log_snapshots_total",
		Help:      "Log table snapshots by outcome.",
	}, []string{"table", "outcome"})
)

func Expose(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics listener stopped", "port", port, "err", err)
		}
	}()
}
