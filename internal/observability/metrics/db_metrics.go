package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const gaugeQueryTimeout = 2 * time.Second

// backlogGauges are sampled from the database on every scrape.
var backlogGauges = []struct {
	name  string
	help  string
	query string
}{
	{"outbox_pending", "Outbox records awaiting delivery", "SELECT COUNT(*) FROM alert_event_outbox WHERE status = 'pending'"},
	{"outbox_dlq_count", "Events parked in the dead letter table", "SELECT COUNT(*) FROM alert_event_dead_letters"},
	{"alerts_unresolved", "Alerts that are open or acknowledged", "SELECT COUNT(*) FROM alerts WHERE status <> 'resolved'"},
	{"shifts_on_duty", "Staff currently on shift", "SELECT COUNT(*) FROM shift_states WHERE on_duty"},
}

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, g := range backlogGauges {
		query := g.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: metricPrefix + g.name, Help: g.help},
			func() float64 { return sampleCount(db, logger, query) },
		))
	}
}

func sampleCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), gaugeQueryTimeout)
	defer cancel()
	var n int64
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		logger.Warn("metrics gauge query failed", zap.String("query", query), zap.Error(err))
		return 0
	}
	return float64(max(n, 0))
}
