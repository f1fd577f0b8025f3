package txn

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the transaction layer.
type Metrics struct {
	CommittedCounter metric.Int64Counter
	PreparedCounter  metric.Int64Counter
	AbortedCounter   metric.Int64Counter
	TooLargeCounter  metric.Int64Counter
	EntriesCounter   metric.Int64Counter
}

// NewMetrics creates and registers the transaction metrics.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	committed, err := meter.Int64Counter(
		"mongo.txn.committed_total",
		metric.WithDescription("Total number of transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	prepared, err := meter.Int64Counter(
		"mongo.txn.prepared_total",
		metric.WithDescription("Total number of transactions prepared."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	aborted, err := meter.Int64Counter(
		"mongo.txn.aborted_total",
		metric.WithDescription("Total number of transactions aborted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	tooLarge, err := meter.Int64Counter(
		"mongo.txn.too_large_total",
		metric.WithDescription("Total number of transactions rejected for exceeding the entry size limit."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	entries, err := meter.Int64Counter(
		"mongo.txn.oplog_entries_total",
		metric.WithDescription("Total number of oplog entries written by transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		CommittedCounter: committed,
		PreparedCounter:  prepared,
		AbortedCounter:   aborted,
		TooLargeCounter:  tooLarge,
		EntriesCounter:   entries,
	}, nil
}
