package dcc

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metric callbacks run outside any request; a background context
// keeps the call sites uniform.
var noCtx = context.Background()

// instruments holds the coordinator's meters. Counters are recorded
// at the commit and abort sites; the gauges observe shared state on
// scrape.
type instruments struct {
	commits   metric.Int64Counter
	aborts    metric.Int64Counter
	conflicts metric.Int64Counter
	voteWait  metric.Float64Histogram
}

func newInstruments(meter metric.Meter, d *DCC) (*instruments, error) {
	var (
		ins instruments
		err error
	)
	if ins.commits, err = meter.Int64Counter("dcc.transactions.committed",
		metric.WithDescription("Distributed transactions committed on this node")); err != nil {
		return nil, err
	}
	if ins.aborts, err = meter.Int64Counter("dcc.transactions.aborted",
		metric.WithDescription("Distributed transactions aborted on this node")); err != nil {
		return nil, err
	}
	if ins.conflicts, err = meter.Int64Counter("dcc.apply.conflicts",
		metric.WithDescription("Replicated transactions aborted for row conflicts")); err != nil {
		return nil, err
	}
	if ins.voteWait, err = meter.Float64Histogram("dcc.twopc.vote_wait_seconds",
		metric.WithDescription("Coordinator wait for participant votes"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	active, err := meter.Int64ObservableGauge("dcc.transactions.active",
		metric.WithDescription("Transactions currently tracked as in progress"))
	if err != nil {
		return nil, err
	}
	live, err := meter.Int64ObservableGauge("dcc.cluster.live_nodes",
		metric.WithDescription("Cluster nodes currently enabled"))
	if err != nil {
		return nil, err
	}
	status, err := meter.Int64ObservableGauge("dcc.cluster.status",
		metric.WithDescription("Node status code"))
	if err != nil {
		return nil, err
	}
	shift, err := meter.Float64ObservableGauge("dcc.clock.shift_seconds",
		metric.WithDescription("Forward adjustment accumulated by the CSN clock"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		d.state.RLock()
		o.ObserveInt64(active, int64(d.state.NActiveTransactions))
		o.ObserveInt64(live, int64(d.state.NLiveNodes))
		o.ObserveInt64(status, int64(d.state.Status))
		d.state.RUnlock()
		o.ObserveFloat64(shift, d.clock.Shift().Seconds())
		return nil
	}, active, live, status, shift)
	if err != nil {
		return nil, err
	}
	return &ins, nil
}
