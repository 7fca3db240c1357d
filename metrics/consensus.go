// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/corona/utils/wrappers"
)

// ConsensusMetrics is the set of counters corona's event loops report
// into, registered once per authority against a prometheus.Registerer.
// Any individual registration failure is collected rather than fatal,
// matching NewAveragerWithErrs's tolerance for a partially-unavailable
// registry (e.g. a metric already registered by a sibling authority in
// the same process during tests).
type ConsensusMetrics struct {
	BlocksProposed  prometheus.Counter
	BlocksAccepted  prometheus.Counter
	BlocksCommitted prometheus.Counter
	PullRetries     prometheus.Counter
	RejectedTxs     prometheus.Counter
	RoundLatency    Averager
}

// NewConsensusMetrics registers every corona counter against reg. A nil
// reg is replaced with a fresh, unshared prometheus.Registry so callers
// that don't care about metrics export still get working counters.
func NewConsensusMetrics(reg prometheus.Registerer) (*ConsensusMetrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	var errs wrappers.Errs
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		errs.Add(reg.Register(c))
		return c
	}

	m := &ConsensusMetrics{
		BlocksProposed:  newCounter("corona_blocks_proposed", "Blocks this authority has produced"),
		BlocksAccepted:  newCounter("corona_blocks_accepted", "Blocks durably inserted after verification"),
		BlocksCommitted: newCounter("corona_blocks_committed", "Blocks included in a committed sub-DAG"),
		PullRetries:     newCounter("corona_pull_retries", "Pull-fetch retry attempts for missing ancestors"),
		RejectedTxs:     newCounter("corona_rejected_txs", "Transactions rejected during block verification"),
		RoundLatency:    NewAveragerWithErrs("corona_round_latency_ms", "milliseconds between consecutive own-authority proposals", reg, &errs),
	}
	if errs.Errored() {
		return m, errs.Err()
	}
	return m, nil
}
