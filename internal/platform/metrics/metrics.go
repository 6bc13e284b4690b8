package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BattlesClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_battles_claimed_total",
			Help: "Battles claimed by this scheduler instance",
		},
	)

	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_claim_conflicts_total",
			Help: "Claims lost to another scheduler instance",
		},
	)

	BattlesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_battles_reclaimed_total",
			Help: "Stale battles reset to queued",
		},
	)

	BattlesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_battles_finished_total",
			Help: "Battles that reached a terminal status",
		},
		[]string{"status"},
	)

	ActiveBattles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arena_active_battles",
			Help: "Battle runners currently executing",
		},
	)

	TurnsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_turns_appended_total",
			Help: "Turn records committed to the turn store",
		},
	)

	SandboxRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_sandbox_runs_total",
			Help: "Sandbox invocations by outcome",
		},
		[]string{"backend", "outcome"},
	)

	SandboxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arena_sandbox_duration_ms",
			Help:    "Wall-clock duration of one sandbox invocation in milliseconds",
			Buckets: []float64{5, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"backend"},
	)

	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arena_live_subscribers",
			Help: "Open live turn subscriptions",
		},
	)
)
