// Package metrics exposes Prometheus collectors for the referral ledger.
// Collectors register with the default registry at init; /metrics serves them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OtherRewardType labels payouts whose type is not one of the known ones.
const OtherRewardType = "other"

var (
	// RewardTransitions counts lifecycle moves by target state.
	// "rejected" counts pay attempts outside the pending state.
	RewardTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_reward_transitions_total",
			Help: "Reward lifecycle transitions by target status",
		},
		[]string{"to"},
	)

	// RewardsPaid is labelled with the known reward types plus
	// OtherRewardType, never with free text.
	RewardsPaid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_rewards_paid_amount_total",
			Help: "Sum of paid reward amounts by reward type",
		},
		[]string{"type"},
	)

	RecomputeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_stats_recompute_total",
			Help: "Referrer stats recomputations, split by whether the stored stats had drifted",
		},
		[]string{"drifted"},
	)

	RecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "referral_stats_recompute_duration_seconds",
		Help: "Duration of a single referrer stats recomputation",
		Buckets: []float64{
			0.0005, // 0.5ms
			0.001,  // 1ms
			0.005,  // 5ms
			0.01,   // 10ms
			0.05,   // 50ms
			0.1,    // 100ms
			0.5,    // 500ms
		},
	})

	// DriftedReferrers is set by the reconciler after each full pass.
	DriftedReferrers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "referral_stats_drifted_referrers",
		Help: "Referrers whose stored stats disagreed with the ledger on the last reconciliation",
	})

	GiftRedemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_gift_redemptions_total",
			Help: "Gift units redeemed, by gift id",
		},
		[]string{"gift"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "referral_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status code",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func RecordTransition(to string) {
	RewardTransitions.WithLabelValues(to).Inc()
}

func RecordPayout(rewardType string, amount float64) {
	RewardsPaid.WithLabelValues(rewardType).Add(amount)
}

func RecordRecompute(d time.Duration, drifted bool) {
	RecomputeTotal.WithLabelValues(strconv.FormatBool(drifted)).Inc()
	RecomputeDuration.Observe(d.Seconds())
}

func SetDriftedReferrers(n int) {
	DriftedReferrers.Set(float64(n))
}

func RecordRedemption(giftID int64, quantity int) {
	GiftRedemptions.WithLabelValues(strconv.FormatInt(giftID, 10)).Add(float64(quantity))
}

// ObserveRequest records one HTTP request. route is the chi route pattern,
// not the raw path, to keep label cardinality bounded.
func ObserveRequest(method, route string, status int, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
