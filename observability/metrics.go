package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SaleMetrics tracks purchase activity and sale totals.
type SaleMetrics struct {
	purchases *prometheus.CounterVec
	contrib   prometheus.Counter
	minted    prometheus.Counter
	weiRaised prometheus.Gauge
	supply    prometheus.Gauge
	rate      prometheus.Gauge
}

var (
	saleMetricsOnce sync.Once
	saleRegistry    *SaleMetrics
)

// CrowdsaleMetrics returns the lazily-initialised sale metrics registered
// with the default prometheus registry.
func CrowdsaleMetrics() *SaleMetrics {
	saleMetricsOnce.Do(func() {
		saleRegistry = NewSaleMetrics(prometheus.DefaultRegisterer)
	})
	return saleRegistry
}

// NewSaleMetrics builds the sale collectors and registers them with reg.
// A nil reg leaves the collectors unregistered.
func NewSaleMetrics(reg prometheus.Registerer) *SaleMetrics {
	m := &SaleMetrics{
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokensale",
			Subsystem: "crowdsale",
			Name:      "purchases_total",
			Help:      "Purchase attempts segmented by outcome.",
		}, []string{"outcome"}),
		contrib: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tokensale",
			Subsystem: "crowdsale",
			Name:      "contributions_wei_total",
			Help:      "Wei accepted by committed purchases.",
		}),
		minted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tokensale",
			Subsystem: "crowdsale",
			Name:      "tokens_minted_total",
			Help:      "Token base units minted by committed purchases.",
		}),
		weiRaised: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokensale",
			Subsystem: "crowdsale",
			Name:      "wei_raised",
			Help:      "Cumulative wei raised by the sale.",
		}),
		supply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokensale",
			Subsystem: "crowdsale",
			Name:      "total_supply",
			Help:      "Token supply including the fund pre-allocation.",
		}),
		rate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokensale",
			Subsystem: "crowdsale",
			Name:      "rate",
			Help:      "Rate applied to the most recent purchase.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.purchases, m.contrib, m.minted, m.weiRaised, m.supply, m.rate)
	}
	return m
}

// RecordPurchase counts a purchase attempt. Value and token amounts are only
// accumulated for accepted purchases.
func (m *SaleMetrics) RecordPurchase(outcome string, value, tokens *big.Int) {
	if m == nil {
		return
	}
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		outcome = "unknown"
	}
	m.purchases.WithLabelValues(outcome).Inc()
	if outcome != "accepted" {
		return
	}
	if value != nil && value.Sign() > 0 {
		m.contrib.Add(bigToFloat(value))
	}
	if tokens != nil && tokens.Sign() > 0 {
		m.minted.Add(bigToFloat(tokens))
	}
}

// RecordState sets the sale totals.
func (m *SaleMetrics) RecordState(weiRaised, totalSupply, rate *big.Int) {
	if m == nil {
		return
	}
	m.weiRaised.Set(bigToFloat(weiRaised))
	m.supply.Set(bigToFloat(totalSupply))
	m.rate.Set(bigToFloat(rate))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
