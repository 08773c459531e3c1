package obs

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics groups the collectors fed by the bill engine and checkout.
type EngineMetrics struct {
	Assignments           *prometheus.CounterVec
	ComboEvents           *prometheus.CounterVec
	DegenerateAllocations prometheus.Counter
	BillsFinalized        *prometheus.CounterVec
}

// NewEngineMetrics registers the engine collectors with reg, reusing collectors
// that are already registered under the same name.
func NewEngineMetrics(namespace string, reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &EngineMetrics{
		Assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Scan/search assignments by outcome.",
		}, []string{"result"}),
		ComboEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "combo_events_total",
			Help:      "Combo instance lifecycle events.",
		}, []string{"action"}),
		DegenerateAllocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degenerate_allocations_total",
			Help:      "Complete combos priced with a zero total basis.",
		}),
		BillsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bills_finalized_total",
			Help:      "Bills persisted at checkout by payment method.",
		}, []string{"payment_method"}),
	}

	mustRegister(reg, m.Assignments, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.Assignments = v
		}
	})
	mustRegister(reg, m.ComboEvents, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.ComboEvents = v
		}
	})
	mustRegister(reg, m.DegenerateAllocations, func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Counter); ok {
			m.DegenerateAllocations = v
		}
	})
	mustRegister(reg, m.BillsFinalized, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.BillsFinalized = v
		}
	})
	return m
}

// The helpers below tolerate a nil receiver so callers can run without metrics.

func (m *EngineMetrics) ObserveAssignment(result string) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) ObserveComboEvent(action string) {
	if m == nil {
		return
	}
	m.ComboEvents.WithLabelValues(action).Inc()
}

func (m *EngineMetrics) ObserveDegenerateAllocation() {
	if m == nil {
		return
	}
	m.DegenerateAllocations.Inc()
}

func (m *EngineMetrics) ObserveBillFinalized(paymentMethod string) {
	if m == nil {
		return
	}
	m.BillsFinalized.WithLabelValues(paymentMethod).Inc()
}

func mustRegister(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			reuse(are.ExistingCollector)
			return
		}
		panic(fmt.Errorf("register engine metric: %w", err))
	}
}
