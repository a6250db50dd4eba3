package ebox

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestEboxMetricsDefaultsToNopWithoutPanicking(t *testing.T) {
	e := &Ebox{}
	m := e.metrics()
	if m == nil {
		t.Fatalf("metrics() returned nil")
	}
	// Every vector must be exercised with the exact label arity its
	// real counterpart declares, or WithLabelValues panics.
	m.sealTotal.WithLabelValues("ok")
	m.unsealTotal.WithLabelValues("error")
	m.unlockTotal.WithLabelValues("ok")
	m.recoverTotal.WithLabelValues("insufficient")
	m.challengeTotal.WithLabelValues("generate", "ok")
	m.streamChunks.WithLabelValues("encrypt", "ok")
	m.operationTime.WithLabelValues("unlock")
}

func TestNewMetricsRegistersAgainstCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.sealTotal.WithLabelValues("ok").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "ebox_seal_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ebox_seal_total not registered, families: %+v", families)
	}
}

func TestEboxSetMetricsOverridesDefault(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := &Ebox{}
	e.SetMetrics(m)
	if e.metrics() != m {
		t.Fatalf("SetMetrics did not take effect")
	}
}
