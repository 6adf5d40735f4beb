package chatclient

import (
	"testing"
	"time"
)

func TestQualityFor(t *testing.T) {
	cases := []struct {
		rtt  time.Duration
		want Quality
	}{
		{0, QualityGood},
		{149 * time.Millisecond, QualityGood},
		{150 * time.Millisecond, QualityFair},
		{399 * time.Millisecond, QualityFair},
		{400 * time.Millisecond, QualityPoor},
		{5 * time.Second, QualityPoor},
	}
	for _, tc := range cases {
		if got := QualityFor(tc.rtt); got != tc.want {
			t.Errorf("QualityFor(%v) = %q, want %q", tc.rtt, got, tc.want)
		}
	}
}

func TestQualityMonotonic(t *testing.T) {
	rank := map[Quality]int{QualityGood: 0, QualityFair: 1, QualityPoor: 2}

	prev := QualityGood
	for rtt := time.Duration(0); rtt <= time.Second; rtt += 10 * time.Millisecond {
		q := QualityFor(rtt)
		if rank[q] < rank[prev] {
			t.Fatalf("quality improved from %q to %q as rtt grew to %v", prev, q, rtt)
		}
		prev = q
	}
}

func TestQualityMeterSmoothing(t *testing.T) {
	m := &qualityMeter{}

	// First sample seeds the average directly.
	if q := m.Observe(100 * time.Millisecond); q != QualityGood {
		t.Fatalf("first observe = %q, want good", q)
	}
	if m.RTT() != 100*time.Millisecond {
		t.Fatalf("seeded rtt = %v", m.RTT())
	}

	// One slow outlier moves the average but does not dominate it:
	// 100ms*0.7 + 900ms*0.3 = 310ms.
	if q := m.Observe(900 * time.Millisecond); q != QualityFair {
		t.Fatalf("after outlier = %q, want fair", q)
	}

	// Sustained slowness eventually degrades to poor.
	for i := 0; i < 10; i++ {
		m.Observe(900 * time.Millisecond)
	}
	if q := QualityFor(m.RTT()); q != QualityPoor {
		t.Fatalf("after sustained slowness = %q, want poor", q)
	}
}
