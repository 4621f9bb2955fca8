package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Login("success")
	m.Refresh("reuse")
	m.ReuseDetected(3)
	m.KeyRotated(2)
	m.TokenVerified(true)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Login("success")
	m.Login("success")
	m.Login("invalid_credentials")
	m.ReuseDetected(4)
	m.TokensRevoked(0)
	m.KeyRotated(3)

	if got := testutil.ToFloat64(m.logins.WithLabelValues("success")); got != 2 {
		t.Fatalf("expected 2 successful logins, got %v", got)
	}
	if got := testutil.ToFloat64(m.reuse); got != 1 {
		t.Fatalf("expected 1 reuse detection, got %v", got)
	}
	if got := testutil.ToFloat64(m.revoked); got != 4 {
		t.Fatalf("expected 4 revoked tokens, got %v", got)
	}
	if got := testutil.ToFloat64(m.signingKeys); got != 3 {
		t.Fatalf("expected signing key gauge 3, got %v", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Fatalf("gather: n=%d err=%v", n, err)
	}
}
