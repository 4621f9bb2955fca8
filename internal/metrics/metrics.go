// Package metrics holds the prometheus instruments of the auth service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pitchfork_auth"

type Metrics struct {
	logins        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	logouts       *prometheus.CounterVec
	verifications *prometheus.CounterVec
	reuse         prometheus.Counter
	revoked       prometheus.Counter
	keyRotations  prometheus.Counter
	signingKeys   prometheus.Gauge
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "logins_total", Help: "Login attempts by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "refreshes_total", Help: "Refresh token rotations by result.",
		}, []string{"result"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "logouts_total", Help: "Logouts by result.",
		}, []string{"result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "access_token_verifications_total", Help: "Access token verifications by result.",
		}, []string{"result"}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "refresh_reuse_detected_total", Help: "Refresh secrets presented after rotation.",
		}),
		revoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "refresh_tokens_revoked_total", Help: "Refresh tokens revoked by family sweeps.",
		}),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signing_key_rotations_total", Help: "Signing key rotations.",
		}),
		signingKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "signing_keys", Help: "Known signing keys, active and retired.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.logins, m.refreshes, m.logouts, m.verifications, m.reuse, m.revoked, m.keyRotations, m.signingKeys)
	}
	return m
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Logout(result string) {
	if m == nil {
		return
	}
	m.logouts.WithLabelValues(result).Inc()
}

func (m *Metrics) TokenVerified(ok bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if ok {
		result = "valid"
	}
	m.verifications.WithLabelValues(result).Inc()
}

// ReuseDetected counts one detection and the tokens it revoked.
func (m *Metrics) ReuseDetected(revoked int64) {
	if m == nil {
		return
	}
	m.reuse.Inc()
	m.TokensRevoked(revoked)
}

func (m *Metrics) TokensRevoked(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.revoked.Add(float64(n))
}

func (m *Metrics) KeyRotated(known int) {
	if m == nil {
		return
	}
	m.keyRotations.Inc()
	m.signingKeys.Set(float64(known))
}

func (m *Metrics) SigningKeys(known int) {
	if m == nil {
		return
	}
	m.signingKeys.Set(float64(known))
}
