package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics is the relay's in-memory counter set.
type Metrics struct {
	delivered       atomic.Int64
	retried         atomic.Int64
	revoked         atomic.Int64
	rejected        atomic.Int64
	decryptFailures atomic.Int64
}

// New returns a zeroed Metrics collector.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncDelivered()      { m.delivered.Add(1) }
func (m *Metrics) IncRetried()        { m.retried.Add(1) }
func (m *Metrics) IncRevoked()        { m.revoked.Add(1) }
func (m *Metrics) IncRejected()       { m.rejected.Add(1) }
func (m *Metrics) IncDecryptFailure() { m.decryptFailures.Add(1) }

// Handler serves the counters as a flat JSON object.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{
			"delivered":        m.delivered.Load(),
			"retried":          m.retried.Load(),
			"revoked":          m.revoked.Load(),
			"rejected":         m.rejected.Load(),
			"decrypt_failures": m.decryptFailures.Load(),
		})
	})
}
