package metrics

import "sync/atomic"

// Pipeline counts what happened to inbound reports. Safe for concurrent use.
type Pipeline struct {
	received     atomic.Int64
	accepted     atomic.Int64
	rejected     atomic.Int64
	dropped      atomic.Int64
	storeRetries atomic.Int64
	transitions  atomic.Int64
	alertErrors  atomic.Int64
}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) IncReceived()   { p.received.Add(1) }
func (p *Pipeline) IncAccepted()   { p.accepted.Add(1) }
func (p *Pipeline) IncRejected()   { p.rejected.Add(1) }
func (p *Pipeline) IncDropped()    { p.dropped.Add(1) }
func (p *Pipeline) IncStoreRetry() { p.storeRetries.Add(1) }
func (p *Pipeline) IncTransition() { p.transitions.Add(1) }
func (p *Pipeline) IncAlertError() { p.alertErrors.Add(1) }

func (p *Pipeline) Snapshot() map[string]int64 {
	return map[string]int64{
		"reports_received":  p.received.Load(),
		"reports_accepted":  p.accepted.Load(),
		"reports_rejected":  p.rejected.Load(),
		"reports_dropped":   p.dropped.Load(),
		"store_retries":     p.storeRetries.Load(),
		"transitions":       p.transitions.Load(),
		"alert_side_errors": p.alertErrors.Load(),
	}
}
