package core

import (
	"WardProtocol/internal/event"
	"WardProtocol/internal/observability"
)

// Fanout delivers lifecycle events to the audit log and the outbound
// publisher. The audit send blocks so no record is lost; the publish send
// drops when the channel is full.
type Fanout struct {
	audit   chan<- event.Lifecycle
	publish chan<- event.Lifecycle
	metrics *observability.Metrics
}

var _ event.Emitter = (*Fanout)(nil)

// NewFanout accepts a nil publish channel when nothing is published.
func NewFanout(audit, publish chan<- event.Lifecycle, metrics *observability.Metrics) *Fanout {
	return &Fanout{audit: audit, publish: publish, metrics: metrics}
}

func (f *Fanout) Emit(evt event.Lifecycle) {
	f.audit <- evt

	if f.publish == nil {
		return
	}
	select {
	case f.publish <- evt:
	default:
		if f.metrics != nil {
			f.metrics.PublishDrops.Inc()
		}
	}

	if f.metrics != nil {
		f.metrics.SetChannelMetrics("audit", len(f.audit), cap(f.audit))
		f.metrics.SetChannelMetrics("publish", len(f.publish), cap(f.publish))
	}
}
