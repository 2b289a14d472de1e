package proxy

// package level registry of the different event types

const RequestMetricsEventID = 0x01

// RequestMetricsEvent is published after every handled request.
type RequestMetricsEvent struct {
	Metrics RequestMetrics
}

func (e RequestMetricsEvent) Type() uint32 {
	return RequestMetricsEventID
}
