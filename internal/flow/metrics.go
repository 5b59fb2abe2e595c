package flow

// Metrics receives engine counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	FlowStarted(role string)
	FlowEnded(role, result string)
	SessionOpened(role string)
	SessionEnded(state string)
	EnvelopeSent(kind string)
	EnvelopeReceived(kind string)
	EnvelopeDropped(reason string)
	Suspended(kind string)
}

type nopMetrics struct{}

func (nopMetrics) FlowStarted(string) {}
func (nopMetrics) FlowEnded(string, string) {}
func (nopMetrics) SessionOpened(string) {}
func (nopMetrics) SessionEnded(string) {}
func (nopMetrics) EnvelopeSent(string) {}
func (nopMetrics) EnvelopeReceived(string) {}
func (nopMetrics) EnvelopeDropped(string) {}
func (nopMetrics) Suspended(string) {}
