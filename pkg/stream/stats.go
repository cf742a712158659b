package stream

// Stats receives transport counters. Implementations must be safe for
// concurrent use. The zero configuration discards them.
type Stats interface {
	ConnectOpened()
	ConnectFailed()
	ReconnectScheduled()
	MessageReceived()
	MessageDropped()
	MessageSent()
	SendFailed()
	PingSent()
	PongReceived()
	HandlerPanicked()
}

type nopStats struct{}

func (nopStats) ConnectOpened()      {}
func (nopStats) ConnectFailed()      {}
func (nopStats) ReconnectScheduled() {}
func (nopStats) MessageReceived()    {}
func (nopStats) MessageDropped()     {}
func (nopStats) MessageSent()        {}
func (nopStats) SendFailed()         {}
func (nopStats) PingSent()           {}
func (nopStats) PongReceived()       {}
func (nopStats) HandlerPanicked()    {}
