package downloads

// Notifier signals the presentation layer that transfer state changed and
// a redraw is due. The channel is buffered with capacity one, so triggers
// coalesce instead of queueing: a pending signal already says everything
// a second one would.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier creates a change notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Trigger signals a change. It never blocks.
func (n *Notifier) Trigger() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C returns the channel the consumer selects on.
func (n *Notifier) C() <-chan struct{} {
	return n.ch
}
