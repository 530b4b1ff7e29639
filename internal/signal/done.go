package signal

import "sync"

// Done is a one-shot shutdown signal, safe to close from any goroutine and
// safe to close more than once. Same shape as the done.Instance a worker
// waits on via Wait()/Close()/Done().
type Done struct {
	once sync.Once
	ch   chan struct{}
}

// NewDone creates an armed Done.
func NewDone() *Done {
	return &Done{ch: make(chan struct{})}
}

// Close signals completion. Safe to call multiple times.
func (d *Done) Close() error {
	d.once.Do(func() { close(d.ch) })
	return nil
}

// Wait returns a channel that closes once Close has been called.
func (d *Done) Wait() <-chan struct{} {
	return d.ch
}

// Done reports whether Close has already been called.
func (d *Done) Done() bool {
	select {
	case <-d.ch:
		return true
	default:
		return false
	}
}
