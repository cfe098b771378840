package linuxusb

import (
	"context"
	"time"

	"github.com/daedaluz/usbredir/hostengine"
	"github.com/daedaluz/usbredir/usbdev/usbfs"
	"golang.org/x/sys/unix"
)

// reapLoop drains completed URBs off the device's usbfs fd and turns each
// into a hostengine.CompletionEvent, until ctx is cancelled. usbfs has no
// way to wait on both the device fd and a context at once, so it polls
// ReapURBNonBlocking instead of blocking in ReapURB — the one point where
// this backend trades a little latency for cancellability.
func (d *Driver) reapLoop(ctx context.Context, out chan<- hostengine.CompletionEvent) {
	defer close(out)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			u, actualLength, status, err := usbfs.ReapURBNonBlocking(d.dev.Fd())
			if err != nil {
				if err == unix.EAGAIN {
					break
				}
				return
			}
			t := d.takePending(u)
			if t == nil {
				continue
			}
			t.ActualLength = actualLength
			t.Status = mapURBStatus(status)
			select {
			case out <- hostengine.CompletionEvent{Transfer: t}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Driver) takePending(u *usbfs.URB) *hostengine.Transfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.pending[u]
	if !ok {
		return nil
	}
	delete(d.pending, u)
	return t
}
