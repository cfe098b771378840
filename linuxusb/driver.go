// Package linuxusb is this repository's own hostengine.Driver backend,
// wiring usbdev and usbdev/usbfs's Linux usbfs bindings into the engine.
package linuxusb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/daedaluz/usbredir/hostengine"
	"github.com/daedaluz/usbredir/usbdev"
	"github.com/daedaluz/usbredir/usbdev/usbfs"
	"golang.org/x/sys/unix"
)

// Driver adapts one open usbdev.Device to hostengine.Driver. It owns the
// pending-URB registry that ties a submitted transfer back to the
// *hostengine.Transfer it originated from, so completions can be reported
// without the kernel ever seeing a Go pointer.
type Driver struct {
	dev *usbdev.Device

	mu      sync.Mutex
	pending map[*usbfs.URB]*hostengine.Transfer
	claimed map[int]bool
}

// New wraps an already-open usbdev.Device. The caller retains ownership of
// dev and must not call its own transfer methods concurrently with the
// returned Driver.
func New(dev *usbdev.Device) *Driver {
	return &Driver{
		dev:     dev,
		pending: make(map[*usbfs.URB]*hostengine.Transfer),
		claimed: make(map[int]bool),
	}
}

func (d *Driver) Descriptors() (*usbdev.DeviceDescriptor, *usbdev.ConfigurationDescriptor, error) {
	var cfg *usbdev.ConfigurationDescriptor
	for _, desc := range d.dev.Descriptors {
		if c, ok := desc.(*usbdev.ConfigurationDescriptor); ok {
			cfg = c
			break
		}
	}
	if cfg == nil {
		return nil, nil, fmt.Errorf("linuxusb: device has no configuration descriptor")
	}
	return d.dev.GetDeviceDescriptor(), cfg, nil
}

func (d *Driver) AllDescriptors() []usbdev.Descriptor {
	return d.dev.Descriptors
}

// SetAutoDetachKernelDriver mirrors usbredirhost's claim behavior: detach
// whatever kernel driver is bound to every interface so it can be claimed
// for redirection, and leave it detached until ReleaseInterface is asked to
// reattach it.
func (d *Driver) SetAutoDetachKernelDriver(enable bool) error {
	cfg, ok := d.findConfig()
	if !ok {
		return nil
	}
	for i := uint8(0); i < cfg.BNumInterfaces; i++ {
		if enable {
			if err := d.dev.DetachKernel(uint32(i)); err != nil {
				return err
			}
		} else if err := d.dev.AttachKernel(uint32(i)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) findConfig() (*usbdev.ConfigurationDescriptor, bool) {
	for _, desc := range d.dev.Descriptors {
		if c, ok := desc.(*usbdev.ConfigurationDescriptor); ok {
			return c, true
		}
	}
	return nil, false
}

func (d *Driver) ClaimInterface(n int) error {
	if err := d.dev.ClaimInterface(n); err != nil {
		return err
	}
	d.mu.Lock()
	d.claimed[n] = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) ReleaseInterface(n int, reattach bool) error {
	if err := d.dev.ReleaseInterface(n); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.claimed, n)
	d.mu.Unlock()
	if reattach {
		return d.dev.AttachKernel(uint32(n))
	}
	return nil
}

func (d *Driver) SetConfiguration(n int) error {
	// usbfs has no set_configuration ioctl beyond claiming interfaces of the
	// already-active configuration; Linux activates configuration 1 (the
	// only one usbredirhost ever deals with) at enumeration time.
	if n != 1 {
		return fmt.Errorf("linuxusb: unsupported configuration %d", n)
	}
	return nil
}

func (d *Driver) SetAltSetting(iface, alt int) error {
	return d.dev.SetInterfaceAltSetting(uint32(iface), uint32(alt))
}

func (d *Driver) ClearHalt(ep uint8) error {
	return d.dev.ClearHalt(ep)
}

func (d *Driver) Reset() error {
	return d.dev.Reset()
}

func (d *Driver) Close() error {
	return d.dev.Close()
}

func urbType(t hostengine.TransferType) uint8 {
	switch t {
	case hostengine.TransferISO:
		return usbfs.URBTypeISO
	case hostengine.TransferInterrupt:
		return usbfs.URBTypeInterrupt
	case hostengine.TransferControl:
		return usbfs.URBTypeControl
	default:
		return usbfs.URBTypeBulk
	}
}

// Submit queues t asynchronously via usbfs's SUBMITURB ioctl. The
// transfer's own Buffer becomes the kernel-visible DMA buffer for the
// duration of the request; callers must not touch it again until it is
// reported complete through Events.
func (d *Driver) Submit(t *hostengine.Transfer) error {
	streamOrPackets := t.StreamID
	u, err := usbfs.SubmitURB(d.dev.Fd(), urbType(t.Type), t.Endpoint, 0, t.Buffer, streamOrPackets, nil)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.pending[u] = t
	d.mu.Unlock()
	return nil
}

// Cancel discards a submitted URB. Per usbfs semantics the transfer is not
// actually finished until it is reaped with a cancelled status; Cancel only
// requests that.
func (d *Driver) Cancel(t *hostengine.Transfer) error {
	d.mu.Lock()
	var u *usbfs.URB
	for candidate, pendingTransfer := range d.pending {
		if pendingTransfer == t {
			u = candidate
			break
		}
	}
	d.mu.Unlock()
	if u == nil {
		return fmt.Errorf("linuxusb: cancel of unknown transfer")
	}
	return usbfs.DiscardURB(d.dev.Fd(), u)
}

func mapURBStatus(status int32) hostengine.CompletionStatus {
	switch status {
	case 0:
		return hostengine.CompletionCompleted
	case -int32(unix.ECANCELED):
		return hostengine.CompletionCancelled
	case -int32(unix.EPIPE):
		return hostengine.CompletionStall
	case -int32(unix.ENODEV), -int32(unix.ESHUTDOWN):
		return hostengine.CompletionNoDevice
	case -int32(unix.ETIMEDOUT):
		return hostengine.CompletionTimedOut
	case -int32(unix.EOVERFLOW):
		return hostengine.CompletionOverflow
	default:
		return hostengine.CompletionError
	}
}

// Events starts the reap loop for this driver and returns the channel it
// feeds; the loop stops and the channel is closed when ctx is cancelled.
// reaper.go does the actual polling.
func (d *Driver) Events(ctx context.Context) <-chan hostengine.CompletionEvent {
	out := make(chan hostengine.CompletionEvent)
	go d.reapLoop(ctx, out)
	return out
}

// pollInterval is how often the reap loop checks ctx.Done() between
// non-blocking reap attempts; kept short since usbfs has no way to select
// on both the fd and a context.
const pollInterval = 10 * time.Millisecond
