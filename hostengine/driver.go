// Package hostengine implements the host-side redirection engine: the
// device/endpoint state machine, per-endpoint transfer rings for the four
// USB transfer types, cancellation, stall recovery, disconnect handling,
// and isochronous backpressure. It drives an arbitrary Driver and a
// codec.Parser acting as the wire peer.
package hostengine

import (
	"context"

	"github.com/daedaluz/usbredir/usbdev"
)

// TransferType mirrors the four USB transfer types plus the "unused slot"
// sentinel, indexed the same way wire.EPInfoHeader.Type is.
type TransferType uint8

const (
	TransferControl TransferType = iota
	TransferISO
	TransferBulk
	TransferInterrupt
	TransferInvalid = TransferType(0xFF)
)

// CompletionStatus is the device-layer outcome of a Transfer, independent
// of the wire protocol's own Status enum; mapCompletionStatus translates
// between them.
type CompletionStatus int

const (
	CompletionCompleted CompletionStatus = iota
	CompletionCancelled
	CompletionStall
	CompletionNoDevice
	CompletionTimedOut
	CompletionOverflow
	CompletionError
)

// Transfer is one in-flight or staged request. Host owns its lifetime;
// Driver implementations receive a *Transfer on Submit/Cancel and must
// report it back unmodified (aside from ActualLength/Status) via the
// Events channel.
type Transfer struct {
	ID       uint64
	Endpoint uint8
	Type     TransferType
	StreamID uint32
	Buffer   []byte

	Cancelled bool

	// ActualLength/Status are filled in by the driver on completion.
	ActualLength int
	Status       CompletionStatus

	// header is the originating wire request, kept for synthetic cancel
	// replies and status translation; exactly one field is meaningful,
	// selected by Type.
	header transferHeader
}

// transferHeader is a tagged union of the four packet-header shapes a
// Transfer can originate from, carrying just enough to build a reply.
type transferHeader struct {
	endpoint    uint8
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
}

// CompletionEvent is delivered by Driver.Events when a Transfer finishes.
type CompletionEvent struct {
	Transfer *Transfer
}

// Driver is the concrete USB backend contract: claim/release, configure,
// submit/cancel transfers, and a completion event stream. hostengine
// treats it as an external collaborator; linuxusb is this repository's
// own implementation of it.
type Driver interface {
	Descriptors() (*usbdev.DeviceDescriptor, *usbdev.ConfigurationDescriptor, error)

	// AllDescriptors returns the full flat descriptor list usbdev read off
	// the device (device, config, interface, endpoint and string entries
	// interleaved as usbfs returned them). usbdev.ConfigurationDescriptor
	// carries no nested interface/endpoint list of its own, so Host walks
	// this slice itself — via interfacesOf/endpointsOfInterface in
	// endpoints.go — to build the
	// interface_info/ep_info tables; that keeps Driver's shape a thin mirror
	// of what usbdev.Device already exposes instead of duplicating a second
	// tree-shaped view of the same descriptors.
	AllDescriptors() []usbdev.Descriptor

	SetAutoDetachKernelDriver(enable bool) error
	ClaimInterface(n int) error
	ReleaseInterface(n int, reattach bool) error
	SetConfiguration(n int) error
	SetAltSetting(iface, alt int) error
	ClearHalt(ep uint8) error
	Reset() error
	Close() error
	Submit(t *Transfer) error
	Cancel(t *Transfer) error
	Events(ctx context.Context) <-chan CompletionEvent
}
