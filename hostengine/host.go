package hostengine

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/daedaluz/usbredir/codec"
	"github.com/daedaluz/usbredir/filter"
	"github.com/daedaluz/usbredir/usbdev"
	"github.com/daedaluz/usbredir/wire"
	"github.com/sirupsen/logrus"
)

// MaxInterfaces is the largest bInterfaceNumber+1 set_device accepts; the
// wire protocol's interface_info/ep_info arrays are fixed at this size.
const MaxInterfaces = 32

// Host is the host-side redirection engine: it owns a claimed device
// through a Driver, tracks the active configuration's endpoint table, and
// answers guest requests arriving through a codec.Parser by implementing
// codec.Sink. One Host serves one device at a time for one Parser;
// SetDevice replaces any previous device.
type Host struct {
	mu           sync.Mutex
	disconnectMu sync.Mutex

	parser *codec.Parser
	driver Driver

	deviceDesc *usbdev.DeviceDescriptor
	configDesc *usbdev.ConfigurationDescriptor
	descriptors []usbdev.Descriptor

	altSettings map[uint8]uint8
	endpoints   [maxEndpoints]endpointState
	interfaces  []interfaceInfo

	transfers *list.List // of *Transfer, non-stream requests
	byID      map[uint64]*list.Element

	cancelsPending   int
	claimed          bool
	disconnected     bool
	waitDisconnect   bool
	pendingAdvertise bool

	bufferedOutputSize func() uint64

	events context.CancelFunc

	logger logrus.FieldLogger
}

var _ codec.Sink = (*Host)(nil)

// NewHost creates a Host with no device attached; call SetDevice once a
// Driver has opened and is ready to be claimed.
func NewHost(parser *codec.Parser) *Host {
	return &Host{
		parser:      parser,
		transfers:   list.New(),
		byID:        make(map[uint64]*list.Element),
		altSettings: make(map[uint8]uint8),
	}
}

// SetParser attaches the codec.Parser a Host exchanges wire messages
// through. Callers outside this package construct the two together, since
// codec.NewParser needs the Host itself as its Sink:
//
//	host := hostengine.NewHost(nil)
//	host.SetParser(codec.NewParser(codec.RoleHost, version, caps, host))
func (h *Host) SetParser(p *codec.Parser) {
	h.parser = p
}

// Flush writes everything the Host has queued for the guest to w.
func (h *Host) Flush(w interface{ Write([]byte) (int, error) }) error {
	return h.parser.Write(w)
}

// SetBufferedOutputSizeFunc overrides how Host measures outstanding output
// for isochronous backpressure; by default it asks the parser directly.
func (h *Host) SetBufferedOutputSizeFunc(f func() uint64) {
	h.bufferedOutputSize = f
}

// SetLogger attaches the logger a Host reports stream backpressure and
// device-lifecycle events through. Without one, Host falls back to
// logrus's package-level standard logger.
func (h *Host) SetLogger(logger logrus.FieldLogger) {
	h.logger = logger
}

func (h *Host) log() logrus.FieldLogger {
	if h.logger != nil {
		return h.logger
	}
	return logrus.StandardLogger()
}

func (h *Host) outputSize() uint64 {
	if h.bufferedOutputSize != nil {
		return h.bufferedOutputSize()
	}
	return h.parser.BufferedOutputSize()
}

// FreeWriteBuffer is the release hook for embedders that hand their own
// socket write callback to the transport instead of draining Parser.Write's
// internal queue, mirroring the zero-copy "write callback owns the buffer"
// contract. Host's own callers all use Parser.Write, which never needs
// this, so it is a no-op left here for symmetry with that contract.
func (h *Host) FreeWriteBuffer(buf []byte) {}

// ReadStatus is the three-way outcome of one ReadGuestData call.
type ReadStatus int

const (
	ReadOK ReadStatus = iota
	ReadDeviceLost
	ReadDeviceRejected
)

// ReadGuestData performs one read from r and feeds whatever bytes came back
// to the underlying Parser, distinguishing the transport itself failing
// (ReadDeviceLost) from the bytes it did return being malformed
// (ReadDeviceRejected) — the two outcomes a caller that owns the socket
// needs to tell apart in order to decide whether to retry or tear down.
func (h *Host) ReadGuestData(r io.Reader) (ReadStatus, error) {
	buf := make([]byte, 65536)
	n, rerr := r.Read(buf)
	if n > 0 {
		if _, ferr := h.parser.Feed(buf[:n]); ferr != nil {
			return ReadDeviceRejected, ferr
		}
	}
	if rerr != nil {
		return ReadDeviceLost, rerr
	}
	return ReadOK, nil
}

// SetDevice attaches driver as the new claimed device: it clears any
// previous device, reads descriptors, auto-detaches and claims every
// interface, resets the device unless it is reset-blacklisted, and
// advertises the result to the guest (interface_info, ep_info,
// device_connect, in that order).
func (h *Host) SetDevice(driver Driver) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clearDeviceLocked()

	dd, cd, err := driver.Descriptors()
	if err != nil {
		return fmt.Errorf("hostengine: read descriptors: %w", err)
	}
	if cd.BNumInterfaces > MaxInterfaces {
		return fmt.Errorf("hostengine: device has %d interfaces, max %d", cd.BNumInterfaces, MaxInterfaces)
	}

	h.driver = driver
	h.deviceDesc = dd
	h.configDesc = cd
	h.descriptors = driver.AllDescriptors()
	h.altSettings = make(map[uint8]uint8)

	if err := driver.SetAutoDetachKernelDriver(true); err != nil {
		return fmt.Errorf("hostengine: auto detach kernel driver: %w", err)
	}
	for i := 0; i < int(cd.BNumInterfaces); i++ {
		if err := driver.ClaimInterface(i); err != nil {
			return fmt.Errorf("hostengine: claim interface %d: %w", i, err)
		}
	}
	h.claimed = true

	if !isResetBlacklisted(dd.IDVendor, dd.IDProduct) {
		if err := driver.Reset(); err != nil {
			return fmt.Errorf("hostengine: reset: %w", err)
		}
	}

	h.rebuildEndpointTableLocked()

	// If the previous device's disconnect hasn't been acknowledged yet,
	// hold the device_connect back so the guest never sees it race its own
	// pending device_disconnect; DeviceDisconnectAck flushes it once the
	// ack arrives.
	h.disconnectMu.Lock()
	defer_ := h.waitDisconnect
	if !defer_ {
		h.disconnected = false
	}
	h.disconnectMu.Unlock()

	if defer_ {
		h.pendingAdvertise = true
		return nil
	}
	h.advertiseLocked()
	return nil
}

func (h *Host) rebuildEndpointTableLocked() {
	table, infos := buildEndpointTable(h.descriptors, h.altSettings)
	h.endpoints = table
	h.interfaces = infos
}

func (h *Host) advertiseLocked() {
	var ifHdr wire.InterfaceInfoHeader
	ifHdr.InterfaceCount = uint32(len(h.interfaces))
	for i, ifc := range h.interfaces {
		if i >= 32 {
			break
		}
		ifHdr.Interface[i] = ifc.Number
		ifHdr.InterfaceClass[i] = ifc.Class
		ifHdr.InterfaceSubclass[i] = ifc.Subclass
		ifHdr.InterfaceProtocol[i] = ifc.Protocol
	}
	h.parser.SendInterfaceInfo(ifHdr)
	h.parser.SendEPInfo(h.epInfoHeaderLocked())

	h.parser.SendDeviceConnect(wire.DeviceConnectHeader{
		Speed:            0,
		DeviceClass:      uint8(h.deviceDesc.BDeviceClass),
		DeviceSubclass:   uint8(h.deviceDesc.BDeviceSubClass),
		DeviceProtocol:   h.deviceDesc.BDeviceProtocol,
		VendorID:         h.deviceDesc.IDVendor,
		ProductID:        h.deviceDesc.IDProduct,
		DeviceVersionBCD: h.deviceDesc.BcdDevice,
	})
}

// epInfoHeaderLocked packs the current endpoint table into the wire's
// ep_info layout.
func (h *Host) epInfoHeaderLocked() wire.EPInfoHeader {
	var epHdr wire.EPInfoHeader
	for i, ep := range h.endpoints {
		if !ep.valid {
			epHdr.Type[i] = uint8(TransferInvalid)
			continue
		}
		epHdr.Type[i] = uint8(wireTransferType(ep.transfer))
		epHdr.Interval[i] = ep.interval
		epHdr.Interface[i] = ep.iface
		epHdr.MaxPacketSize[i] = ep.maxPacket
		epHdr.MaxStreams[i] = ep.maxStreams
	}
	return epHdr
}

// wireTransferType maps usbdev's endpoint transfer-type encoding onto the
// wire protocol's ep_info type byte; both happen to share 0=control,
// 1=iso, 2=bulk, 3=interrupt, but they are distinct enumerations and this
// keeps that coincidence from leaking across the package boundary.
func wireTransferType(t usbdev.TransferType) TransferType {
	switch t {
	case usbdev.TransferTypeControl:
		return TransferControl
	case usbdev.TransferTypeIsochronous:
		return TransferISO
	case usbdev.TransferTypeBulk:
		return TransferBulk
	case usbdev.TransferTypeInterrupt:
		return TransferInterrupt
	default:
		return TransferInvalid
	}
}

// clearDeviceLocked cancels everything in flight and releases the device,
// without touching the disconnect/wait_disconnect bookkeeping that governs
// whether a *new* SetDevice may proceed (that's handleDisconnectLocked's
// job, called separately when the device itself goes away).
func (h *Host) clearDeviceLocked() {
	if h.driver == nil {
		return
	}
	h.cancelAllLocked(false)
	if h.claimed {
		for i := 0; i < int(h.configDesc.BNumInterfaces); i++ {
			h.driver.ReleaseInterface(i, true)
		}
	}
	h.driver.Close()
	h.driver = nil
	h.claimed = false
	h.deviceDesc = nil
	h.configDesc = nil
	h.descriptors = nil
	h.endpoints = [maxEndpoints]endpointState{}
	h.interfaces = nil
}

// Close tears the device down and marks the Host unusable; call once, when
// the redirection session itself is ending.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events != nil {
		h.events()
	}
	h.clearDeviceLocked()
	return nil
}

// Run drains driver.Events until ctx is cancelled, translating each
// completion into the matching outbound wire packet. Callers typically run
// this in its own goroutine right after SetDevice succeeds.
func (h *Host) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.events = cancel
	driver := h.driver
	h.mu.Unlock()
	if driver == nil {
		return
	}
	for ev := range driver.Events(ctx) {
		h.handleCompletion(ev.Transfer)
	}
}

func mapCompletionStatus(cs CompletionStatus) wire.Status {
	switch cs {
	case CompletionCompleted:
		return wire.StatusSuccess
	case CompletionCancelled:
		return wire.StatusCancelled
	case CompletionStall:
		return wire.StatusStall
	case CompletionNoDevice:
		return wire.StatusIOError
	case CompletionTimedOut:
		return wire.StatusTimeout
	case CompletionOverflow:
		return wire.StatusBabble
	default:
		return wire.StatusIOError
	}
}

func (h *Host) handleCompletion(t *Transfer) {
	if t.Status == CompletionNoDevice {
		h.handleDisconnect()
	}
	if t.StreamID != 0 || h.isStreamEndpoint(t.Endpoint) {
		h.completeStreamTransfer(t)
		return
	}
	h.completeOneShotTransfer(t)
}

func (h *Host) isStreamEndpoint(addr uint8) bool {
	ep := h.endpoints[epIndex(addr)]
	return ep.valid && ep.ring != nil
}

// completeOneShotTransfer finishes a control/bulk/interrupt request the
// guest submitted directly (control_packet, bulk_packet, interrupt_packet),
// removing it from the in-flight list and replying on the wire unless it
// was cancelled: CancelDataPacket has already answered it synthetically,
// and a transfer cancelled by cancelAllLocked gets no reply.
func (h *Host) completeOneShotTransfer(t *Transfer) {
	h.mu.Lock()
	elem, ok := h.byID[t.ID]
	if ok {
		h.transfers.Remove(elem)
		delete(h.byID, t.ID)
	}
	cancelled := t.Cancelled
	status := mapCompletionStatus(t.Status)
	if cancelled && h.cancelsPending > 0 {
		h.cancelsPending--
	}
	h.mu.Unlock()

	if cancelled {
		return
	}

	switch t.Type {
	case TransferControl:
		hdr := wire.ControlPacketHeader{
			Endpoint: t.header.endpoint, RequestType: t.header.requestType, Request: t.header.request,
			Status: uint8(status), Value: t.header.value, Index: t.header.index, Length: uint16(t.ActualLength),
		}
		var data []byte
		if t.header.endpoint&0x80 != 0 {
			data = t.Buffer[:t.ActualLength]
		}
		h.parser.SendControlPacket(t.ID, hdr, data)
	case TransferBulk:
		var data []byte
		if t.Endpoint&0x80 != 0 {
			data = t.Buffer[:t.ActualLength]
		}
		h.parser.SendBulkPacket(t.ID, t.Endpoint, uint8(status), t.StreamID, data)
	case TransferInterrupt:
		hdr := wire.InterruptPacketHeader{Endpoint: t.Endpoint, Status: uint8(status), Length: uint16(t.ActualLength)}
		var data []byte
		if t.Endpoint&0x80 != 0 {
			data = t.Buffer[:t.ActualLength]
		}
		h.parser.SendInterruptPacket(t.ID, hdr, data)
	}
}

// handleDisconnect reports a vanished device to the guest exactly once. If
// both sides negotiated device_disconnect_ack, further SetDevice calls for
// a *new* device are held off until the guest acknowledges, so the guest
// never sees a device_connect racing its own pending device_disconnect.
func (h *Host) handleDisconnect() {
	h.disconnectMu.Lock()
	defer h.disconnectMu.Unlock()
	if h.disconnected {
		return
	}
	h.disconnected = true
	h.parser.SendDeviceDisconnect()
	if h.parser.PeerHasCap(wire.CapDeviceDisconnectAck) {
		h.waitDisconnect = true
	}
}

// DeviceDisconnectAck implements codec.Sink: the guest has finished
// processing our device_disconnect, so a deferred reconnect may proceed.
func (h *Host) DeviceDisconnectAck() {
	h.disconnectMu.Lock()
	h.waitDisconnect = false
	h.disconnectMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pendingAdvertise {
		h.pendingAdvertise = false
		h.disconnected = false
		h.advertiseLocked()
	}
}

// Reset implements codec.Sink (wire "reset"): cancel everything in flight
// and issue a real device reset, unless the device is reset-blacklisted.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.driver == nil || h.disconnected {
		return
	}
	h.cancelAllLocked(true)
	if isResetBlacklisted(h.deviceDesc.IDVendor, h.deviceDesc.IDProduct) {
		return
	}
	if err := h.driver.Reset(); err != nil {
		h.handleDisconnect()
	}
}

// SetConfiguration implements codec.Sink. Non-goal: multi-configuration
// devices are rare in practice and this engine, like its upstream
// counterpart, assumes there is exactly one to (re)select — it still
// cancels in-flight work, re-claims every interface and rebuilds the
// endpoint table as if the configuration had genuinely changed.
func (h *Host) SetConfiguration(id uint64, hdr wire.SetConfigurationHeader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.driver == nil {
		h.parser.SendConfigurationStatus(id, wire.ConfigurationStatusHeader{Status: uint8(wire.StatusIOError)})
		return
	}
	h.cancelAllLocked(true)

	status := wire.StatusSuccess
	if err := h.driver.SetConfiguration(int(hdr.Configuration)); err != nil {
		status = wire.StatusStall
	} else {
		for i := 0; i < int(h.configDesc.BNumInterfaces); i++ {
			if err := h.driver.ClaimInterface(i); err != nil {
				h.handleDisconnect()
				return
			}
		}
		h.altSettings = make(map[uint8]uint8)
		h.rebuildEndpointTableLocked()
		h.advertiseLocked()
	}
	h.parser.SendConfigurationStatus(id, wire.ConfigurationStatusHeader{Status: uint8(status), Configuration: hdr.Configuration})
}

// GetConfiguration implements codec.Sink. The only configuration this
// engine ever selects is the one already active, so it's always reported.
func (h *Host) GetConfiguration(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg := uint8(0)
	if h.configDesc != nil {
		cfg = h.configDesc.BConfigurationValue
	}
	h.parser.SendConfigurationStatus(id, wire.ConfigurationStatusHeader{Status: uint8(wire.StatusSuccess), Configuration: cfg})
}

// SetAltSetting implements codec.Sink: cancel pending work on the affected
// interface, switch it, and rebuild just that interface's endpoint slots.
func (h *Host) SetAltSetting(id uint64, hdr wire.SetAltSettingHeader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.driver == nil {
		h.parser.SendAltSettingStatus(id, wire.AltSettingStatusHeader{Status: uint8(wire.StatusIOError)})
		return
	}
	h.cancelInterfaceLocked(hdr.Interface)

	status := wire.StatusSuccess
	if err := h.driver.SetAltSetting(int(hdr.Interface), int(hdr.Alt)); err != nil {
		status = wire.StatusStall
	} else {
		h.altSettings[hdr.Interface] = hdr.Alt
		rebuildInterfaceSlots(&h.endpoints, h.descriptors, hdr.Interface, hdr.Alt)
		h.parser.SendEPInfo(h.epInfoHeaderLocked())
	}
	h.parser.SendAltSettingStatus(id, wire.AltSettingStatusHeader{Status: uint8(status), Interface: hdr.Interface, Alt: hdr.Alt})
}

// GetAltSetting implements codec.Sink.
func (h *Host) GetAltSetting(id uint64, hdr wire.GetAltSettingHeader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parser.SendAltSettingStatus(id, wire.AltSettingStatusHeader{
		Status: uint8(wire.StatusSuccess), Interface: hdr.Interface, Alt: h.altSettings[hdr.Interface],
	})
}

// FilterReject/FilterFilter implement codec.Sink; hostengine's own role is
// limited to the receiving side of set_device's filter advisory. Received
// rules are discarded; neither hostengine nor cmd/usbredirect checks a
// device against them.
func (h *Host) FilterReject() {}
func (h *Host) FilterFilter(rules []filter.Rule) {}

// Hello needs no handling here: the Parser itself records the peer's
// capabilities (PeerHasCap). InterfaceInfo/EPInfo/DeviceConnect/
// DeviceDisconnect and the various *Status messages travel host-to-guest
// only; a well-behaved guest never sends them to a host, so these are
// no-ops rather than errors.
func (h *Host) Hello(string, wire.CapSet)                                           {}
func (h *Host) DeviceConnect(wire.DeviceConnectHeader)                              {}
func (h *Host) DeviceDisconnect()                                                   {}
func (h *Host) InterfaceInfo(wire.InterfaceInfoHeader)                              {}
func (h *Host) EPInfo(wire.EPInfoHeader)                                            {}
func (h *Host) ConfigurationStatus(uint64, wire.ConfigurationStatusHeader)          {}
func (h *Host) AltSettingStatus(uint64, wire.AltSettingStatusHeader)                {}
func (h *Host) IsoStreamStatus(uint64, wire.IsoStreamStatusHeader)                  {}
func (h *Host) InterruptReceivingStatus(uint64, wire.InterruptReceivingStatusHeader) {}
func (h *Host) BulkStreamsStatus(uint64, wire.BulkStreamsStatusHeader)              {}
func (h *Host) BulkReceivingStatus(uint64, wire.BulkReceivingStatusHeader)          {}

// ControlPacket implements codec.Sink: submits a one-shot control transfer,
// special-casing CLEAR_FEATURE(ENDPOINT_HALT) as a real ClearHalt rather
// than a forwarded transfer, since only the kernel's halt bit actually
// needs clearing — the device saw no such request over the wire.
func (h *Host) ControlPacket(id uint64, hdr wire.ControlPacketHeader, data []byte) {
	h.mu.Lock()
	if h.driver == nil || h.disconnected {
		h.mu.Unlock()
		h.parser.SendControlPacket(id, withControlStatus(hdr, wire.StatusIOError), nil)
		return
	}
	ep := h.endpoints[epIndex(hdr.Endpoint)]
	if !ep.valid || ep.transfer != usbdev.TransferTypeControl {
		h.mu.Unlock()
		h.parser.SendControlPacket(id, withControlStatus(hdr, wire.StatusStall), nil)
		return
	}
	if hdr.RequestType&0x1F == 0x02 /* recipient: endpoint */ && hdr.Request == 0x01 /* CLEAR_FEATURE */ && hdr.Value == 0 {
		driver := h.driver
		h.mu.Unlock()
		status := wire.StatusSuccess
		if err := driver.ClearHalt(uint8(hdr.Index)); err != nil {
			status = wire.StatusStall
		}
		h.parser.SendControlPacket(id, withControlStatus(hdr, status), nil)
		return
	}

	t := &Transfer{
		ID: id, Endpoint: hdr.Endpoint, Type: TransferControl,
		header: transferHeader{endpoint: hdr.Endpoint, requestType: hdr.RequestType, request: hdr.Request, value: hdr.Value, index: hdr.Index},
	}
	if hdr.Endpoint&0x80 != 0 {
		t.Buffer = make([]byte, hdr.Length)
	} else {
		t.Buffer = data
	}
	elem := h.transfers.PushBack(t)
	h.byID[id] = elem
	driver := h.driver
	h.mu.Unlock()

	if err := driver.Submit(t); err != nil {
		h.mu.Lock()
		h.transfers.Remove(elem)
		delete(h.byID, id)
		h.mu.Unlock()
		h.parser.SendControlPacket(id, withControlStatus(hdr, wire.StatusStall), nil)
	}
}

func withControlStatus(hdr wire.ControlPacketHeader, status wire.Status) wire.ControlPacketHeader {
	hdr.Status = uint8(status)
	hdr.Length = 0
	return hdr
}

// BulkPacket implements codec.Sink for one-shot (non-streaming) bulk
// transfers; bulk reads/writes set up via alloc_bulk_streams/start_bulk_
// receiving are handled by the stream machinery in stream.go instead.
func (h *Host) BulkPacket(id uint64, endpoint uint8, status wire.Status, streamID uint32, data []byte) {
	h.mu.Lock()
	if h.driver == nil || h.disconnected {
		h.mu.Unlock()
		h.parser.SendBulkPacket(id, endpoint, uint8(wire.StatusIOError), streamID, nil)
		return
	}
	ep := h.endpoints[epIndex(endpoint)]
	if !ep.valid || ep.transfer != usbdev.TransferTypeBulk {
		h.mu.Unlock()
		h.parser.SendBulkPacket(id, endpoint, uint8(wire.StatusStall), streamID, nil)
		return
	}

	t := &Transfer{ID: id, Endpoint: endpoint, Type: TransferBulk, StreamID: streamID}
	if endpoint&0x80 != 0 {
		t.Buffer = make([]byte, cap(data))
		if len(data) > 0 {
			copy(t.Buffer, data)
		}
	} else {
		t.Buffer = data
	}
	elem := h.transfers.PushBack(t)
	h.byID[id] = elem
	driver := h.driver
	h.mu.Unlock()

	if err := driver.Submit(t); err != nil {
		h.mu.Lock()
		h.transfers.Remove(elem)
		delete(h.byID, id)
		h.mu.Unlock()
		h.parser.SendBulkPacket(id, endpoint, uint8(wire.StatusStall), streamID, nil)
	}
}

// CancelDataPacket implements codec.Sink: cancels a still-pending one-shot
// transfer and synthesizes its cancelled reply immediately, since the
// driver-level cancel only guarantees the real completion won't be
// reported back to the guest (completeOneShotTransfer checks Cancelled and
// stays silent).
func (h *Host) CancelDataPacket(id uint64) {
	h.mu.Lock()
	elem, ok := h.byID[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	t := elem.Value.(*Transfer)
	t.Cancelled = true
	driver := h.driver
	h.mu.Unlock()

	if driver != nil {
		driver.Cancel(t)
	}

	switch t.Type {
	case TransferControl:
		hdr := wire.ControlPacketHeader{
			Endpoint: t.header.endpoint, RequestType: t.header.requestType, Request: t.header.request,
			Value: t.header.value, Index: t.header.index, Status: uint8(wire.StatusCancelled),
		}
		h.parser.SendControlPacket(t.ID, hdr, nil)
	case TransferBulk:
		h.parser.SendBulkPacket(t.ID, t.Endpoint, uint8(wire.StatusCancelled), t.StreamID, nil)
	case TransferInterrupt:
		h.parser.SendInterruptPacket(t.ID, wire.InterruptPacketHeader{Endpoint: t.Endpoint, Status: uint8(wire.StatusCancelled)}, nil)
	}
}

// cancelAllLocked cancels every in-flight one-shot transfer and every
// active stream, used by reset/set_configuration/Close. When notifyGuest
// is set, each stream that was running gets a success stream-status
// reply, the same one a guest-requested stop produces.
func (h *Host) cancelAllLocked(notifyGuest bool) {
	for i := range h.endpoints {
		if h.endpoints[i].ring != nil {
			h.stopStreamLocked(uint8(i), notifyGuest)
		}
	}
	for e := h.transfers.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transfer)
		if !t.Cancelled {
			t.Cancelled = true
			h.cancelsPending++
			if h.driver != nil {
				h.driver.Cancel(t)
			}
		}
	}
}

// cancelInterfaceLocked cancels in-flight work scoped to one interface,
// used by set_alt_setting so unrelated interfaces keep running undisturbed.
func (h *Host) cancelInterfaceLocked(iface uint8) {
	for i := range h.endpoints {
		ep := &h.endpoints[i]
		if ep.valid && ep.iface == iface && ep.ring != nil {
			h.stopStreamLocked(uint8(i), true)
		}
	}
	for e := h.transfers.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transfer)
		if h.endpoints[epIndex(t.Endpoint)].iface == iface && !t.Cancelled {
			t.Cancelled = true
			if h.driver != nil {
				h.driver.Cancel(t)
			}
		}
	}
}
