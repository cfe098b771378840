package hostengine

import (
	"fmt"
	"time"

	"github.com/daedaluz/usbredir/wire"
	"golang.org/x/time/rate"
)

const (
	maxPacketsPerTransfer = 32
	maxTransferCount      = 16
	interruptTransferCount = 5
)

// transferRing is a continuously-resubmitted run of Transfers on one IN
// endpoint (isochronous, interrupt, or buffered-bulk receiving all share
// this shape): a fixed pool of in-flight buffers that, as each completes,
// gets reported to the guest and resubmitted so the pipe never idles.
type transferRing struct {
	kind           TransferType
	pktsPerTransfer uint8
	transferCount  uint8
	pktSize        int
	started        bool
	warnOnDrop     bool
	pending        map[uint64]*Transfer
	nextID         uint64

	isoHigher, isoLower uint64
	isoDropping         bool

	// dropLimiter/isoDropLimiter throttle the repeat log lines below the
	// initial one-shot warning to at most one per second each, so a guest
	// connection stuck below the backlog threshold for seconds at a time
	// doesn't flood the log at packet rate.
	dropLimiter    *rate.Limiter
	isoDropLimiter *rate.Limiter
}

func (h *Host) setIsoThresholdLocked(r *transferRing, maxPacketSize uint16) {
	reference := uint64(r.pktsPerTransfer) * uint64(r.transferCount) * uint64(maxPacketSize)
	r.isoLower = reference / 2
	r.isoHigher = reference * 3
}

// allocStreamLocked validates and installs a transferRing on ep, submitting
// its initial buffers immediately since every stream type this engine
// supports is guest-receive-only (there is no "OUT stream" direction here,
// unlike the reference implementation's bulk-out buffering).
// pktSizeOverride, when non-zero, replaces the endpoint's own max packet
// size as the per-buffer size (buffered bulk receiving picks its own
// transfer size rather than using the bulk endpoint's wMaxPacketSize).
func (h *Host) allocStreamLocked(id uint64, ep uint8, kind TransferType, pktsPerTransfer, transferCount uint8, pktSizeOverride int) wire.Status {
	if h.driver == nil || h.disconnected {
		return wire.StatusIOError
	}
	idx := epIndex(ep)
	epState := h.endpoints[idx]
	if !epState.valid || wireTransferType(epState.transfer) != kind {
		return wire.StatusInval
	}
	if pktsPerTransfer < 1 || pktsPerTransfer > maxPacketsPerTransfer ||
		transferCount < 1 || transferCount > maxTransferCount ||
		epState.maxPacket == 0 {
		return wire.StatusInval
	}
	if h.endpoints[idx].ring != nil {
		return wire.StatusInval
	}

	pktSize := int(epState.maxPacket)
	if pktSizeOverride > 0 {
		pktSize = pktSizeOverride
	}
	if pktSize%int(epState.maxPacket) != 0 {
		return wire.StatusInval
	}
	r := &transferRing{
		kind: kind, pktsPerTransfer: pktsPerTransfer, transferCount: transferCount,
		pktSize: pktSize, warnOnDrop: true, pending: make(map[uint64]*Transfer),
		dropLimiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		isoDropLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	if kind == TransferISO {
		h.setIsoThresholdLocked(r, epState.maxPacket)
	}
	h.endpoints[idx].ring = r

	if ep&0x80 != 0 {
		h.startStreamLocked(idx)
	}
	return wire.StatusSuccess
}

// startStreamLocked submits transferCount fresh buffers on an IN stream
// endpoint; each carries a synthetic, ring-local id so completions can be
// matched back to this ring without colliding with one-shot transfer ids.
func (h *Host) startStreamLocked(idx int) {
	epState := &h.endpoints[idx]
	r := epState.ring
	if r == nil || r.started {
		return
	}
	for i := uint8(0); i < r.transferCount; i++ {
		t := &Transfer{
			ID: r.nextID, Endpoint: epState.address, Type: r.kind,
			Buffer: make([]byte, r.pktSize*int(r.pktsPerTransfer)),
		}
		r.nextID++
		r.pending[t.ID] = t
		if err := h.driver.Submit(t); err != nil {
			delete(r.pending, t.ID)
		}
	}
	r.started = true
}

// stopStreamLocked cancels every outstanding buffer on ep's ring and
// removes the ring; notifyGuest reports a success status, matching
// usbredirhost's stop_stream behavior (stopping is never itself an error).
func (h *Host) stopStreamLocked(epIdx uint8, notifyGuest bool) {
	idx := int(epIdx)
	epState := &h.endpoints[idx]
	r := epState.ring
	if r == nil {
		return
	}
	for _, t := range r.pending {
		if h.driver != nil {
			h.driver.Cancel(t)
		}
	}
	epState.ring = nil
	if notifyGuest {
		h.sendStreamStatusLocked(epState.address, wire.StatusSuccess)
	}
}

func (h *Host) sendStreamStatusLocked(ep uint8, status wire.Status) {
	kind := wireTransferType(h.endpoints[epIndex(ep)].transfer)
	switch kind {
	case TransferISO:
		h.parser.SendIsoStreamStatus(0, wire.IsoStreamStatusHeader{Status: uint8(status), Endpoint: ep})
	case TransferInterrupt:
		h.parser.SendInterruptReceivingStatus(0, wire.InterruptReceivingStatusHeader{Status: uint8(status), Endpoint: ep})
	case TransferBulk:
		h.parser.SendBulkReceivingStatus(0, wire.BulkReceivingStatusHeader{Status: uint8(status), Endpoint: ep})
	}
}

// completeStreamTransfer is the event-loop half of the stream machinery: it
// reports the finished buffer (subject to the global 800-packet and, for
// iso, the isoHigher/isoLower backpressure thresholds) and, if the ring is
// still running, resubmits a fresh buffer in its place.
func (h *Host) completeStreamTransfer(t *Transfer) {
	h.mu.Lock()
	idx := epIndex(t.Endpoint)
	epState := &h.endpoints[idx]
	r := epState.ring
	if r == nil {
		h.mu.Unlock()
		return
	}
	delete(r.pending, t.ID)

	if t.Status == CompletionCancelled {
		h.mu.Unlock()
		return
	}
	if t.Status == CompletionStall {
		h.mu.Unlock()
		h.stopStreamWithStatus(uint8(idx), wire.StatusStall)
		return
	}

	status := mapCompletionStatus(t.Status)
	data := t.Buffer[:t.ActualLength]

	// USB-2 tops out near 8000 packets/sec; more than 0.1s of backlog means
	// the guest connection isn't keeping up, so drop rather than pile up.
	if h.parser.HasDataToWrite() {
		if sz := h.outputSize(); sz > 800*uint64(r.pktSize) {
			if r.warnOnDrop {
				r.warnOnDrop = false
				h.log().WithField("endpoint", fmt.Sprintf("0x%02x", t.Endpoint)).
					Warn("output backlog past limit, dropping stream packets")
			} else if r.dropLimiter.Allow() {
				h.log().WithField("endpoint", fmt.Sprintf("0x%02x", t.Endpoint)).
					Debug("still dropping stream packets, output backlog has not recovered")
			}
			h.resubmitStreamBufferLocked(idx, t)
			h.mu.Unlock()
			return
		}
	}

	send := true
	if r.kind == TransferISO {
		send = h.canWriteIsoPacketLocked(r)
	}
	h.resubmitStreamBufferLocked(idx, t)
	h.mu.Unlock()

	if !send {
		return
	}
	switch r.kind {
	case TransferISO:
		h.parser.SendIsoPacket(t.ID, wire.IsoPacketHeader{Endpoint: t.Endpoint, Status: uint8(status), Length: uint16(len(data))}, data)
	case TransferInterrupt:
		h.parser.SendInterruptPacket(t.ID, wire.InterruptPacketHeader{Endpoint: t.Endpoint, Status: uint8(status), Length: uint16(len(data))}, data)
	case TransferBulk:
		h.parser.SendBufferedBulkPacket(t.ID, wire.BufferedBulkPacketHeader{Endpoint: t.Endpoint, Status: uint8(status), Length: uint32(len(data))}, data)
	}
}

func (h *Host) canWriteIsoPacketLocked(r *transferRing) bool {
	size := h.outputSize()
	if size >= r.isoHigher {
		if !r.isoDropping && r.isoDropLimiter.Allow() {
			h.log().Debug("iso output backlog past high watermark, dropping packets until it drains")
		}
		r.isoDropping = true
	} else if size < r.isoLower {
		r.isoDropping = false
	}
	return !r.isoDropping
}

func (h *Host) resubmitStreamBufferLocked(idx int, old *Transfer) {
	epState := &h.endpoints[idx]
	r := epState.ring
	if r == nil || !r.started {
		return
	}
	t := &Transfer{ID: old.ID, Endpoint: epState.address, Type: r.kind, Buffer: old.Buffer[:cap(old.Buffer)]}
	r.pending[t.ID] = t
	if h.driver != nil {
		if err := h.driver.Submit(t); err != nil {
			delete(r.pending, t.ID)
		}
	}
}

func (h *Host) stopStreamWithStatus(epIdx uint8, status wire.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep := h.endpoints[epIdx].address
	h.stopStreamLocked(epIdx, false)
	h.sendStreamStatusLocked(ep, status)
}

// StartIsoStream implements codec.Sink.
func (h *Host) StartIsoStream(id uint64, hdr wire.StartIsoStreamHeader) {
	h.mu.Lock()
	status := h.allocStreamLocked(id, hdr.Endpoint, TransferISO, hdr.PktsPerUrb, hdr.NoUrbs, 0)
	h.mu.Unlock()
	h.parser.SendIsoStreamStatus(id, wire.IsoStreamStatusHeader{Status: uint8(status), Endpoint: hdr.Endpoint})
}

// StopIsoStream implements codec.Sink.
func (h *Host) StopIsoStream(id uint64, hdr wire.StopIsoStreamHeader) {
	h.mu.Lock()
	h.stopStreamLocked(uint8(epIndex(hdr.Endpoint)), false)
	h.mu.Unlock()
	h.parser.SendIsoStreamStatus(id, wire.IsoStreamStatusHeader{Status: uint8(wire.StatusSuccess), Endpoint: hdr.Endpoint})
}

// StartInterruptReceiving implements codec.Sink.
func (h *Host) StartInterruptReceiving(id uint64, hdr wire.StartInterruptReceivingHeader) {
	h.mu.Lock()
	status := h.allocStreamLocked(id, hdr.Endpoint, TransferInterrupt, 1, interruptTransferCount, 0)
	h.mu.Unlock()
	h.parser.SendInterruptReceivingStatus(id, wire.InterruptReceivingStatusHeader{Status: uint8(status), Endpoint: hdr.Endpoint})
}

// StopInterruptReceiving implements codec.Sink.
func (h *Host) StopInterruptReceiving(id uint64, hdr wire.StopInterruptReceivingHeader) {
	h.mu.Lock()
	h.stopStreamLocked(uint8(epIndex(hdr.Endpoint)), false)
	h.mu.Unlock()
	h.parser.SendInterruptReceivingStatus(id, wire.InterruptReceivingStatusHeader{Status: uint8(wire.StatusSuccess), Endpoint: hdr.Endpoint})
}

// StartBulkReceiving implements codec.Sink: buffered bulk receiving uses
// the same ring machinery as iso/interrupt, just without the iso
// backpressure thresholds.
func (h *Host) StartBulkReceiving(id uint64, hdr wire.StartBulkReceivingHeader) {
	h.mu.Lock()
	status := h.allocStreamLocked(id, hdr.Endpoint, TransferBulk, 1, hdr.NoTransfers, int(hdr.BytesPerTransfer))
	h.mu.Unlock()
	h.parser.SendBulkReceivingStatus(id, wire.BulkReceivingStatusHeader{Status: uint8(status), Endpoint: hdr.Endpoint, BytesPerTransfer: hdr.BytesPerTransfer})
}

// StopBulkReceiving implements codec.Sink.
func (h *Host) StopBulkReceiving(id uint64, hdr wire.StopBulkReceivingHeader) {
	h.mu.Lock()
	h.stopStreamLocked(uint8(epIndex(hdr.Endpoint)), false)
	h.mu.Unlock()
	h.parser.SendBulkReceivingStatus(id, wire.BulkReceivingStatusHeader{Status: uint8(wire.StatusSuccess), Endpoint: hdr.Endpoint})
}

// AllocBulkStreams/FreeBulkStreams implement codec.Sink. Real USB3 bulk
// streams are a hardware feature (usbfs's alloc_streams ioctl, wired in
// usbdev/usbfs). These handlers only acknowledge the request with success;
// no streams are allocated or freed on the device, linuxusb allocates none
// either, and ep_info reports max_streams as 0 for every endpoint.
func (h *Host) AllocBulkStreams(id uint64, hdr wire.AllocBulkStreamsHeader) {
	h.parser.SendBulkStreamsStatus(id, wire.BulkStreamsStatusHeader{Status: uint8(wire.StatusSuccess), Endpoint: hdr.Endpoint, NoStreams: hdr.NoStreams})
}

// FreeBulkStreams implements codec.Sink.
func (h *Host) FreeBulkStreams(id uint64, hdr wire.FreeBulkStreamsHeader) {
	h.parser.SendBulkStreamsStatus(id, wire.BulkStreamsStatusHeader{Status: uint8(wire.StatusSuccess), Endpoint: hdr.Endpoint})
}
