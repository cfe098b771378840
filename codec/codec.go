// Package codec implements the usbredir wire framing: capability
// negotiation, the resumable packet reader, the outbound write queue and
// snapshot serialization. It has no opinion about what a message means —
// that's up to whatever Sink the caller hands to Parser.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/daedaluz/usbredir/filter"
	"github.com/daedaluz/usbredir/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Role says whether this side of the connection is the USB host (the
// component attached to the real device) or the guest (the component
// presenting a virtual device). It only affects which message types are
// legal to send/receive and the device_disconnect_ack auto-response.
type Role int

const (
	RoleGuest Role = iota
	RoleHost
)

// Sink receives decoded messages as Feed parses them off the wire. Each
// method corresponds to one wire.Type; this mirrors the one-callback-per-
// packet-type shape of the protocol it implements rather than funnelling
// everything through a single generic dispatch.
type Sink interface {
	Hello(version string, peerCaps wire.CapSet)
	DeviceConnect(hdr wire.DeviceConnectHeader)
	DeviceDisconnect()
	DeviceDisconnectAck()
	Reset()
	InterfaceInfo(hdr wire.InterfaceInfoHeader)
	EPInfo(hdr wire.EPInfoHeader)
	SetConfiguration(id uint64, hdr wire.SetConfigurationHeader)
	GetConfiguration(id uint64)
	ConfigurationStatus(id uint64, hdr wire.ConfigurationStatusHeader)
	SetAltSetting(id uint64, hdr wire.SetAltSettingHeader)
	GetAltSetting(id uint64, hdr wire.GetAltSettingHeader)
	AltSettingStatus(id uint64, hdr wire.AltSettingStatusHeader)
	StartIsoStream(id uint64, hdr wire.StartIsoStreamHeader)
	StopIsoStream(id uint64, hdr wire.StopIsoStreamHeader)
	IsoStreamStatus(id uint64, hdr wire.IsoStreamStatusHeader)
	StartInterruptReceiving(id uint64, hdr wire.StartInterruptReceivingHeader)
	StopInterruptReceiving(id uint64, hdr wire.StopInterruptReceivingHeader)
	InterruptReceivingStatus(id uint64, hdr wire.InterruptReceivingStatusHeader)
	AllocBulkStreams(id uint64, hdr wire.AllocBulkStreamsHeader)
	FreeBulkStreams(id uint64, hdr wire.FreeBulkStreamsHeader)
	BulkStreamsStatus(id uint64, hdr wire.BulkStreamsStatusHeader)
	CancelDataPacket(id uint64)
	FilterReject()
	FilterFilter(rules []filter.Rule)
	StartBulkReceiving(id uint64, hdr wire.StartBulkReceivingHeader)
	StopBulkReceiving(id uint64, hdr wire.StopBulkReceivingHeader)
	BulkReceivingStatus(id uint64, hdr wire.BulkReceivingStatusHeader)
	ControlPacket(id uint64, hdr wire.ControlPacketHeader, data []byte)
	BulkPacket(id uint64, endpoint uint8, status wire.Status, streamID uint32, data []byte)
	IsoPacket(id uint64, hdr wire.IsoPacketHeader, data []byte)
	InterruptPacket(id uint64, hdr wire.InterruptPacketHeader, data []byte)
	BufferedBulkPacket(id uint64, hdr wire.BufferedBulkPacketHeader, data []byte)
}

// writeBuf is one queued outbound chunk; Parser keeps these as a singly
// linked list rather than a slice so Write can drain the front without
// shifting the remainder.
type writeBuf struct {
	buf  []byte
	pos  int
	next *writeBuf
}

// Parser is one end of a usbredir-shaped session: it frames bytes off the
// wire into Sink callbacks, and frames outbound Send* calls into bytes for
// the caller to write out. A Parser is safe for concurrent Send* calls and
// concurrent Feed/Write calls, but Feed itself must not be called
// concurrently with itself (nor Write with itself).
type Parser struct {
	mu   sync.Mutex
	sink Sink
	role Role

	ourCaps  wire.CapSet
	peerCaps wire.CapSet
	haveHello bool
	version   string

	sessionID string
	logger    logrus.FieldLogger

	writeHead *writeBuf
	writeTail *writeBuf
	writeCount int
	writeSize  uint64

	// partial-read state, mirrors the C struct field for field.
	headerBuf      [16]byte
	headerRead     int
	typeHeader     [wire.MaxTypeHeaderLen]byte
	typeHeaderLen  int
	typeHeaderRead int
	curType        wire.Type
	curLength      uint32
	curID          uint64
	data           []byte
	dataRead       int
	toSkip         int
}

// NewParser builds a Parser for role, advertising ourCaps, and immediately
// queues the hello packet (version truncated/padded to 63 bytes + NUL, the
// same field width the wire format reserves).
func NewParser(role Role, version string, ourCaps wire.CapSet, sink Sink) *Parser {
	p := &Parser{role: role, ourCaps: ourCaps, sink: sink, sessionID: uuid.NewString()}
	if role == RoleHost {
		p.ourCaps.Set(wire.CapDeviceDisconnectAck)
	}
	p.log().WithField("role", roleName(role)).Info("session created")
	p.sendHello(version)
	return p
}

// SetLogger attaches the logger a Parser reports handshake and capability
// events through. Without one, Parser falls back to logrus's package-level
// standard logger, the same default logrus.New() callers get.
func (p *Parser) SetLogger(logger logrus.FieldLogger) {
	p.logger = logger
}

func (p *Parser) log() logrus.FieldLogger {
	if p.logger != nil {
		return p.logger.WithField("session_id", p.sessionID)
	}
	return logrus.StandardLogger().WithField("session_id", p.sessionID)
}

func roleName(r Role) string {
	if r == RoleHost {
		return "host"
	}
	return "guest"
}

func (p *Parser) sendHello(version string) {
	var hdr wire.HelloHeader
	copy(hdr.Version[:len(hdr.Version)-1], version)
	words := p.ourCaps.Words()
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	p.queue(wire.TypeHello, 0, mustPack(hdr), data)
}

// using64BitIDs reports whether both peers negotiated Cap64BitIDs; until a
// hello has been exchanged with the peer, IDs are 32-bit.
func (p *Parser) using64BitIDs() bool {
	return p.haveHello && p.ourCaps.Has(wire.Cap64BitIDs) && p.peerCaps.Has(wire.Cap64BitIDs)
}

func (p *Parser) headerLen() int {
	if p.using64BitIDs() {
		return 16 // type(4) + length(4) + id(8)
	}
	return 12 // type(4) + length(4) + id(4)
}

// peerHasCap reports whether the peer, per the last negotiated hello, has
// advertised cap. Before any hello is received this is always false.
func (p *Parser) peerHasCap(cap wire.Cap) bool {
	return p.haveHello && p.peerCaps.Has(cap)
}

func (p *Parser) haveCap(cap wire.Cap) bool {
	return p.ourCaps.Has(cap) && p.peerHasCap(cap)
}

// verifyCaps enforces capability dependencies that the wire format itself
// doesn't encode. Right now there is exactly one: cap_bulk_streams's
// bulk_streams_status/alloc_bulk_streams headers are only meaningful once
// ep_info is already reporting max_packet_size, so advertising the former
// without the latter is a local misconfiguration, not something the peer
// can be blamed for. Call once a hello (ours or the peer's) makes ourCaps
// and peerCaps both meaningful; the offending bit is cleared from ourCaps
// rather than failing the connection, matching usbredirparser's own
// usbredirparser_verify_caps.
func (p *Parser) verifyCaps() {
	if p.ourCaps.Has(wire.CapBulkStreams) && !p.ourCaps.Has(wire.CapEPInfoMaxPacketSize) {
		p.ourCaps.Clear(wire.CapBulkStreams)
		p.log().Warn("cap_bulk_streams requires cap_ep_info_max_packet_size, clearing it locally")
	}
}

// PeerHasCap reports whether the peer, per the last negotiated hello, has
// advertised cap. hostengine uses this to decide whether device_disconnect
// needs an acknowledgement wait or can be treated as already settled.
func (p *Parser) PeerHasCap(cap wire.Cap) bool {
	return p.peerHasCap(cap)
}

// IDWidth returns the width in bytes of the packet id field that headerLen
// folds into a message's fixed header: 8 once both peers have negotiated
// cap_64bit_ids, 4 otherwise.
func (p *Parser) IDWidth() int {
	if p.using64BitIDs() {
		return 8
	}
	return 4
}

// HeaderLen returns the negotiated fixed header size in bytes (type, length,
// and id), the same fields on every wire message regardless of its type.
func (p *Parser) HeaderLen() int {
	return p.headerLen()
}

// TypeHeaderLen returns the negotiated sub-header size for t. send is
// accepted for symmetry with usbredirparser_get_type_header_len, which
// distinguishes read and write sizes during a version transition, but
// capabilities here are always negotiated as the intersection of both
// peers' sets before either side sends, so the size a sender writes and
// a receiver expects never diverge; send is otherwise unused.
func (p *Parser) TypeHeaderLen(t wire.Type, send bool) int {
	_ = send
	return p.typeHeaderLength(t)
}

// Feed hands buf to the parser's framing state machine, invoking Sink
// callbacks for every complete packet found. It returns the number of
// bytes consumed, which is len(buf) unless a framing error (an oversized
// packet, or a length that does not fit its type) is detected: Feed then
// stops and returns the bytes consumed so far together with the error.
// The offending packet's declared length is recorded and drained by the
// following Feed calls before parsing resumes, so a framing error is not
// fatal to the connection.
func (p *Parser) Feed(buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		if p.toSkip > 0 {
			n := p.toSkip
			if n > len(buf) {
				n = len(buf)
			}
			buf = buf[n:]
			total += n
			p.toSkip -= n
			continue
		}

		switch {
		case p.headerRead < p.headerLen():
			n := copy(p.headerBuf[p.headerRead:p.headerLen()], buf)
			p.headerRead += n
			buf = buf[n:]
			total += n
			if p.headerRead == p.headerLen() {
				if err := p.onHeaderComplete(); err != nil {
					return total, err
				}
			}
		case p.typeHeaderRead < p.typeHeaderLen:
			n := copy(p.typeHeader[p.typeHeaderRead:p.typeHeaderLen], buf)
			p.typeHeaderRead += n
			buf = buf[n:]
			total += n
		default:
			n := copy(p.data[p.dataRead:], buf)
			p.dataRead += n
			buf = buf[n:]
			total += n
		}
		// A packet is complete once all three phases are; packets with no
		// type header or no payload complete on the bytes of an earlier phase.
		if p.headerRead == p.headerLen() && p.typeHeaderRead == p.typeHeaderLen && p.dataRead == len(p.data) {
			p.dispatch()
			p.resetFrame()
		}
	}
	return total, nil
}

func (p *Parser) onHeaderComplete() error {
	if p.using64BitIDs() {
		p.curType = wire.Type(binary.LittleEndian.Uint32(p.headerBuf[0:4]))
		p.curLength = binary.LittleEndian.Uint32(p.headerBuf[4:8])
		p.curID = binary.LittleEndian.Uint64(p.headerBuf[8:16])
	} else {
		p.curType = wire.Type(binary.LittleEndian.Uint32(p.headerBuf[0:4]))
		p.curLength = binary.LittleEndian.Uint32(p.headerBuf[4:8])
		p.curID = uint64(binary.LittleEndian.Uint32(p.headerBuf[8:12]))
	}

	if p.curLength > wire.MaxPacketSize {
		p.toSkip = int(p.curLength)
		p.headerRead = 0
		return fmt.Errorf("codec: packet length %d exceeds %d", p.curLength, wire.MaxPacketSize)
	}

	typeLen := p.typeHeaderLength(p.curType)
	expectData := p.expectExtraData(p.curType)
	if typeLen < 0 || int(p.curLength) < typeLen || (int(p.curLength) > typeLen && !expectData) {
		p.toSkip = int(p.curLength)
		p.headerRead = 0
		return fmt.Errorf("codec: invalid length %d for type %s", p.curLength, p.curType)
	}

	p.typeHeaderLen = typeLen
	p.data = make([]byte, int(p.curLength)-typeLen)
	return nil
}

func (p *Parser) resetFrame() {
	p.headerRead = 0
	p.typeHeaderLen = 0
	p.typeHeaderRead = 0
	p.data = nil
	p.dataRead = 0
}

// expectExtraData says whether curType is allowed to carry a variable-size
// payload beyond its fixed type header.
func (p *Parser) expectExtraData(t wire.Type) bool {
	switch t {
	case wire.TypeHello, wire.TypeFilterFilter, wire.TypeControlPacket,
		wire.TypeBulkPacket, wire.TypeIsoPacket, wire.TypeInterruptPacket,
		wire.TypeBufferedBulkPacket:
		return true
	default:
		return false
	}
}

func (p *Parser) dispatch() {
	th := p.typeHeader[:p.typeHeaderLen]
	id := p.curID
	switch p.curType {
	case wire.TypeHello:
		if p.haveHello {
			p.log().Warn("refusing second hello from peer")
			return
		}
		var hdr wire.HelloHeader
		mustUnpack(th, &hdr)
		words := make([]uint32, len(p.data)/4)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(p.data[i*4:])
		}
		p.peerCaps = wire.CapSetFromWords(words)
		p.haveHello = true
		p.version = cString(hdr.Version[:])
		p.verifyCaps()
		p.log().WithFields(logrus.Fields{
			"peer_version": p.version,
			"id_width":     p.IDWidth(),
		}).Info("peer hello received")
		p.sink.Hello(p.version, p.peerCaps)
	case wire.TypeDeviceConnect:
		var hdr wire.DeviceConnectHeader
		if p.haveCap(wire.CapConnectDeviceVersion) {
			mustUnpack(th, &hdr)
		} else {
			var noVer wire.DeviceConnectHeaderNoVersion
			mustUnpack(th, &noVer)
			hdr = wire.DeviceConnectHeader{
				Speed: noVer.Speed, DeviceClass: noVer.DeviceClass,
				DeviceSubclass: noVer.DeviceSubclass, DeviceProtocol: noVer.DeviceProtocol,
				VendorID: noVer.VendorID, ProductID: noVer.ProductID,
			}
		}
		p.sink.DeviceConnect(hdr)
	case wire.TypeDeviceDisconnect:
		p.sink.DeviceDisconnect()
		if p.peerHasCap(wire.CapDeviceDisconnectAck) {
			p.queue(wire.TypeDeviceDisconnectAck, 0, nil, nil)
		}
	case wire.TypeDeviceDisconnectAck:
		p.sink.DeviceDisconnectAck()
	case wire.TypeReset:
		p.sink.Reset()
	case wire.TypeInterfaceInfo:
		var hdr wire.InterfaceInfoHeader
		mustUnpack(th, &hdr)
		p.sink.InterfaceInfo(hdr)
	case wire.TypeEPInfo:
		var hdr wire.EPInfoHeader
		switch {
		case p.haveCap(wire.CapBulkStreams):
			mustUnpack(th, &hdr)
		case p.haveCap(wire.CapEPInfoMaxPacketSize):
			var v wire.EPInfoHeaderNoMaxStreams
			mustUnpack(th, &v)
			hdr.Type, hdr.Interval, hdr.Interface, hdr.MaxPacketSize = v.Type, v.Interval, v.Interface, v.MaxPacketSize
		default:
			var v wire.EPInfoHeaderNoMaxPacketSize
			mustUnpack(th, &v)
			hdr.Type, hdr.Interval, hdr.Interface = v.Type, v.Interval, v.Interface
		}
		p.sink.EPInfo(hdr)
	case wire.TypeSetConfiguration:
		var hdr wire.SetConfigurationHeader
		mustUnpack(th, &hdr)
		p.sink.SetConfiguration(id, hdr)
	case wire.TypeGetConfiguration:
		p.sink.GetConfiguration(id)
	case wire.TypeConfigurationStatus:
		var hdr wire.ConfigurationStatusHeader
		mustUnpack(th, &hdr)
		p.sink.ConfigurationStatus(id, hdr)
	case wire.TypeSetAltSetting:
		var hdr wire.SetAltSettingHeader
		mustUnpack(th, &hdr)
		p.sink.SetAltSetting(id, hdr)
	case wire.TypeGetAltSetting:
		var hdr wire.GetAltSettingHeader
		mustUnpack(th, &hdr)
		p.sink.GetAltSetting(id, hdr)
	case wire.TypeAltSettingStatus:
		var hdr wire.AltSettingStatusHeader
		mustUnpack(th, &hdr)
		p.sink.AltSettingStatus(id, hdr)
	case wire.TypeStartIsoStream:
		var hdr wire.StartIsoStreamHeader
		mustUnpack(th, &hdr)
		p.sink.StartIsoStream(id, hdr)
	case wire.TypeStopIsoStream:
		var hdr wire.StopIsoStreamHeader
		mustUnpack(th, &hdr)
		p.sink.StopIsoStream(id, hdr)
	case wire.TypeIsoStreamStatus:
		var hdr wire.IsoStreamStatusHeader
		mustUnpack(th, &hdr)
		p.sink.IsoStreamStatus(id, hdr)
	case wire.TypeStartInterruptReceiving:
		var hdr wire.StartInterruptReceivingHeader
		mustUnpack(th, &hdr)
		p.sink.StartInterruptReceiving(id, hdr)
	case wire.TypeStopInterruptReceiving:
		var hdr wire.StopInterruptReceivingHeader
		mustUnpack(th, &hdr)
		p.sink.StopInterruptReceiving(id, hdr)
	case wire.TypeInterruptReceivingStatus:
		var hdr wire.InterruptReceivingStatusHeader
		mustUnpack(th, &hdr)
		p.sink.InterruptReceivingStatus(id, hdr)
	case wire.TypeAllocBulkStreams:
		var hdr wire.AllocBulkStreamsHeader
		mustUnpack(th, &hdr)
		p.sink.AllocBulkStreams(id, hdr)
	case wire.TypeFreeBulkStreams:
		var hdr wire.FreeBulkStreamsHeader
		mustUnpack(th, &hdr)
		p.sink.FreeBulkStreams(id, hdr)
	case wire.TypeBulkStreamsStatus:
		var hdr wire.BulkStreamsStatusHeader
		mustUnpack(th, &hdr)
		p.sink.BulkStreamsStatus(id, hdr)
	case wire.TypeCancelDataPacket:
		p.sink.CancelDataPacket(id)
	case wire.TypeFilterReject:
		p.sink.FilterReject()
	case wire.TypeFilterFilter:
		rules, err := filter.Parse(cString(p.data), ",", "|")
		if err == nil {
			p.sink.FilterFilter(rules)
		}
	case wire.TypeStartBulkReceiving:
		var hdr wire.StartBulkReceivingHeader
		mustUnpack(th, &hdr)
		p.sink.StartBulkReceiving(id, hdr)
	case wire.TypeStopBulkReceiving:
		var hdr wire.StopBulkReceivingHeader
		mustUnpack(th, &hdr)
		p.sink.StopBulkReceiving(id, hdr)
	case wire.TypeBulkReceivingStatus:
		var hdr wire.BulkReceivingStatusHeader
		mustUnpack(th, &hdr)
		p.sink.BulkReceivingStatus(id, hdr)
	case wire.TypeControlPacket:
		var hdr wire.ControlPacketHeader
		mustUnpack(th, &hdr)
		p.sink.ControlPacket(id, hdr, p.data)
	case wire.TypeBulkPacket:
		endpoint, status, streamID := p.decodeBulkHeader(th)
		p.sink.BulkPacket(id, endpoint, status, streamID, p.data)
	case wire.TypeIsoPacket:
		var hdr wire.IsoPacketHeader
		mustUnpack(th, &hdr)
		p.sink.IsoPacket(id, hdr, p.data)
	case wire.TypeInterruptPacket:
		var hdr wire.InterruptPacketHeader
		mustUnpack(th, &hdr)
		p.sink.InterruptPacket(id, hdr, p.data)
	case wire.TypeBufferedBulkPacket:
		var hdr wire.BufferedBulkPacketHeader
		mustUnpack(th, &hdr)
		p.sink.BufferedBulkPacket(id, hdr, p.data)
	}
}

func (p *Parser) decodeBulkHeader(th []byte) (endpoint uint8, status wire.Status, streamID uint32) {
	if p.haveCap(wire.Cap32BitsBulkLength) {
		var hdr wire.BulkPacketHeader
		mustUnpack(th, &hdr)
		return hdr.Endpoint, wire.Status(hdr.Status), hdr.StreamID
	}
	var hdr wire.BulkPacketHeader16
	mustUnpack(th, &hdr)
	return hdr.Endpoint, wire.Status(hdr.Status), hdr.StreamID
}

// typeHeaderLength returns the negotiated fixed header size for t, or -1
// if t is not a known type. This mirrors usbredirparser_get_type_header_len:
// several types have more than one valid size depending on which
// capabilities both peers negotiated.
func (p *Parser) typeHeaderLength(t wire.Type) int {
	switch t {
	case wire.TypeHello:
		return sizeOf(wire.HelloHeader{})
	case wire.TypeDeviceConnect:
		if p.haveCap(wire.CapConnectDeviceVersion) {
			return sizeOf(wire.DeviceConnectHeader{})
		}
		return sizeOf(wire.DeviceConnectHeaderNoVersion{})
	case wire.TypeDeviceDisconnect, wire.TypeDeviceDisconnectAck, wire.TypeReset,
		wire.TypeGetConfiguration, wire.TypeCancelDataPacket, wire.TypeFilterReject:
		return 0
	case wire.TypeInterfaceInfo:
		return sizeOf(wire.InterfaceInfoHeader{})
	case wire.TypeEPInfo:
		switch {
		case p.haveCap(wire.CapBulkStreams):
			return sizeOf(wire.EPInfoHeader{})
		case p.haveCap(wire.CapEPInfoMaxPacketSize):
			return sizeOf(wire.EPInfoHeaderNoMaxStreams{})
		default:
			return sizeOf(wire.EPInfoHeaderNoMaxPacketSize{})
		}
	case wire.TypeSetConfiguration:
		return sizeOf(wire.SetConfigurationHeader{})
	case wire.TypeConfigurationStatus:
		return sizeOf(wire.ConfigurationStatusHeader{})
	case wire.TypeSetAltSetting:
		return sizeOf(wire.SetAltSettingHeader{})
	case wire.TypeGetAltSetting:
		return sizeOf(wire.GetAltSettingHeader{})
	case wire.TypeAltSettingStatus:
		return sizeOf(wire.AltSettingStatusHeader{})
	case wire.TypeStartIsoStream:
		return sizeOf(wire.StartIsoStreamHeader{})
	case wire.TypeStopIsoStream:
		return sizeOf(wire.StopIsoStreamHeader{})
	case wire.TypeIsoStreamStatus:
		return sizeOf(wire.IsoStreamStatusHeader{})
	case wire.TypeStartInterruptReceiving:
		return sizeOf(wire.StartInterruptReceivingHeader{})
	case wire.TypeStopInterruptReceiving:
		return sizeOf(wire.StopInterruptReceivingHeader{})
	case wire.TypeInterruptReceivingStatus:
		return sizeOf(wire.InterruptReceivingStatusHeader{})
	case wire.TypeAllocBulkStreams:
		return sizeOf(wire.AllocBulkStreamsHeader{})
	case wire.TypeFreeBulkStreams:
		return sizeOf(wire.FreeBulkStreamsHeader{})
	case wire.TypeBulkStreamsStatus:
		return sizeOf(wire.BulkStreamsStatusHeader{})
	case wire.TypeFilterFilter:
		return 0
	case wire.TypeStartBulkReceiving:
		return sizeOf(wire.StartBulkReceivingHeader{})
	case wire.TypeStopBulkReceiving:
		return sizeOf(wire.StopBulkReceivingHeader{})
	case wire.TypeBulkReceivingStatus:
		return sizeOf(wire.BulkReceivingStatusHeader{})
	case wire.TypeControlPacket:
		return sizeOf(wire.ControlPacketHeader{})
	case wire.TypeBulkPacket:
		if p.haveCap(wire.Cap32BitsBulkLength) {
			return sizeOf(wire.BulkPacketHeader{})
		}
		return sizeOf(wire.BulkPacketHeader16{})
	case wire.TypeIsoPacket:
		return sizeOf(wire.IsoPacketHeader{})
	case wire.TypeInterruptPacket:
		return sizeOf(wire.InterruptPacketHeader{})
	case wire.TypeBufferedBulkPacket:
		return sizeOf(wire.BufferedBulkPacketHeader{})
	default:
		return -1
	}
}

func sizeOf(v interface{}) int {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Len()
}

func mustPack(v interface{}) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func mustUnpack(b []byte, v interface{}) {
	_ = binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// queue appends one fully-formed packet to the write buffer. It does not
// validate type/header compatibility; the Send* methods choose the header
// variant for the negotiated capabilities before calling it.
func (p *Parser) queue(t wire.Type, id uint64, typeHeader, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	headerLen := p.headerLen()
	total := headerLen + len(typeHeader) + len(data)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(t))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(typeHeader)+len(data)))
	if headerLen == 16 {
		binary.LittleEndian.PutUint64(buf[8:16], id)
	} else {
		binary.LittleEndian.PutUint32(buf[8:12], uint32(id))
	}
	copy(buf[headerLen:], typeHeader)
	copy(buf[headerLen+len(typeHeader):], data)

	wb := &writeBuf{buf: buf}
	if p.writeTail == nil {
		p.writeHead, p.writeTail = wb, wb
	} else {
		p.writeTail.next = wb
		p.writeTail = wb
	}
	p.writeCount++
	p.writeSize += uint64(len(buf))
}

// BufferedOutputSize returns the total bytes currently queued for Write.
func (p *Parser) BufferedOutputSize() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeSize
}

// HasDataToWrite reports whether Write has anything left to drain.
func (p *Parser) HasDataToWrite() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeHead != nil
}

// Write drains queued packets into w until the queue is empty or w returns
// an error. It is safe to call repeatedly (e.g. on socket-writable
// readiness) and picks up exactly where the previous call left off.
func (p *Parser) Write(w interface{ Write([]byte) (int, error) }) error {
	for {
		p.mu.Lock()
		wb := p.writeHead
		p.mu.Unlock()
		if wb == nil {
			return nil
		}

		n, err := w.Write(wb.buf[wb.pos:])
		if n > 0 {
			p.mu.Lock()
			wb.pos += n
			if wb.pos == len(wb.buf) {
				p.writeHead = wb.next
				if p.writeHead == nil {
					p.writeTail = nil
				}
				p.writeCount--
				p.writeSize -= uint64(len(wb.buf))
			}
			p.mu.Unlock()
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
