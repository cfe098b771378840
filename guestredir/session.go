// Package guestredir is a thin guest-side session: it dials a usbredir host
// over a net.Conn, negotiates capabilities, and exposes the redirected
// device's advertised shape plus the handful of control requests a guest
// stack issues (get/set configuration, get/set alt setting, reset) as plain
// Go calls instead of raw wire sends.
package guestredir

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/daedaluz/usbredir/codec"
	"github.com/daedaluz/usbredir/filter"
	"github.com/daedaluz/usbredir/wire"
)

// DeviceInfo is the shape of a device as advertised by the host: the
// device_connect header plus every interface_info row and the full 32-slot
// ep_info table, assembled in the same interface_info -> ep_info ->
// device_connect order usbredirhost sends them in.
type DeviceInfo struct {
	Connect    wire.DeviceConnectHeader
	Interfaces wire.InterfaceInfoHeader
	Endpoints  wire.EPInfoHeader
}

// Session is one guest-side connection to a usbredir host.
type Session struct {
	conn net.Conn
	caps wire.CapSet

	parser *codec.Parser

	mu        sync.Mutex
	connected bool
	device    DeviceInfo

	pending sync.Map // uint64 -> chan interface{}
	nextID  uint64

	onControl    func(id uint64, hdr wire.ControlPacketHeader, data []byte)
	onBulk       func(id uint64, endpoint uint8, status wire.Status, streamID uint32, data []byte)
	onDisconnect func()
}

// DefaultCaps is the capability set a guest client advertises by default:
// everything this module implements end to end.
func DefaultCaps() wire.CapSet {
	var c wire.CapSet
	c.Set(wire.CapConnectDeviceVersion)
	c.Set(wire.CapFilter)
	c.Set(wire.CapDeviceDisconnectAck)
	c.Set(wire.CapEPInfoMaxPacketSize)
	c.Set(wire.Cap64BitIDs)
	return c
}

// Dial connects to a usbredir host at addr (e.g. "host:4000") and performs
// the initial hello exchange.
func Dial(ctx context.Context, network, addr string, caps wire.CapSet) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return newSession(conn, caps), nil
}

func newSession(conn net.Conn, caps wire.CapSet) *Session {
	s := &Session{conn: conn, caps: caps}
	s.parser = codec.NewParser(codec.RoleGuest, "usbredir-guestredir", caps, s)
	return s
}

// OnControlPacket registers a callback for host-originated control replies
// (e.g. an in-flight request the guest stack itself submitted out of band).
func (s *Session) OnControlPacket(f func(id uint64, hdr wire.ControlPacketHeader, data []byte)) {
	s.onControl = f
}

// OnBulkPacket registers a callback for host-originated bulk packets
// delivered outside the request/response pattern Submit* uses (unsolicited
// bulk-IN data from a streaming endpoint).
func (s *Session) OnBulkPacket(f func(id uint64, endpoint uint8, status wire.Status, streamID uint32, data []byte)) {
	s.onBulk = f
}

// OnDisconnect registers a callback invoked when the host reports
// device_disconnect.
func (s *Session) OnDisconnect(f func()) {
	s.onDisconnect = f
}

// Device returns the most recently advertised device shape, and whether a
// device is currently connected at all.
func (s *Session) Device() (DeviceInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, s.connected
}

// Run pumps the connection until ctx is cancelled or the connection fails:
// it reads bytes into the parser and flushes the parser's write queue after
// every read, since replies and requests share one Feed-then-Write cycle.
func (s *Session) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	// NewParser already queued our hello; send it before blocking on the
	// first read, or both peers sit waiting for each other to write.
	if err := s.flush(); err != nil {
		return err
	}

	buf := make([]byte, 65536)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if _, ferr := s.parser.Feed(buf[:n]); ferr != nil {
				return ferr
			}
			if werr := s.flush(); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (s *Session) flush() error {
	return s.parser.Write(s.conn)
}

func (s *Session) allocID() uint64 {
	return atomic.AddUint64(&s.nextID, 1)
}

// request sends one id-tagged command and blocks for its matching status
// reply, translating the reply into a plain Go value via decode.
func (s *Session) request(send func(id uint64), decode func(v interface{}) interface{}) (interface{}, error) {
	id := s.allocID()
	ch := make(chan interface{}, 1)
	s.pending.Store(id, ch)
	defer s.pending.Delete(id)

	send(id)
	if err := s.flush(); err != nil {
		return nil, err
	}

	v, ok := <-ch
	if !ok {
		return nil, fmt.Errorf("guestredir: session closed while waiting for reply")
	}
	return decode(v), nil
}

func (s *Session) reply(id uint64, v interface{}) {
	ch, ok := s.pending.Load(id)
	if !ok {
		return
	}
	ch.(chan interface{}) <- v
}

// RequestSetConfiguration asks the host to set the device's active
// configuration and waits for configuration_status.
func (s *Session) RequestSetConfiguration(n uint8) (wire.ConfigurationStatusHeader, error) {
	v, err := s.request(
		func(id uint64) { s.parser.SendSetConfiguration(id, wire.SetConfigurationHeader{Configuration: n}) },
		func(v interface{}) interface{} { return v },
	)
	if err != nil {
		return wire.ConfigurationStatusHeader{}, err
	}
	return v.(wire.ConfigurationStatusHeader), nil
}

// RequestGetConfiguration queries the device's active configuration.
func (s *Session) RequestGetConfiguration() (wire.ConfigurationStatusHeader, error) {
	v, err := s.request(
		func(id uint64) { s.parser.SendGetConfiguration(id) },
		func(v interface{}) interface{} { return v },
	)
	if err != nil {
		return wire.ConfigurationStatusHeader{}, err
	}
	return v.(wire.ConfigurationStatusHeader), nil
}

// RequestSetAltSetting asks the host to select an interface's alternate
// setting and waits for alt_setting_status.
func (s *Session) RequestSetAltSetting(iface, alt uint8) (wire.AltSettingStatusHeader, error) {
	v, err := s.request(
		func(id uint64) {
			s.parser.SendSetAltSetting(id, wire.SetAltSettingHeader{Interface: iface, Alt: alt})
		},
		func(v interface{}) interface{} { return v },
	)
	if err != nil {
		return wire.AltSettingStatusHeader{}, err
	}
	return v.(wire.AltSettingStatusHeader), nil
}

// RequestGetAltSetting queries an interface's currently active alternate
// setting.
func (s *Session) RequestGetAltSetting(iface uint8) (wire.AltSettingStatusHeader, error) {
	v, err := s.request(
		func(id uint64) { s.parser.SendGetAltSetting(id, wire.GetAltSettingHeader{Interface: iface}) },
		func(v interface{}) interface{} { return v },
	)
	if err != nil {
		return wire.AltSettingStatusHeader{}, err
	}
	return v.(wire.AltSettingStatusHeader), nil
}

// RequestReset asks the host to reset the redirected device. Reset has no
// status reply of its own on the wire. The host does not re-advertise the
// device after a successful reset; if the reset fails it sends
// device_disconnect (seen through the OnDisconnect callback).
func (s *Session) RequestReset() error {
	s.parser.SendReset()
	return s.flush()
}

// SubmitControl sends a control transfer and blocks for its ControlPacket
// reply.
func (s *Session) SubmitControl(hdr wire.ControlPacketHeader, data []byte) (wire.ControlPacketHeader, []byte, error) {
	id := s.allocID()
	ch := make(chan interface{}, 1)
	s.pending.Store(id, ch)
	defer s.pending.Delete(id)

	s.parser.SendControlPacket(id, hdr, data)
	if err := s.flush(); err != nil {
		return wire.ControlPacketHeader{}, nil, err
	}

	v, ok := <-ch
	if !ok {
		return wire.ControlPacketHeader{}, nil, fmt.Errorf("guestredir: session closed while waiting for control reply")
	}
	r := v.(controlReply)
	return r.hdr, r.data, nil
}

type controlReply struct {
	hdr  wire.ControlPacketHeader
	data []byte
}

// --- codec.Sink ---

func (s *Session) Hello(version string, peerCaps wire.CapSet) {}

func (s *Session) DeviceConnect(hdr wire.DeviceConnectHeader) {
	s.mu.Lock()
	s.connected = true
	s.device.Connect = hdr
	s.mu.Unlock()
}

func (s *Session) DeviceDisconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	if s.onDisconnect != nil {
		s.onDisconnect()
	}
}

func (s *Session) DeviceDisconnectAck() {}

func (s *Session) Reset() {}

func (s *Session) InterfaceInfo(hdr wire.InterfaceInfoHeader) {
	s.mu.Lock()
	s.device.Interfaces = hdr
	s.mu.Unlock()
}

func (s *Session) EPInfo(hdr wire.EPInfoHeader) {
	s.mu.Lock()
	s.device.Endpoints = hdr
	s.mu.Unlock()
}

func (s *Session) SetConfiguration(id uint64, hdr wire.SetConfigurationHeader) {}
func (s *Session) GetConfiguration(id uint64)                                 {}

func (s *Session) ConfigurationStatus(id uint64, hdr wire.ConfigurationStatusHeader) {
	s.reply(id, hdr)
}

func (s *Session) SetAltSetting(id uint64, hdr wire.SetAltSettingHeader) {}
func (s *Session) GetAltSetting(id uint64, hdr wire.GetAltSettingHeader) {}

func (s *Session) AltSettingStatus(id uint64, hdr wire.AltSettingStatusHeader) {
	s.reply(id, hdr)
}

func (s *Session) StartIsoStream(id uint64, hdr wire.StartIsoStreamHeader) {}
func (s *Session) StopIsoStream(id uint64, hdr wire.StopIsoStreamHeader)  {}
func (s *Session) IsoStreamStatus(id uint64, hdr wire.IsoStreamStatusHeader) {
	s.reply(id, hdr)
}

func (s *Session) StartInterruptReceiving(id uint64, hdr wire.StartInterruptReceivingHeader) {}
func (s *Session) StopInterruptReceiving(id uint64, hdr wire.StopInterruptReceivingHeader)   {}
func (s *Session) InterruptReceivingStatus(id uint64, hdr wire.InterruptReceivingStatusHeader) {
	s.reply(id, hdr)
}

func (s *Session) AllocBulkStreams(id uint64, hdr wire.AllocBulkStreamsHeader) {}
func (s *Session) FreeBulkStreams(id uint64, hdr wire.FreeBulkStreamsHeader)   {}
func (s *Session) BulkStreamsStatus(id uint64, hdr wire.BulkStreamsStatusHeader) {
	s.reply(id, hdr)
}

func (s *Session) CancelDataPacket(id uint64) {}

func (s *Session) FilterReject()                  {}
func (s *Session) FilterFilter(rules []filter.Rule) {}

func (s *Session) StartBulkReceiving(id uint64, hdr wire.StartBulkReceivingHeader) {}
func (s *Session) StopBulkReceiving(id uint64, hdr wire.StopBulkReceivingHeader)   {}
func (s *Session) BulkReceivingStatus(id uint64, hdr wire.BulkReceivingStatusHeader) {
	s.reply(id, hdr)
}

func (s *Session) ControlPacket(id uint64, hdr wire.ControlPacketHeader, data []byte) {
	if _, ok := s.pending.Load(id); ok {
		s.reply(id, controlReply{hdr: hdr, data: data})
		return
	}
	if s.onControl != nil {
		s.onControl(id, hdr, data)
	}
}

func (s *Session) BulkPacket(id uint64, endpoint uint8, status wire.Status, streamID uint32, data []byte) {
	if s.onBulk != nil {
		s.onBulk(id, endpoint, status, streamID, data)
	}
}

func (s *Session) IsoPacket(id uint64, hdr wire.IsoPacketHeader, data []byte)             {}
func (s *Session) InterruptPacket(id uint64, hdr wire.InterruptPacketHeader, data []byte) {}
func (s *Session) BufferedBulkPacket(id uint64, hdr wire.BufferedBulkPacketHeader, data []byte) {
}

var _ codec.Sink = (*Session)(nil)
