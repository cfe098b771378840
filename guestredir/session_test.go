package guestredir

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/daedaluz/usbredir/codec"
	"github.com/daedaluz/usbredir/filter"
	"github.com/daedaluz/usbredir/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost is a codec.Sink standing in for usbredirhost on the far end of a
// net.Pipe: it answers SetConfiguration/GetConfiguration/GetAltSetting/
// ControlPacket with a canned status reply, the way a real host's command
// handlers would, and counts Reset requests (reset has no reply).
type fakeHost struct {
	parser *codec.Parser
	conn   net.Conn

	resetCount int
}

func newFakeHost(conn net.Conn, caps wire.CapSet) *fakeHost {
	h := &fakeHost{conn: conn}
	h.parser = codec.NewParser(codec.RoleHost, "test-host", caps, h)
	return h
}

// serve pumps conn into the parser and flushes replies back until the
// connection closes, the same read-feed-flush cycle cmd/usbredirect's pump
// uses.
func (h *fakeHost) serve() {
	buf := make([]byte, 4096)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			if _, ferr := h.parser.Feed(buf[:n]); ferr != nil {
				return
			}
			if werr := h.parser.Write(h.conn); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *fakeHost) Hello(string, wire.CapSet) {}
func (h *fakeHost) DeviceConnect(wire.DeviceConnectHeader) {}
func (h *fakeHost) DeviceDisconnect()    {}
func (h *fakeHost) DeviceDisconnectAck() {}
func (h *fakeHost) Reset()               { h.resetCount++ }
func (h *fakeHost) InterfaceInfo(wire.InterfaceInfoHeader) {}
func (h *fakeHost) EPInfo(wire.EPInfoHeader)               {}

func (h *fakeHost) SetConfiguration(id uint64, hdr wire.SetConfigurationHeader) {
	h.parser.SendConfigurationStatus(id, wire.ConfigurationStatusHeader{
		Status: uint8(wire.StatusSuccess), Configuration: hdr.Configuration,
	})
}
func (h *fakeHost) GetConfiguration(id uint64) {
	h.parser.SendConfigurationStatus(id, wire.ConfigurationStatusHeader{Status: uint8(wire.StatusSuccess), Configuration: 1})
}
func (h *fakeHost) ConfigurationStatus(uint64, wire.ConfigurationStatusHeader) {}

func (h *fakeHost) SetAltSetting(uint64, wire.SetAltSettingHeader) {}
func (h *fakeHost) GetAltSetting(id uint64, hdr wire.GetAltSettingHeader) {
	h.parser.SendAltSettingStatus(id, wire.AltSettingStatusHeader{
		Status: uint8(wire.StatusSuccess), Interface: hdr.Interface, Alt: 2,
	})
}
func (h *fakeHost) AltSettingStatus(uint64, wire.AltSettingStatusHeader) {}

func (h *fakeHost) StartIsoStream(uint64, wire.StartIsoStreamHeader)     {}
func (h *fakeHost) StopIsoStream(uint64, wire.StopIsoStreamHeader)       {}
func (h *fakeHost) IsoStreamStatus(uint64, wire.IsoStreamStatusHeader)   {}
func (h *fakeHost) StartInterruptReceiving(uint64, wire.StartInterruptReceivingHeader) {}
func (h *fakeHost) StopInterruptReceiving(uint64, wire.StopInterruptReceivingHeader)   {}
func (h *fakeHost) InterruptReceivingStatus(uint64, wire.InterruptReceivingStatusHeader) {}
func (h *fakeHost) AllocBulkStreams(uint64, wire.AllocBulkStreamsHeader)   {}
func (h *fakeHost) FreeBulkStreams(uint64, wire.FreeBulkStreamsHeader)     {}
func (h *fakeHost) BulkStreamsStatus(uint64, wire.BulkStreamsStatusHeader) {}
func (h *fakeHost) CancelDataPacket(uint64)                                {}
func (h *fakeHost) FilterReject()                                         {}
func (h *fakeHost) FilterFilter([]filter.Rule)                            {}
func (h *fakeHost) StartBulkReceiving(uint64, wire.StartBulkReceivingHeader) {}
func (h *fakeHost) StopBulkReceiving(uint64, wire.StopBulkReceivingHeader)   {}
func (h *fakeHost) BulkReceivingStatus(uint64, wire.BulkReceivingStatusHeader) {}

func (h *fakeHost) ControlPacket(id uint64, hdr wire.ControlPacketHeader, data []byte) {
	h.parser.SendControlPacket(id, wire.ControlPacketHeader{
		Endpoint: hdr.Endpoint, RequestType: hdr.RequestType, Request: hdr.Request,
		Status: uint8(wire.StatusSuccess), Length: uint16(len(data)),
	}, data)
}
func (h *fakeHost) BulkPacket(uint64, uint8, wire.Status, uint32, []byte)            {}
func (h *fakeHost) IsoPacket(uint64, wire.IsoPacketHeader, []byte)                   {}
func (h *fakeHost) InterruptPacket(uint64, wire.InterruptPacketHeader, []byte)       {}
func (h *fakeHost) BufferedBulkPacket(uint64, wire.BufferedBulkPacketHeader, []byte) {}

var _ codec.Sink = (*fakeHost)(nil)

// newTestSession wires a Session up over a net.Pipe to a fakeHost and starts
// both ends pumping, returning the Session ready for Request*/SubmitControl
// calls.
func newTestSession(t *testing.T) (*Session, *fakeHost) {
	t.Helper()
	client, server := net.Pipe()

	caps := DefaultCaps()
	host := newFakeHost(server, caps)
	go host.serve()

	sess := newSession(client, caps)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)

	return sess, host
}

func TestRequestSetConfiguration(t *testing.T) {
	sess, _ := newTestSession(t)
	status, err := sess.RequestSetConfiguration(3)
	require.NoError(t, err)
	assert.EqualValues(t, wire.StatusSuccess, status.Status)
	assert.EqualValues(t, 3, status.Configuration)
}

func TestRequestGetAltSetting(t *testing.T) {
	sess, _ := newTestSession(t)
	status, err := sess.RequestGetAltSetting(0)
	require.NoError(t, err)
	assert.EqualValues(t, wire.StatusSuccess, status.Status)
	assert.EqualValues(t, 2, status.Alt)
}

func TestSubmitControl(t *testing.T) {
	sess, _ := newTestSession(t)
	hdr := wire.ControlPacketHeader{Endpoint: 0x80, RequestType: 0x80, Request: 0x06, Length: 4}
	replyHdr, data, err := sess.SubmitControl(hdr, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.EqualValues(t, wire.StatusSuccess, replyHdr.Status)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestRequestReset(t *testing.T) {
	sess, host := newTestSession(t)
	require.NoError(t, sess.RequestReset())
	require.Eventually(t, func() bool { return host.resetCount == 1 }, time.Second, time.Millisecond)
}

func TestDeviceConnectUpdatesDeviceInfo(t *testing.T) {
	sess, host := newTestSession(t)
	host.parser.SendDeviceConnect(wire.DeviceConnectHeader{VendorID: 0x1234, ProductID: 0x5678})
	require.NoError(t, host.parser.Write(host.conn))

	require.Eventually(t, func() bool {
		_, connected := sess.Device()
		return connected
	}, time.Second, time.Millisecond)

	info, connected := sess.Device()
	assert.True(t, connected)
	assert.EqualValues(t, 0x1234, info.Connect.VendorID)
}

func TestOnDisconnectCallback(t *testing.T) {
	sess, host := newTestSession(t)
	host.parser.SendDeviceConnect(wire.DeviceConnectHeader{})
	require.NoError(t, host.parser.Write(host.conn))
	require.Eventually(t, func() bool {
		_, connected := sess.Device()
		return connected
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	sess.OnDisconnect(func() { close(done) })

	host.parser.SendDeviceDisconnect()
	require.NoError(t, host.parser.Write(host.conn))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect callback was not invoked")
	}
	_, connected := sess.Device()
	assert.False(t, connected)
}
