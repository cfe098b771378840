package codec

import (
	"bytes"
	"testing"

	"github.com/daedaluz/usbredir/filter"
	"github.com/daedaluz/usbredir/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink implements Sink and just records what arrived, so tests
// can assert on call sequence without a real device or transport.
type recordingSink struct {
	helloVersion string
	helloCaps    wire.CapSet
	connect      wire.DeviceConnectHeader
	disconnected bool
	control      struct {
		id   uint64
		hdr  wire.ControlPacketHeader
		data []byte
	}
	filterRules []filter.Rule
}

func (s *recordingSink) Hello(version string, caps wire.CapSet) {
	s.helloVersion, s.helloCaps = version, caps
}
func (s *recordingSink) DeviceConnect(hdr wire.DeviceConnectHeader) { s.connect = hdr }
func (s *recordingSink) DeviceDisconnect()                          { s.disconnected = true }
func (s *recordingSink) DeviceDisconnectAck()                       {}
func (s *recordingSink) Reset()                                     {}
func (s *recordingSink) InterfaceInfo(wire.InterfaceInfoHeader)     {}
func (s *recordingSink) EPInfo(wire.EPInfoHeader)                   {}
func (s *recordingSink) SetConfiguration(uint64, wire.SetConfigurationHeader) {}
func (s *recordingSink) GetConfiguration(uint64)                              {}
func (s *recordingSink) ConfigurationStatus(uint64, wire.ConfigurationStatusHeader) {}
func (s *recordingSink) SetAltSetting(uint64, wire.SetAltSettingHeader)            {}
func (s *recordingSink) GetAltSetting(uint64, wire.GetAltSettingHeader)            {}
func (s *recordingSink) AltSettingStatus(uint64, wire.AltSettingStatusHeader)      {}
func (s *recordingSink) StartIsoStream(uint64, wire.StartIsoStreamHeader)          {}
func (s *recordingSink) StopIsoStream(uint64, wire.StopIsoStreamHeader)            {}
func (s *recordingSink) IsoStreamStatus(uint64, wire.IsoStreamStatusHeader)        {}
func (s *recordingSink) StartInterruptReceiving(uint64, wire.StartInterruptReceivingHeader) {}
func (s *recordingSink) StopInterruptReceiving(uint64, wire.StopInterruptReceivingHeader)   {}
func (s *recordingSink) InterruptReceivingStatus(uint64, wire.InterruptReceivingStatusHeader) {}
func (s *recordingSink) AllocBulkStreams(uint64, wire.AllocBulkStreamsHeader) {}
func (s *recordingSink) FreeBulkStreams(uint64, wire.FreeBulkStreamsHeader)   {}
func (s *recordingSink) BulkStreamsStatus(uint64, wire.BulkStreamsStatusHeader) {}
func (s *recordingSink) CancelDataPacket(uint64)                                {}
func (s *recordingSink) FilterReject()                                          {}
func (s *recordingSink) FilterFilter(rules []filter.Rule)                       { s.filterRules = rules }
func (s *recordingSink) StartBulkReceiving(uint64, wire.StartBulkReceivingHeader) {}
func (s *recordingSink) StopBulkReceiving(uint64, wire.StopBulkReceivingHeader)   {}
func (s *recordingSink) BulkReceivingStatus(uint64, wire.BulkReceivingStatusHeader) {}
func (s *recordingSink) ControlPacket(id uint64, hdr wire.ControlPacketHeader, data []byte) {
	s.control.id, s.control.hdr, s.control.data = id, hdr, data
}
func (s *recordingSink) BulkPacket(uint64, uint8, wire.Status, uint32, []byte)       {}
func (s *recordingSink) IsoPacket(uint64, wire.IsoPacketHeader, []byte)              {}
func (s *recordingSink) InterruptPacket(uint64, wire.InterruptPacketHeader, []byte)  {}
func (s *recordingSink) BufferedBulkPacket(uint64, wire.BufferedBulkPacketHeader, []byte) {}

func drain(t *testing.T, from *Parser, to *Parser) {
	var buf bytes.Buffer
	require.NoError(t, from.Write(&buf))
	_, err := to.Feed(buf.Bytes())
	require.NoError(t, err)
}

func TestHelloHandshake(t *testing.T) {
	var ourCaps wire.CapSet
	ourCaps.Set(wire.CapConnectDeviceVersion)

	hostSink := &recordingSink{}
	guestSink := &recordingSink{}
	host := NewParser(RoleHost, "test-host-1.0", ourCaps, hostSink)
	guest := NewParser(RoleGuest, "test-guest-1.0", ourCaps, guestSink)

	drain(t, host, guest)
	drain(t, guest, host)

	assert.Equal(t, "test-host-1.0", guestSink.helloVersion)
	assert.Equal(t, "test-guest-1.0", hostSink.helloVersion)
	assert.True(t, guest.peerHasCap(wire.CapConnectDeviceVersion))
}

func TestDeviceConnectAndControlPacket(t *testing.T) {
	var caps wire.CapSet
	caps.Set(wire.CapConnectDeviceVersion)

	hostSink := &recordingSink{}
	guestSink := &recordingSink{}
	host := NewParser(RoleHost, "h", caps, hostSink)
	guest := NewParser(RoleGuest, "g", caps, guestSink)
	drain(t, host, guest)
	drain(t, guest, host)

	host.SendDeviceConnect(wire.DeviceConnectHeader{
		Speed: 2, DeviceClass: 0, VendorID: 0x0781, ProductID: 0x5567, DeviceVersionBCD: 0x0100,
	})
	drain(t, host, guest)
	assert.Equal(t, uint16(0x0781), guestSink.connect.VendorID)

	payload := []byte{1, 2, 3, 4}
	guest.SendControlPacket(42, wire.ControlPacketHeader{Endpoint: 0x80, Request: 6, Length: uint16(len(payload))}, payload)
	drain(t, guest, host)

	assert.Equal(t, uint64(42), hostSink.control.id)
	assert.Equal(t, payload, hostSink.control.data)
}

func TestFilterFilterRoundTrip(t *testing.T) {
	var caps wire.CapSet
	caps.Set(wire.CapFilter)

	hostSink := &recordingSink{}
	guestSink := &recordingSink{}
	host := NewParser(RoleHost, "h", caps, hostSink)
	guest := NewParser(RoleGuest, "g", caps, guestSink)
	drain(t, host, guest)
	drain(t, guest, host)

	rules, err := filter.Parse("0x03,-1,-1,-1,0", ",", "|")
	require.NoError(t, err)
	host.SendFilterFilter(rules)
	drain(t, host, guest)

	require.Len(t, guestSink.filterRules, 1)
	assert.Equal(t, 0x03, guestSink.filterRules[0].Class)
}

func TestSerializeUnserializeRoundTrip(t *testing.T) {
	var caps wire.CapSet
	sink := &recordingSink{}
	p := NewParser(RoleHost, "h", caps, sink)

	state, err := p.Serialize()
	require.NoError(t, err)
	assert.NotEmpty(t, state)

	fresh := &Parser{sink: sink}
	require.NoError(t, fresh.Unserialize(state))
	assert.Equal(t, p.writeCount, fresh.writeCount)
}

func TestHeaderSizesWidenWithCap64BitIDs(t *testing.T) {
	var noCaps wire.CapSet
	hostSink, guestSink := &recordingSink{}, &recordingSink{}
	host := NewParser(RoleHost, "h", noCaps, hostSink)
	guest := NewParser(RoleGuest, "g", noCaps, guestSink)
	drain(t, host, guest)
	drain(t, guest, host)

	assert.Equal(t, 4, host.IDWidth())
	assert.Equal(t, 12, host.HeaderLen())

	var wideCaps wire.CapSet
	wideCaps.Set(wire.Cap64BitIDs)
	host2 := NewParser(RoleHost, "h", wideCaps, hostSink)
	guest2 := NewParser(RoleGuest, "g", wideCaps, guestSink)
	drain(t, host2, guest2)
	drain(t, guest2, host2)

	assert.Equal(t, 8, host2.IDWidth())
	assert.Equal(t, 16, host2.HeaderLen())
}

func TestTypeHeaderLenIgnoresSendDirection(t *testing.T) {
	var caps wire.CapSet
	caps.Set(wire.CapConnectDeviceVersion)
	hostSink, guestSink := &recordingSink{}, &recordingSink{}
	host := NewParser(RoleHost, "h", caps, hostSink)
	guest := NewParser(RoleGuest, "g", caps, guestSink)
	drain(t, host, guest)
	drain(t, guest, host)

	want := sizeOf(wire.DeviceConnectHeader{})
	assert.Equal(t, want, host.TypeHeaderLen(wire.TypeDeviceConnect, true))
	assert.Equal(t, want, host.TypeHeaderLen(wire.TypeDeviceConnect, false))
}

func TestVerifyCapsClearsBulkStreamsWithoutEPInfoMaxPacketSize(t *testing.T) {
	var ourCaps wire.CapSet
	ourCaps.Set(wire.CapBulkStreams)
	var peerCaps wire.CapSet
	peerCaps.Set(wire.CapBulkStreams)

	hostSink, guestSink := &recordingSink{}, &recordingSink{}
	host := NewParser(RoleHost, "h", ourCaps, hostSink)
	guest := NewParser(RoleGuest, "g", peerCaps, guestSink)
	drain(t, guest, host)

	assert.False(t, host.ourCaps.Has(wire.CapBulkStreams), "cap_bulk_streams should be cleared locally without cap_ep_info_max_packet_size")
}

func TestVerifyCapsKeepsBulkStreamsWithEPInfoMaxPacketSize(t *testing.T) {
	var ourCaps wire.CapSet
	ourCaps.Set(wire.CapBulkStreams)
	ourCaps.Set(wire.CapEPInfoMaxPacketSize)

	hostSink, guestSink := &recordingSink{}, &recordingSink{}
	host := NewParser(RoleHost, "h", ourCaps, hostSink)
	guest := NewParser(RoleGuest, "g", ourCaps, guestSink)
	drain(t, guest, host)

	assert.True(t, host.ourCaps.Has(wire.CapBulkStreams))
}

func TestSecondHelloIsRefused(t *testing.T) {
	var caps wire.CapSet
	caps.Set(wire.Cap64BitIDs)
	hostSink, guestSink := &recordingSink{}, &recordingSink{}
	host := NewParser(RoleHost, "h", caps, hostSink)
	guest := NewParser(RoleGuest, "g", caps, guestSink)
	drain(t, guest, host)
	require.True(t, host.haveHello)

	firstVersion := host.version

	other := NewParser(RoleGuest, "impostor", caps, guestSink)
	var buf bytes.Buffer
	require.NoError(t, other.Write(&buf))
	_, err := host.Feed(buf.Bytes())
	require.NoError(t, err)

	assert.Equal(t, firstVersion, host.version, "a second hello must not overwrite the negotiated version")
}

func TestUnserializeRejectsNonPristineParser(t *testing.T) {
	sink := &recordingSink{}
	busy := NewParser(RoleHost, "h", wire.CapSet{}, sink) // NewParser's own hello is already queued

	var caps wire.CapSet
	src := NewParser(RoleHost, "h", caps, sink)
	state, err := src.Serialize()
	require.NoError(t, err)

	err = busy.Unserialize(state)
	assert.Error(t, err)
}

func TestUnserializeRejectsPeerCapsWeDoNotSupport(t *testing.T) {
	var peerCaps wire.CapSet
	peerCaps.Set(wire.CapFilter)
	state := mustSnapshotWithPeerCaps(t, peerCaps)

	restricted := &Parser{sink: &recordingSink{}} // advertises nothing, so cap_filter is a bit it lacks
	assert.Error(t, restricted.Unserialize(state))

	var ourCaps wire.CapSet
	ourCaps.Set(wire.CapFilter)
	ourCaps.Set(wire.CapConnectDeviceVersion) // superset of peerCaps: accepted, warned about the extra bit
	capable := &Parser{sink: &recordingSink{}, ourCaps: ourCaps}
	require.NoError(t, capable.Unserialize(state))
	assert.True(t, capable.peerCaps.Has(wire.CapFilter))
}

// mustSnapshotWithPeerCaps builds a snapshot blob with peerCaps already
// negotiated, for exercising Unserialize's subset-validation path directly
// without a live hello exchange.
func mustSnapshotWithPeerCaps(t *testing.T, peerCaps wire.CapSet) []byte {
	t.Helper()
	var ourCaps wire.CapSet
	ourCaps.Set(wire.CapFilter)
	hostSink, guestSink := &recordingSink{}, &recordingSink{}
	host := NewParser(RoleHost, "h", ourCaps, hostSink)
	guest := NewParser(RoleGuest, "g", peerCaps, guestSink)
	drain(t, guest, host)
	state, err := host.Serialize()
	require.NoError(t, err)
	return state
}
