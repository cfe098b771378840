package hostengine

import (
	"context"
	"testing"

	"github.com/daedaluz/usbredir/codec"
	"github.com/daedaluz/usbredir/filter"
	"github.com/daedaluz/usbredir/usbdev"
	"github.com/daedaluz/usbredir/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver is a Driver double: it records every claim/submit/cancel call
// and lets the test complete a Transfer synchronously by calling
// host.completeOneShotTransfer directly, rather than through a real Events
// channel.
type fakeDriver struct {
	dev *usbdev.DeviceDescriptor
	cfg *usbdev.ConfigurationDescriptor
	all []usbdev.Descriptor

	claimed    map[int]bool
	submitted  []*Transfer
	cancelled  []*Transfer
	clearHalts []uint8
	closed     bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{claimed: make(map[int]bool)}
}

func (d *fakeDriver) Descriptors() (*usbdev.DeviceDescriptor, *usbdev.ConfigurationDescriptor, error) {
	return d.dev, d.cfg, nil
}
func (d *fakeDriver) AllDescriptors() []usbdev.Descriptor  { return d.all }
func (d *fakeDriver) SetAutoDetachKernelDriver(bool) error { return nil }
func (d *fakeDriver) ClaimInterface(n int) error           { d.claimed[n] = true; return nil }
func (d *fakeDriver) ReleaseInterface(n int, reattach bool) error {
	delete(d.claimed, n)
	return nil
}
func (d *fakeDriver) SetConfiguration(n int) error       { return nil }
func (d *fakeDriver) SetAltSetting(iface, alt int) error { return nil }
func (d *fakeDriver) ClearHalt(ep uint8) error {
	d.clearHalts = append(d.clearHalts, ep)
	return nil
}
func (d *fakeDriver) Reset() error { return nil }
func (d *fakeDriver) Close() error { d.closed = true; return nil }
func (d *fakeDriver) Submit(t *Transfer) error {
	d.submitted = append(d.submitted, t)
	return nil
}
func (d *fakeDriver) Cancel(t *Transfer) error {
	d.cancelled = append(d.cancelled, t)
	return nil
}
func (d *fakeDriver) Events(ctx context.Context) <-chan CompletionEvent { return nil }

// interruptDevice builds a single-config, single-interface device with one
// interrupt-IN endpoint: class 0x03, vendor 0x1234, product 0x5678, bcd
// 0x0100, endpoint 0x81 (interrupt IN, max packet 8).
func interruptDevice() (*usbdev.DeviceDescriptor, *usbdev.ConfigurationDescriptor, []usbdev.Descriptor) {
	dd := &usbdev.DeviceDescriptor{
		BDeviceClass: 0x03, IDVendor: 0x1234, IDProduct: 0x5678, BcdDevice: 0x0100,
		BNumConfigurations: 1,
	}
	cd := &usbdev.ConfigurationDescriptor{BNumInterfaces: 1, BConfigurationValue: 1}
	ifc0 := &usbdev.InterfaceDescriptor{BInterfaceNumber: 0, BAlternateSetting: 0, BInterfaceClass: 0x03}
	ep := &usbdev.EndpointDescriptor{BEndpointAddress: 0x81, BmAttributes: 0x03, WMaxPacketSize: 8}
	return dd, cd, []usbdev.Descriptor{dd, cd, ifc0, ep}
}

// recordingSink is a codec.Sink that remembers the last message of each kind
// it was handed, standing in for the guest side of the connection.
type recordingSink struct {
	ifInfo  wire.InterfaceInfoHeader
	epInfo  wire.EPInfoHeader
	connect wire.DeviceConnectHeader
	control wire.ControlPacketHeader
	bulk    struct {
		status wire.Status
		length int
	}
}

func (s *recordingSink) Hello(string, wire.CapSet)                 {}
func (s *recordingSink) DeviceConnect(hdr wire.DeviceConnectHeader) { s.connect = hdr }
func (s *recordingSink) DeviceDisconnect()                          {}
func (s *recordingSink) DeviceDisconnectAck()                       {}
func (s *recordingSink) Reset()                                     {}
func (s *recordingSink) InterfaceInfo(hdr wire.InterfaceInfoHeader)  { s.ifInfo = hdr }
func (s *recordingSink) EPInfo(hdr wire.EPInfoHeader)                { s.epInfo = hdr }
func (s *recordingSink) SetConfiguration(uint64, wire.SetConfigurationHeader)       {}
func (s *recordingSink) GetConfiguration(uint64)                                    {}
func (s *recordingSink) ConfigurationStatus(uint64, wire.ConfigurationStatusHeader) {}
func (s *recordingSink) SetAltSetting(uint64, wire.SetAltSettingHeader)             {}
func (s *recordingSink) GetAltSetting(uint64, wire.GetAltSettingHeader)             {}
func (s *recordingSink) AltSettingStatus(uint64, wire.AltSettingStatusHeader)       {}
func (s *recordingSink) StartIsoStream(uint64, wire.StartIsoStreamHeader)           {}
func (s *recordingSink) StopIsoStream(uint64, wire.StopIsoStreamHeader)             {}
func (s *recordingSink) IsoStreamStatus(uint64, wire.IsoStreamStatusHeader)         {}
func (s *recordingSink) StartInterruptReceiving(uint64, wire.StartInterruptReceivingHeader) {}
func (s *recordingSink) StopInterruptReceiving(uint64, wire.StopInterruptReceivingHeader)   {}
func (s *recordingSink) InterruptReceivingStatus(uint64, wire.InterruptReceivingStatusHeader) {
}
func (s *recordingSink) AllocBulkStreams(uint64, wire.AllocBulkStreamsHeader)   {}
func (s *recordingSink) FreeBulkStreams(uint64, wire.FreeBulkStreamsHeader)     {}
func (s *recordingSink) BulkStreamsStatus(uint64, wire.BulkStreamsStatusHeader) {}
func (s *recordingSink) CancelDataPacket(uint64)                                {}
func (s *recordingSink) FilterReject()                                         {}
func (s *recordingSink) FilterFilter(rules []filter.Rule)                      {}
func (s *recordingSink) StartBulkReceiving(uint64, wire.StartBulkReceivingHeader)   {}
func (s *recordingSink) StopBulkReceiving(uint64, wire.StopBulkReceivingHeader)     {}
func (s *recordingSink) BulkReceivingStatus(uint64, wire.BulkReceivingStatusHeader) {}
func (s *recordingSink) ControlPacket(id uint64, hdr wire.ControlPacketHeader, data []byte) {
	s.control = hdr
}
func (s *recordingSink) BulkPacket(id uint64, endpoint uint8, status wire.Status, streamID uint32, data []byte) {
	s.bulk.status = status
	s.bulk.length = len(data)
}
func (s *recordingSink) IsoPacket(uint64, wire.IsoPacketHeader, []byte)                   {}
func (s *recordingSink) InterruptPacket(uint64, wire.InterruptPacketHeader, []byte)       {}
func (s *recordingSink) BufferedBulkPacket(uint64, wire.BufferedBulkPacketHeader, []byte) {}

// sliceWriter is an io.Writer that appends everything it's given, used to
// pull a Parser's queued output out as a single byte slice.
type sliceWriter struct{ buf []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// pump drains everything queued on from and feeds it straight into to,
// driving whatever Sink callbacks that produces.
func pump(t *testing.T, from, to *codec.Parser) {
	t.Helper()
	var w sliceWriter
	require.NoError(t, from.Write(&w))
	if len(w.buf) == 0 {
		return
	}
	_, err := to.Feed(w.buf)
	require.NoError(t, err)
}

// newHostPair wires a Host up to a fake guest-side Parser/Sink and exchanges
// hello packets both ways, so each side's peer-capability state is live
// before the test starts driving SetDevice/ControlPacket/etc.
func newHostPair(t *testing.T) (*Host, *codec.Parser, *codec.Parser, *recordingSink) {
	t.Helper()
	var caps wire.CapSet
	caps.Set(wire.CapConnectDeviceVersion)
	caps.Set(wire.CapEPInfoMaxPacketSize)
	caps.Set(wire.CapDeviceDisconnectAck)

	guestSink := &recordingSink{}
	guest := codec.NewParser(codec.RoleGuest, "test-guest", caps, guestSink)

	host := NewHost(nil)
	hostParser := codec.NewParser(codec.RoleHost, "test-host", caps, host)
	host.parser = hostParser

	pump(t, hostParser, guest)
	pump(t, guest, hostParser)
	return host, hostParser, guest, guestSink
}

func TestClaimAndAdvertise(t *testing.T) {
	host, hostParser, guest, guestSink := newHostPair(t)
	dd, cd, all := interruptDevice()
	drv := newFakeDriver()
	drv.dev, drv.cfg, drv.all = dd, cd, all

	require.NoError(t, host.SetDevice(drv))
	pump(t, hostParser, guest)

	require.Equal(t, uint32(1), guestSink.ifInfo.InterfaceCount)
	assert.EqualValues(t, 0x03, guestSink.ifInfo.InterfaceClass[0])

	assert.EqualValues(t, TransferControl, guestSink.epInfo.Type[0])
	assert.EqualValues(t, TransferControl, guestSink.epInfo.Type[0x10])
	assert.EqualValues(t, TransferInterrupt, guestSink.epInfo.Type[0x11])
	assert.EqualValues(t, 8, guestSink.epInfo.MaxPacketSize[0x11])

	assert.EqualValues(t, 0x1234, guestSink.connect.VendorID)
	assert.EqualValues(t, 0x5678, guestSink.connect.ProductID)
	assert.EqualValues(t, 0x0100, guestSink.connect.DeviceVersionBCD)
	assert.True(t, drv.claimed[0])
}

func TestClearStallOnControlEndpoint(t *testing.T) {
	host, hostParser, guest, guestSink := newHostPair(t)
	dd, cd, all := interruptDevice()
	drv := newFakeDriver()
	drv.dev, drv.cfg, drv.all = dd, cd, all
	require.NoError(t, host.SetDevice(drv))
	pump(t, hostParser, guest)

	host.ControlPacket(7, wire.ControlPacketHeader{
		Endpoint: 0x00, RequestType: 0x02, Request: 0x01, Value: 0x0000, Index: 0x81, Length: 0,
	}, nil)
	pump(t, hostParser, guest)

	require.Equal(t, []uint8{0x81}, drv.clearHalts)
	require.Empty(t, drv.submitted)
	assert.EqualValues(t, wire.StatusSuccess, guestSink.control.Status)
}

func TestCancelInFlightBulkTransfer(t *testing.T) {
	host, hostParser, guest, guestSink := newHostPair(t)
	dd := &usbdev.DeviceDescriptor{IDVendor: 0xABCD, IDProduct: 0x0001, BNumConfigurations: 1}
	cd := &usbdev.ConfigurationDescriptor{BNumInterfaces: 1, BConfigurationValue: 1}
	ifc0 := &usbdev.InterfaceDescriptor{BInterfaceNumber: 0, BInterfaceClass: 0xFF}
	ep := &usbdev.EndpointDescriptor{BEndpointAddress: 0x82, BmAttributes: 0x02, WMaxPacketSize: 512}
	drv := newFakeDriver()
	drv.dev, drv.cfg, drv.all = dd, cd, []usbdev.Descriptor{dd, cd, ifc0, ep}
	require.NoError(t, host.SetDevice(drv))
	pump(t, hostParser, guest)

	host.BulkPacket(42, 0x82, wire.StatusSuccess, 0, nil)
	require.Len(t, drv.submitted, 1)

	host.CancelDataPacket(42)
	pump(t, hostParser, guest)

	require.Len(t, drv.cancelled, 1)
	assert.EqualValues(t, wire.StatusCancelled, guestSink.bulk.status)
	assert.EqualValues(t, 0, guestSink.bulk.length)

	// A late real completion for the already-cancelled transfer must not
	// produce a second reply to the guest.
	submitted := drv.submitted[0]
	guestSink.bulk.status = wire.Status(0xFF)
	host.completeOneShotTransfer(submitted)
	pump(t, hostParser, guest)
	assert.EqualValues(t, wire.Status(0xFF), guestSink.bulk.status)
}

func TestAltSettingRebuildPreservesOtherEndpoints(t *testing.T) {
	host, hostParser, guest, _ := newHostPair(t)
	dd := &usbdev.DeviceDescriptor{IDVendor: 1, IDProduct: 1, BNumConfigurations: 1}
	cd := &usbdev.ConfigurationDescriptor{BNumInterfaces: 1, BConfigurationValue: 1}
	alt0 := &usbdev.InterfaceDescriptor{BInterfaceNumber: 0, BAlternateSetting: 0}
	ep0 := &usbdev.EndpointDescriptor{BEndpointAddress: 0x02, BmAttributes: 0x02, WMaxPacketSize: 64}
	alt1 := &usbdev.InterfaceDescriptor{BInterfaceNumber: 0, BAlternateSetting: 1}
	ep1 := &usbdev.EndpointDescriptor{BEndpointAddress: 0x83, BmAttributes: 0x03, WMaxPacketSize: 16}
	drv := newFakeDriver()
	drv.dev, drv.cfg = dd, cd
	drv.all = []usbdev.Descriptor{dd, cd, alt0, ep0, alt1, ep1}
	require.NoError(t, host.SetDevice(drv))
	pump(t, hostParser, guest)

	require.True(t, host.endpoints[epIndex(0x02)].valid)

	host.SetAltSetting(1, wire.SetAltSettingHeader{Interface: 0, Alt: 1})
	pump(t, hostParser, guest)

	assert.False(t, host.endpoints[epIndex(0x02)].valid)
	assert.True(t, host.endpoints[epIndex(0x83)].valid)
	assert.Equal(t, TransferInterrupt, wireTransferType(host.endpoints[epIndex(0x83)].transfer))
	assert.True(t, host.endpoints[epIndex(0x00)].valid)
	assert.True(t, host.endpoints[epIndex(0x80)].valid)
}

func TestResetBeforeDisconnectAck(t *testing.T) {
	host, hostParser, guest, guestSink := newHostPair(t)
	dd, cd, all := interruptDevice()
	drv := newFakeDriver()
	drv.dev, drv.cfg, drv.all = dd, cd, all
	require.NoError(t, host.SetDevice(drv))
	pump(t, hostParser, guest)
	guestSink.connect = wire.DeviceConnectHeader{}

	host.handleDisconnect()
	pump(t, hostParser, guest)
	assert.True(t, host.waitDisconnect)

	drv2 := newFakeDriver()
	drv2.dev, drv2.cfg, drv2.all = interruptDevice()
	require.NoError(t, host.SetDevice(drv2))
	pump(t, hostParser, guest)
	assert.EqualValues(t, 0, guestSink.connect.VendorID)

	host.DeviceDisconnectAck()
	assert.False(t, host.waitDisconnect)
}
