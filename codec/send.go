package codec

import (
	"github.com/daedaluz/usbredir/filter"
	"github.com/daedaluz/usbredir/wire"
)

// Send* methods queue one packet of the named type. Types with no fields
// (device_disconnect, reset, get_configuration, cancel_data_packet,
// filter_reject) take only an id (or none, where the wire format has none).

func (p *Parser) SendDeviceConnect(hdr wire.DeviceConnectHeader) {
	if p.haveCap(wire.CapConnectDeviceVersion) {
		p.queue(wire.TypeDeviceConnect, 0, mustPack(hdr), nil)
		return
	}
	noVer := wire.DeviceConnectHeaderNoVersion{
		Speed: hdr.Speed, DeviceClass: hdr.DeviceClass, DeviceSubclass: hdr.DeviceSubclass,
		DeviceProtocol: hdr.DeviceProtocol, VendorID: hdr.VendorID, ProductID: hdr.ProductID,
	}
	p.queue(wire.TypeDeviceConnect, 0, mustPack(noVer), nil)
}

func (p *Parser) SendDeviceDisconnect() {
	p.queue(wire.TypeDeviceDisconnect, 0, nil, nil)
}

func (p *Parser) SendReset() {
	p.queue(wire.TypeReset, 0, nil, nil)
}

func (p *Parser) SendInterfaceInfo(hdr wire.InterfaceInfoHeader) {
	p.queue(wire.TypeInterfaceInfo, 0, mustPack(hdr), nil)
}

func (p *Parser) SendEPInfo(hdr wire.EPInfoHeader) {
	switch {
	case p.haveCap(wire.CapBulkStreams):
		p.queue(wire.TypeEPInfo, 0, mustPack(hdr), nil)
	case p.haveCap(wire.CapEPInfoMaxPacketSize):
		v := wire.EPInfoHeaderNoMaxStreams{Type: hdr.Type, Interval: hdr.Interval, Interface: hdr.Interface, MaxPacketSize: hdr.MaxPacketSize}
		p.queue(wire.TypeEPInfo, 0, mustPack(v), nil)
	default:
		v := wire.EPInfoHeaderNoMaxPacketSize{Type: hdr.Type, Interval: hdr.Interval, Interface: hdr.Interface}
		p.queue(wire.TypeEPInfo, 0, mustPack(v), nil)
	}
}

func (p *Parser) SendSetConfiguration(id uint64, hdr wire.SetConfigurationHeader) {
	p.queue(wire.TypeSetConfiguration, id, mustPack(hdr), nil)
}

func (p *Parser) SendGetConfiguration(id uint64) {
	p.queue(wire.TypeGetConfiguration, id, nil, nil)
}

func (p *Parser) SendConfigurationStatus(id uint64, hdr wire.ConfigurationStatusHeader) {
	p.queue(wire.TypeConfigurationStatus, id, mustPack(hdr), nil)
}

func (p *Parser) SendSetAltSetting(id uint64, hdr wire.SetAltSettingHeader) {
	p.queue(wire.TypeSetAltSetting, id, mustPack(hdr), nil)
}

func (p *Parser) SendGetAltSetting(id uint64, hdr wire.GetAltSettingHeader) {
	p.queue(wire.TypeGetAltSetting, id, mustPack(hdr), nil)
}

func (p *Parser) SendAltSettingStatus(id uint64, hdr wire.AltSettingStatusHeader) {
	p.queue(wire.TypeAltSettingStatus, id, mustPack(hdr), nil)
}

func (p *Parser) SendStartIsoStream(id uint64, hdr wire.StartIsoStreamHeader) {
	p.queue(wire.TypeStartIsoStream, id, mustPack(hdr), nil)
}

func (p *Parser) SendStopIsoStream(id uint64, hdr wire.StopIsoStreamHeader) {
	p.queue(wire.TypeStopIsoStream, id, mustPack(hdr), nil)
}

func (p *Parser) SendIsoStreamStatus(id uint64, hdr wire.IsoStreamStatusHeader) {
	p.queue(wire.TypeIsoStreamStatus, id, mustPack(hdr), nil)
}

func (p *Parser) SendStartInterruptReceiving(id uint64, hdr wire.StartInterruptReceivingHeader) {
	p.queue(wire.TypeStartInterruptReceiving, id, mustPack(hdr), nil)
}

func (p *Parser) SendStopInterruptReceiving(id uint64, hdr wire.StopInterruptReceivingHeader) {
	p.queue(wire.TypeStopInterruptReceiving, id, mustPack(hdr), nil)
}

func (p *Parser) SendInterruptReceivingStatus(id uint64, hdr wire.InterruptReceivingStatusHeader) {
	p.queue(wire.TypeInterruptReceivingStatus, id, mustPack(hdr), nil)
}

func (p *Parser) SendAllocBulkStreams(id uint64, hdr wire.AllocBulkStreamsHeader) {
	p.queue(wire.TypeAllocBulkStreams, id, mustPack(hdr), nil)
}

func (p *Parser) SendFreeBulkStreams(id uint64, hdr wire.FreeBulkStreamsHeader) {
	p.queue(wire.TypeFreeBulkStreams, id, mustPack(hdr), nil)
}

func (p *Parser) SendBulkStreamsStatus(id uint64, hdr wire.BulkStreamsStatusHeader) {
	p.queue(wire.TypeBulkStreamsStatus, id, mustPack(hdr), nil)
}

func (p *Parser) SendCancelDataPacket(id uint64) {
	p.queue(wire.TypeCancelDataPacket, id, nil, nil)
}

// SendFilterReject is a no-op unless the peer advertised CapFilter — a
// peer that never asked for filtering has nothing to reject with.
func (p *Parser) SendFilterReject() {
	if !p.peerHasCap(wire.CapFilter) {
		return
	}
	p.queue(wire.TypeFilterReject, 0, nil, nil)
}

// SendFilterFilter serializes rules with the protocol's fixed "," / "|"
// separators and queues them as a NUL-terminated string payload. It is a
// no-op unless the peer advertised CapFilter.
func (p *Parser) SendFilterFilter(rules []filter.Rule) {
	if !p.peerHasCap(wire.CapFilter) {
		return
	}
	str, err := filter.Serialize(rules, ",", "|")
	if err != nil {
		return
	}
	p.queue(wire.TypeFilterFilter, 0, nil, append([]byte(str), 0))
}

func (p *Parser) SendStartBulkReceiving(id uint64, hdr wire.StartBulkReceivingHeader) {
	p.queue(wire.TypeStartBulkReceiving, id, mustPack(hdr), nil)
}

func (p *Parser) SendStopBulkReceiving(id uint64, hdr wire.StopBulkReceivingHeader) {
	p.queue(wire.TypeStopBulkReceiving, id, mustPack(hdr), nil)
}

func (p *Parser) SendBulkReceivingStatus(id uint64, hdr wire.BulkReceivingStatusHeader) {
	p.queue(wire.TypeBulkReceivingStatus, id, mustPack(hdr), nil)
}

func (p *Parser) SendControlPacket(id uint64, hdr wire.ControlPacketHeader, data []byte) {
	p.queue(wire.TypeControlPacket, id, mustPack(hdr), data)
}

// SendBulkPacket picks the 16-bit or 32-bit length header variant based on
// negotiated Cap32BitsBulkLength.
func (p *Parser) SendBulkPacket(id uint64, endpoint, status uint8, streamID uint32, data []byte) {
	if p.haveCap(wire.Cap32BitsBulkLength) {
		hdr := wire.BulkPacketHeader{
			Endpoint: endpoint, Status: status, StreamID: streamID,
			Length:     uint16(len(data)),
			LengthHigh: uint16(len(data) >> 16),
		}
		p.queue(wire.TypeBulkPacket, id, mustPack(hdr), data)
		return
	}
	hdr := wire.BulkPacketHeader16{Endpoint: endpoint, Status: status, StreamID: streamID, Length: uint16(len(data))}
	p.queue(wire.TypeBulkPacket, id, mustPack(hdr), data)
}

func (p *Parser) SendIsoPacket(id uint64, hdr wire.IsoPacketHeader, data []byte) {
	p.queue(wire.TypeIsoPacket, id, mustPack(hdr), data)
}

func (p *Parser) SendInterruptPacket(id uint64, hdr wire.InterruptPacketHeader, data []byte) {
	p.queue(wire.TypeInterruptPacket, id, mustPack(hdr), data)
}

func (p *Parser) SendBufferedBulkPacket(id uint64, hdr wire.BufferedBulkPacketHeader, data []byte) {
	p.queue(wire.TypeBufferedBulkPacket, id, mustPack(hdr), data)
}
