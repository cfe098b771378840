// Package wire defines the usbredir byte-stream protocol: packet types,
// capability bit positions, header layouts and wire status codes. It holds
// no behavior beyond small helpers on the types themselves; framing and
// dispatch live in package codec.
package wire

// Type identifies a packet's wire type, carried in every Header.
type Type uint32

// Packet types, in the order spec'd as the required subset. Values are
// sequential; this protocol does not claim wire compatibility with any
// other usbredir-shaped implementation.
const (
	TypeHello Type = iota
	TypeDeviceConnect
	TypeDeviceDisconnect
	TypeDeviceDisconnectAck
	TypeReset
	TypeInterfaceInfo
	TypeEPInfo
	TypeSetConfiguration
	TypeGetConfiguration
	TypeConfigurationStatus
	TypeSetAltSetting
	TypeGetAltSetting
	TypeAltSettingStatus
	TypeStartIsoStream
	TypeStopIsoStream
	TypeIsoStreamStatus
	TypeStartInterruptReceiving
	TypeStopInterruptReceiving
	TypeInterruptReceivingStatus
	TypeAllocBulkStreams
	TypeFreeBulkStreams
	TypeBulkStreamsStatus
	TypeCancelDataPacket
	TypeFilterReject
	TypeFilterFilter
	TypeStartBulkReceiving
	TypeStopBulkReceiving
	TypeBulkReceivingStatus
	TypeControlPacket
	TypeBulkPacket
	TypeIsoPacket
	TypeInterruptPacket
	TypeBufferedBulkPacket
)

var typeNames = map[Type]string{
	TypeHello:                    "hello",
	TypeDeviceConnect:            "device_connect",
	TypeDeviceDisconnect:         "device_disconnect",
	TypeDeviceDisconnectAck:      "device_disconnect_ack",
	TypeReset:                    "reset",
	TypeInterfaceInfo:            "interface_info",
	TypeEPInfo:                   "ep_info",
	TypeSetConfiguration:         "set_configuration",
	TypeGetConfiguration:         "get_configuration",
	TypeConfigurationStatus:      "configuration_status",
	TypeSetAltSetting:            "set_alt_setting",
	TypeGetAltSetting:            "get_alt_setting",
	TypeAltSettingStatus:         "alt_setting_status",
	TypeStartIsoStream:           "start_iso_stream",
	TypeStopIsoStream:            "stop_iso_stream",
	TypeIsoStreamStatus:          "iso_stream_status",
	TypeStartInterruptReceiving:  "start_interrupt_receiving",
	TypeStopInterruptReceiving:   "stop_interrupt_receiving",
	TypeInterruptReceivingStatus: "interrupt_receiving_status",
	TypeAllocBulkStreams:         "alloc_bulk_streams",
	TypeFreeBulkStreams:          "free_bulk_streams",
	TypeBulkStreamsStatus:        "bulk_streams_status",
	TypeCancelDataPacket:         "cancel_data_packet",
	TypeFilterReject:             "filter_reject",
	TypeFilterFilter:             "filter_filter",
	TypeStartBulkReceiving:       "start_bulk_receiving",
	TypeStopBulkReceiving:        "stop_bulk_receiving",
	TypeBulkReceivingStatus:      "bulk_receiving_status",
	TypeControlPacket:            "control_packet",
	TypeBulkPacket:               "bulk_packet",
	TypeIsoPacket:                "iso_packet",
	TypeInterruptPacket:          "interrupt_packet",
	TypeBufferedBulkPacket:       "buffered_bulk_packet",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Status is the wire-level outcome of a data packet or control operation.
type Status int32

const (
	StatusSuccess Status = iota
	StatusCancelled
	StatusInval
	StatusIOError
	StatusStall
	StatusTimeout
	StatusBabble
	StatusDisconnected
	StatusNoDeviceInEP
)

var statusNames = map[Status]string{
	StatusSuccess:      "success",
	StatusCancelled:    "cancelled",
	StatusInval:        "inval",
	StatusIOError:      "ioerror",
	StatusStall:        "stall",
	StatusTimeout:      "timeout",
	StatusBabble:       "babble",
	StatusDisconnected: "disconnected",
	StatusNoDeviceInEP: "no_device_in_ep",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// ReadStatus extends Status for the host-side internal read path, which can
// additionally signal that the device went away entirely rather than just
// that one packet failed.
type ReadStatus int32

const (
	ReadStatusOK ReadStatus = iota
	ReadStatusDeviceRejected
	ReadStatusDeviceLost
)

// MaxPacketSize is the upper bound on a declared packet length, header
// included: 1024 bytes of header slack plus the bulk transfer ceiling.
const (
	MaxBulkTransferSize = 128 * 1024 * 1024
	MaxPacketSize       = 1024 + MaxBulkTransferSize
)

// MaxTypeHeaderLen bounds the type-specific header buffer; no header defined
// here approaches it, matching the teacher protocol's own 288-byte slack.
const MaxTypeHeaderLen = 288
