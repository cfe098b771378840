package wire

// Header is the fixed packet header used when both peers negotiate
// 64bits_ids. Field order matches the wire, little-endian.
type Header struct {
	Type   uint32
	Length uint32
	ID     uint64
}

// Header32 is the fixed packet header used when either peer lacks
// 64bits_ids; it is the default until a hello has been exchanged.
type Header32 struct {
	Type   uint32
	Length uint32
	ID     uint32
}

// HelloHeader carries the peer's version string; the capability words
// follow as variable-length payload (data_len = 4*num_words).
type HelloHeader struct {
	Version [64]byte
}

// DeviceConnectHeader is sent when both peers have CapConnectDeviceVersion;
// it includes the device_version_bcd field.
type DeviceConnectHeader struct {
	Speed            uint8
	DeviceClass      uint8
	DeviceSubclass   uint8
	DeviceProtocol   uint8
	VendorID         uint16
	ProductID        uint16
	DeviceVersionBCD uint16
}

// DeviceConnectHeaderNoVersion is sent when either peer lacks
// CapConnectDeviceVersion; device_version_bcd is omitted.
type DeviceConnectHeaderNoVersion struct {
	Speed          uint8
	DeviceClass    uint8
	DeviceSubclass uint8
	DeviceProtocol uint8
	VendorID       uint16
	ProductID      uint16
}

// InterfaceInfoHeader describes every interface of the active configuration.
// Only the first InterfaceCount entries of each array are meaningful.
type InterfaceInfoHeader struct {
	InterfaceCount    uint32
	Interface         [32]uint8
	InterfaceClass    [32]uint8
	InterfaceSubclass [32]uint8
	InterfaceProtocol [32]uint8
}

// EPInfoHeader is the full layout, sent when both peers have
// CapBulkStreams (which implies CapEPInfoMaxPacketSize).
type EPInfoHeader struct {
	Type          [32]uint8
	Interval      [32]uint8
	Interface     [32]uint8
	MaxPacketSize [32]uint16
	MaxStreams    [32]uint32
}

// EPInfoHeaderNoMaxStreams drops the per-endpoint stream count, sent when
// both peers have CapEPInfoMaxPacketSize but not CapBulkStreams.
type EPInfoHeaderNoMaxStreams struct {
	Type          [32]uint8
	Interval      [32]uint8
	Interface     [32]uint8
	MaxPacketSize [32]uint16
}

// EPInfoHeaderNoMaxPacketSize is the oldest/smallest variant, sent when
// neither CapEPInfoMaxPacketSize nor CapBulkStreams is negotiated.
type EPInfoHeaderNoMaxPacketSize struct {
	Type      [32]uint8
	Interval  [32]uint8
	Interface [32]uint8
}

type SetConfigurationHeader struct {
	Configuration uint8
}

type ConfigurationStatusHeader struct {
	Status        uint8
	Configuration uint8
}

type SetAltSettingHeader struct {
	Interface uint8
	Alt       uint8
}

type GetAltSettingHeader struct {
	Interface uint8
}

type AltSettingStatusHeader struct {
	Status    uint8
	Interface uint8
	Alt       uint8
}

type StartIsoStreamHeader struct {
	Endpoint   uint8
	PktsPerUrb uint8
	NoUrbs     uint8
}

type StopIsoStreamHeader struct {
	Endpoint uint8
}

type IsoStreamStatusHeader struct {
	Status   uint8
	Endpoint uint8
}

type StartInterruptReceivingHeader struct {
	Endpoint uint8
}

type StopInterruptReceivingHeader struct {
	Endpoint uint8
}

type InterruptReceivingStatusHeader struct {
	Status   uint8
	Endpoint uint8
}

type AllocBulkStreamsHeader struct {
	Endpoint  uint8
	NoStreams uint8
}

type FreeBulkStreamsHeader struct {
	Endpoint uint8
}

type BulkStreamsStatusHeader struct {
	Status    uint8
	Endpoint  uint8
	NoStreams uint8
}

// ControlPacketHeader is fixed-size regardless of capabilities: it always
// carries a 16-bit length (control transfers are small by USB rule).
type ControlPacketHeader struct {
	Endpoint    uint8
	RequestType uint8
	Request     uint8
	Status      uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// BulkPacketHeader is the 32-bit-length variant, sent when both peers have
// Cap32BitsBulkLength.
type BulkPacketHeader struct {
	Endpoint   uint8
	Status     uint8
	Length     uint16
	StreamID   uint32
	LengthHigh uint16
}

// BulkPacketHeader16 is the historical 16-bit-length variant.
type BulkPacketHeader16 struct {
	Endpoint uint8
	Status   uint8
	Length   uint16
	StreamID uint32
}

type IsoPacketHeader struct {
	Endpoint uint8
	Status   uint8
	Length   uint16
}

type InterruptPacketHeader struct {
	Endpoint uint8
	Status   uint8
	Length   uint16
}

type StartBulkReceivingHeader struct {
	Endpoint         uint8
	_                [3]uint8
	BytesPerTransfer uint32
	NoTransfers      uint8
}

type StopBulkReceivingHeader struct {
	Endpoint uint8
}

type BulkReceivingStatusHeader struct {
	Endpoint         uint8
	Status           uint8
	_                [2]uint8
	BytesPerTransfer uint32
}

// BufferedBulkPacketHeader carries a receive-mode bulk payload; length can
// exceed 16 bits so it is 32-bit natively (no historical variant needed,
// since buffered bulk receiving was added after 32bits_bulk_length).
type BufferedBulkPacketHeader struct {
	Endpoint uint8
	Status   uint8
	_        [2]uint8
	Length   uint32
}
