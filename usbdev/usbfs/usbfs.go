package usbfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	usbDevPath = "/dev/bus/usb"
)

func ioctl(fd int, ioc uint32, arg interface{}) (int, error) {
	b := bytes.Buffer{}
	if err := binary.Write(&b, binary.LittleEndian, arg); err != nil {
		return -1, err
	}
	buff := b.Bytes()
	r, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ioc), uintptr(unsafe.Pointer(&buff[0])))
	if e != syscall.Errno(0) {
		return int(r), e
	}
	return int(r), nil
}

func GetDriver(fd int, iface uint32) (string, error) {
	data := &usbdevfs_getdriver{
		Interface: iface,
	}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_getdriver, uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return data.String(), nil
	}
	return "", e
}

func GetConnectInfo(fd int) (uint8, error) {
	info := &usbdevfs_connectinfo{}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_connectionfo, uintptr(unsafe.Pointer(info)))
	if e == syscall.Errno(0) {
		return info.Slow, nil
	}
	return 0, e
}

func SetInterface(fd int, iface, setting uint32) error {
	data := &usbdevfs_setinterface{
		Interface:  iface,
		AltSetting: setting,
	}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_setinterface, uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ClaimInterface(fd, iface int) error {
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_claiminterface, uintptr(iface))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ReleaseInterface(fd, iface int) error {
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_releaseinterface, uintptr(iface))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func Disconnect(fd int, iface uint32) error {
	data := usbdevfs_ioctl{
		Interface: int32(iface),
		IoctlCode: int32(ctl_usbdevfs_disconnect),
		Data:      0,
	}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_ioctl, uintptr(unsafe.Pointer(&data)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func Connect(fd int, iface uint32) error {
	data := usbdevfs_ioctl{
		Interface: int32(iface),
		IoctlCode: int32(ctl_usbdevfs_connect),
		Data:      0,
	}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_ioctl, uintptr(unsafe.Pointer(&data)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ControlTransfer(fd int, typ uint8, request uint8, value uint16, index uint16, timeout uint32, payload []byte) (int, error) {
	data := &usbdevfs_ctrltransfer{
		RequestType: typ,
		Request:     request,
		Value:       value,
		Index:       index,
		Timeout:     timeout,
	}
	if payload != nil {
		data.Length = uint16(len(payload))
		data.Data = slicePtr(payload)
	}
	x, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_control, uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return int(x), nil
	}
	return int(x), e
}

func BulkTransfer(fd int, endpoint uint32, timeout uint32, payload []byte) (int, error) {
	data := &usbdevfs_bulktransfer{
		Endpoint: endpoint,
		Timeout:  timeout,
	}
	if payload != nil {
		data.Length = uint32(len(payload))
		data.Data = slicePtr(payload)
	}
	x, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_bulk, uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return int(x), nil
	}
	return int(x), e
}

func ResetDevice(fd int) error {
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_reset, uintptr(0))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ClearHalt(fd int, endpoint uint8) error {
	ep := uint32(endpoint)
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_clear_halt, uintptr(unsafe.Pointer(&ep)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

// URB transfer types, from usbdevice_fs.h.
const (
	URBTypeISO       = uint8(0)
	URBTypeInterrupt = uint8(1)
	URBTypeControl   = uint8(2)
	URBTypeBulk      = uint8(3)
)

// URB flags, from usbdevice_fs.h.
const (
	URBShortNotOK       = uint32(0x01)
	URBISOAsap          = uint32(0x02)
	URBBulkContinuation = uint32(0x04)
	URBNoFSBR           = uint32(0x20)
	URBZeroPacket       = uint32(0x40)
	URBNoInterrupt      = uint32(0x80)
)

// URB is a submitted asynchronous USB Request Block. The caller owns Buffer
// for the lifetime of the transfer; it must not be touched until the URB is
// reaped. Context is whatever the caller passed to SubmitURB, recovered by
// ReapURB/ReapURBNonBlocking via the pending-URB registry below rather than
// by stuffing a Go pointer into the kernel-visible struct.
type URB struct {
	raw     *usbdevfs_urb
	Buffer  []byte
	Context interface{}
}

var pendingURBs sync.Map // raw urb address (uintptr) -> *URB

// SubmitURB queues an asynchronous transfer on endpoint. streamOrPackets is
// the stream ID for bulk transfers with the bulk-streams capability, or the
// packet count for isochronous transfers; it is ignored for control and
// interrupt transfers. ctx is opaque caller state returned unchanged by the
// Reap functions once the transfer completes.
func SubmitURB(fd int, urbType uint8, endpoint uint8, flags uint32, buffer []byte, streamOrPackets uint32, ctx interface{}) (*URB, error) {
	raw := &usbdevfs_urb{
		Type:            urbType,
		Endpoint:        endpoint,
		Flags:           flags,
		BufferLength:    int32(len(buffer)),
		PacketsOrStream: streamOrPackets,
	}
	if len(buffer) > 0 {
		raw.Buffer = slicePtr(buffer)
	}
	u := &URB{raw: raw, Buffer: buffer, Context: ctx}
	key := uintptr(unsafe.Pointer(raw))
	pendingURBs.Store(key, u)
	_, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_submiturb, uintptr(unsafe.Pointer(raw)))
	if e != 0 {
		pendingURBs.Delete(key)
		return nil, e
	}
	return u, nil
}

// DiscardURB cancels a submitted URB. The URB must still be reaped after
// cancellation completes; the kernel reports it with Status set to -ECANCELED.
func DiscardURB(fd int, u *URB) error {
	_, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_discardurb, uintptr(unsafe.Pointer(u.raw)))
	if e != 0 && e != unix.EINVAL {
		return e
	}
	return nil
}

// ReapURB blocks until a completed URB is available on fd and returns it
// along with its actual transfer length and completion status (0 on success,
// a negative errno otherwise).
func ReapURB(fd int) (*URB, int, int32, error) {
	return reapURB(fd, ctl_usbdevfs_reapurb)
}

// ReapURBNonBlocking is ReapURB without waiting; it returns unix.EAGAIN
// when nothing is ready yet.
func ReapURBNonBlocking(fd int) (*URB, int, int32, error) {
	return reapURB(fd, ctl_usbdevfs_reapurbndelay)
}

func reapURB(fd int, ioc uintptr) (*URB, int, int32, error) {
	var ptr uintptr
	_, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioc, uintptr(unsafe.Pointer(&ptr)))
	if e != 0 {
		return nil, 0, 0, e
	}
	v, ok := pendingURBs.LoadAndDelete(ptr)
	if !ok {
		return nil, 0, 0, fmt.Errorf("usbfs: reaped unknown urb at %#x", ptr)
	}
	u := v.(*URB)
	return u, int(u.raw.ActualLength), u.raw.Status, nil
}

// AllocStreams requests numStreams bulk streams on each of the given
// endpoints (both IN and OUT addresses of the same stream-capable bulk
// endpoint pair must be passed together). The usbdevfs_streams struct is
// variable-length (a fixed header followed by one byte per endpoint), so
// it is packed by hand rather than through the generic ioctl() helper.
func AllocStreams(fd int, numStreams uint32, endpoints []uint8) error {
	return streamsIoctl(fd, ctl_usbdevfs_alloc_streams, numStreams, endpoints)
}

// FreeStreams releases bulk streams previously allocated on endpoints.
func FreeStreams(fd int, endpoints []uint8) error {
	return streamsIoctl(fd, ctl_usbdevfs_free_streams, 0, endpoints)
}

func streamsIoctl(fd int, ioc uintptr, numStreams uint32, endpoints []uint8) error {
	buf := make([]byte, 8+len(endpoints))
	binary.LittleEndian.PutUint32(buf[0:4], numStreams)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(endpoints)))
	copy(buf[8:], endpoints)
	_, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioc, uintptr(unsafe.Pointer(&buf[0])))
	if e == 0 {
		return nil
	}
	return e
}

func OpenDevice(busNumber, deviceNumber int) (int, error) {
	devPath := fmt.Sprintf("%s/%.3d/%.3d", usbDevPath, busNumber, deviceNumber)
	fd, err := syscall.Open(devPath, syscall.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}
