package usbdev

import (
	"fmt"
	"syscall"

	"github.com/daedaluz/usbredir/usbdev/usbfs"
)

const (
	usbDevPath = "/dev/bus/usb"
)

// Device is a single USB device reachable through the Linux usbfs character
// device at /dev/bus/usb/<bus>/<dev>.
type Device struct {
	fd           int
	BusNumber    int
	DeviceNumber int
	Descriptors  []Descriptor
}

func (d *Device) GetDeviceDescriptor() *DeviceDescriptor {
	return d.Descriptors[0].(*DeviceDescriptor)
}

func (d *Device) Open() error {
	if d.fd != -1 {
		return fmt.Errorf("device already open")
	}
	fd, err := usbfs.OpenDevice(d.BusNumber, d.DeviceNumber)
	if err != nil {
		return err
	}
	d.fd = fd
	return nil
}

func (d *Device) IsOpen() bool {
	return d.fd != -1
}

// Fd exposes the raw usbfs file descriptor for backends that need to issue
// ioctls (claim/release, async URB submit/reap) not wrapped here directly.
func (d *Device) Fd() int {
	return d.fd
}

func (d *Device) GetDriver(iface uint32) (string, error) {
	return usbfs.GetDriver(d.fd, iface)
}

func (d *Device) DetachKernel(iface uint32) error {
	return usbfs.Disconnect(d.fd, iface)
}

func (d *Device) AttachKernel(iface uint32) error {
	return usbfs.Connect(d.fd, iface)
}

func (d *Device) ClaimInterface(iface int) error {
	return usbfs.ClaimInterface(d.fd, iface)
}

func (d *Device) ReleaseInterface(iface int) error {
	return usbfs.ReleaseInterface(d.fd, iface)
}

func (d *Device) SetInterfaceAltSetting(iface, setting uint32) error {
	return usbfs.SetInterface(d.fd, iface, setting)
}

func (d *Device) Reset() error {
	return usbfs.ResetDevice(d.fd)
}

func (d *Device) ClearHalt(ep uint8) error {
	return usbfs.ClearHalt(d.fd, ep)
}

func (d *Device) Ctrl(typ RequestType, req uint8, value uint16, index uint16, payload []byte) (int, error) {
	return usbfs.ControlTransfer(d.fd, uint8(typ), req, value, index, 1000, payload)
}

func (d *Device) CtrlTimeout(typ RequestType, req uint8, value uint16, index uint16, payload []byte, timeout uint32) (int, error) {
	return usbfs.ControlTransfer(d.fd, uint8(typ), req, value, index, timeout, payload)
}

func (d *Device) Bulk(ep uint8, data []byte) (int, error) {
	return usbfs.BulkTransfer(d.fd, uint32(ep)&0xFF, 1000, data)
}

func (d *Device) BulkTimeout(ep uint8, data []byte, timeout uint32) (int, error) {
	return usbfs.BulkTransfer(d.fd, uint32(ep)&0xFF, timeout, data)
}

func (d *Device) Close() error {
	e := syscall.Close(d.fd)
	d.fd = -1
	return e
}
