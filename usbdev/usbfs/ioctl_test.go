package usbfs

import (
	"testing"
	"unsafe"
)

const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func _IO(t, nr uintptr) uintptr {
	return _IOC(iocNone, t, nr, 0)
}

func _IOR(t, nr, size uintptr) uintptr {
	return _IOC(iocRead, t, nr, size)
}

func _IOW(t, nr, size uintptr) uintptr {
	return _IOC(iocWrite, t, nr, size)
}

func _IOWR(t, nr, size uintptr) uintptr {
	return _IOC(iocRead|iocWrite, t, nr, size)
}

func _IOC(dir, t, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (t << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

type ioctlstruct struct {
	name   string
	number uintptr
	target uintptr
}

// ioctls checks every ctl_usbdevfs_* package variable declared in ioctl.go
// — the actual values GetDriver, ControlTransfer, SubmitURB, AllocStreams
// and the rest of this file's functions pass to the kernel — against the
// literal request codes usbdevice_fs.h's _IOR/_IOW/_IOWR/_IO macros expand
// to. A reordered or miscounted nr in ioctl.go's var block would silently
// talk to the wrong ioctl; this is what would catch it.
var ioctls = []ioctlstruct{
	{"USBDEVFS_CONTROL", ctl_usbdevfs_control, 0xC0185500},
	{"USBDEVFS_BULK", ctl_usbdevfs_bulk, 0xC0185502},
	{"USBDEVFS_RESETEP", ctl_usbdevfs_resetep, 0x80045503},
	{"USBDEVFS_SETINTERFACE", ctl_usbdevfs_setinterface, 0x80085504},
	{"USBDEVFS_SETCONFIGURATION", ctl_usbdevfs_setconfiguration, 0x80045505},
	{"USBDEVFS_GETDRIVER", ctl_usbdevfs_getdriver, 0x41045508},
	{"USBDEVFS_SUBMITURB", ctl_usbdevfs_submiturb, 0x8038550A},
	{"USBDEVFS_DISCARDURB", ctl_usbdevfs_discardurb, 0x0000550B},
	{"USBDEVFS_REAPURB", ctl_usbdevfs_reapurb, 0x4008550C},
	{"USBDEVFS_REAPURBNDELAY", ctl_usbdevfs_reapurbndelay, 0x4008550D},
	{"USBDEVFS_DISCSIGNAL", ctl_usbdevfs_discsignal, 0x8010550E},
	{"USBDEVFS_CLAIMINTERFACE", ctl_usbdevfs_claiminterface, 0x8004550F},
	{"USBDEVFS_RELEASEINTERFACE", ctl_usbdevfs_releaseinterface, 0x80045510},
	{"USBDEVFS_CONNECTINFO", ctl_usbdevfs_connectionfo, 0x40085511},
	{"USBDEVFS_IOCTL", ctl_usbdevfs_ioctl, 0xC0105512},
	{"USBDEVFS_HUB_PORTINFO", ctl_usbdevfs_portinfo, 0x80805513},
	{"USBDEVFS_RESET", ctl_usbdevfs_reset, 0x00005514},
	{"USBDEVFS_CLEAR_HALT", ctl_usbdevfs_clear_halt, 0x80045515},
	{"USBDEVFS_DISCONNECT", ctl_usbdevfs_disconnect, 0x00005516},
	{"USBDEVFS_CONNECT", ctl_usbdevfs_connect, 0x00005517},
	{"USBDEVFS_CLAIM_PORT", ctl_usbdevfs_claim_port, 0x80045518},
	{"USBDEVFS_RELEASE_PORT", ctl_usbdevfs_release_port, 0x80045519},
	{"USBDEVFS_GET_CAPABILITIES", ctl_usbdevfs_get_capabilities, 0x8004551A},
	{"USBDEVFS_DISCONNECT_CLAIM", ctl_usbdevfs_disconnect_claim, 0x8108551B},
	{"USBDEVFS_ALLOC_STREAMS", ctl_usbdevfs_alloc_streams, 0x8008551C},
	{"USBDEVFS_FREE_STREAMS", ctl_usbdevfs_free_streams, 0x8008551D},
	{"USBDEVFS_DROP_PRIVILEGES", ctl_usbdevfs_drop_privileges, 0x4004551E},
	{"USBDEVFS_GET_SPEED", ctl_usbdevfs_get_speed, 0x0000551F},
}

func TestIOCTLNumbers(t *testing.T) {
	for _, ctl := range ioctls {
		if ctl.number != ctl.target {
			t.Errorf("WRONG NUMBER - %s, %.8X != %.8X", ctl.name, ctl.number, ctl.target)
		}
	}
}

// TestAsyncURBRequestCodesMatchMacros focuses TestIOCTLNumbers' general
// sweep on exactly the six request codes SubmitURB, DiscardURB, ReapURB,
// ReapURBNonBlocking, AllocStreams and FreeStreams issue, recomputing each
// from the _IOR/_IO/_IOW macros independently of ioctl.go's var block
// rather than re-reading the same package variable back at itself.
func TestAsyncURBRequestCodesMatchMacros(t *testing.T) {
	cases := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"submiturb (SubmitURB)", ctl_usbdevfs_submiturb, _IOR('U', 10, unsafe.Sizeof(usbdevfs_urb{}))},
		{"discardurb (DiscardURB)", ctl_usbdevfs_discardurb, _IO('U', 11)},
		{"reapurb (ReapURB)", ctl_usbdevfs_reapurb, _IOW('U', 12, unsafe.Sizeof(uintptr(0)))},
		{"reapurbndelay (ReapURBNonBlocking)", ctl_usbdevfs_reapurbndelay, _IOW('U', 13, unsafe.Sizeof(uintptr(0)))},
		{"alloc_streams (AllocStreams)", ctl_usbdevfs_alloc_streams, _IOR('U', 28, unsafe.Sizeof(usbdevfs_streams{}))},
		{"free_streams (FreeStreams)", ctl_usbdevfs_free_streams, _IOR('U', 29, unsafe.Sizeof(usbdevfs_streams{}))},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: ioctl.go var = %#x, want %#x", c.name, c.got, c.want)
		}
	}
}

/* usbdevice_fs.h
#define USBDEVFS_CONTROL           _IOWR('U', 0, struct usbdevfs_ctrltransfer)
#define USBDEVFS_CONTROL32         _IOWR('U', 0, struct usbdevfs_ctrltransfer32)
#define USBDEVFS_BULK              _IOWR('U', 2, struct usbdevfs_bulktransfer)
#define USBDEVFS_BULK32            _IOWR('U', 2, struct usbdevfs_bulktransfer32)
#define USBDEVFS_RESETEP           _IOR('U', 3, unsigned int)
#define USBDEVFS_SETINTERFACE      _IOR('U', 4, struct usbdevfs_setinterface)
#define USBDEVFS_SETCONFIGURATION  _IOR('U', 5, unsigned int)
#define USBDEVFS_GETDRIVER         _IOW('U', 8, struct usbdevfs_getdriver)
#define USBDEVFS_SUBMITURB         _IOR('U', 10, struct usbdevfs_urb)
#define USBDEVFS_SUBMITURB32       _IOR('U', 10, struct usbdevfs_urb32)
#define USBDEVFS_DISCARDURB        _IO('U', 11)
#define USBDEVFS_REAPURB           _IOW('U', 12, void *)
#define USBDEVFS_REAPURB32         _IOW('U', 12, __u32)
#define USBDEVFS_REAPURBNDELAY     _IOW('U', 13, void *)
#define USBDEVFS_REAPURBNDELAY32   _IOW('U', 13, __u32)
#define USBDEVFS_DISCSIGNAL        _IOR('U', 14, struct usbdevfs_disconnectsignal)
#define USBDEVFS_DISCSIGNAL32      _IOR('U', 14, struct usbdevfs_disconnectsignal32)
#define USBDEVFS_CLAIMINTERFACE    _IOR('U', 15, unsigned int)
#define USBDEVFS_RELEASEINTERFACE  _IOR('U', 16, unsigned int)
#define USBDEVFS_CONNECTINFO       _IOW('U', 17, struct usbdevfs_connectinfo)
#define USBDEVFS_IOCTL             _IOWR('U', 18, struct usbdevfs_ioctl)
#define USBDEVFS_IOCTL32           _IOWR('U', 18, struct usbdevfs_ioctl32)
#define USBDEVFS_HUB_PORTINFO      _IOR('U', 19, struct usbdevfs_hub_portinfo)
#define USBDEVFS_RESET             _IO('U', 20)
#define USBDEVFS_CLEAR_HALT        _IOR('U', 21, unsigned int)
#define USBDEVFS_DISCONNECT        _IO('U', 22)
#define USBDEVFS_CONNECT           _IO('U', 23)
#define USBDEVFS_CLAIM_PORT        _IOR('U', 24, unsigned int)
#define USBDEVFS_RELEASE_PORT      _IOR('U', 25, unsigned int)
#define USBDEVFS_GET_CAPABILITIES  _IOR('U', 26, __u32)
#define USBDEVFS_DISCONNECT_CLAIM  _IOR('U', 27, struct usbdevfs_disconnect_claim)
#define USBDEVFS_ALLOC_STREAMS     _IOR('U', 28, struct usbdevfs_streams)
#define USBDEVFS_FREE_STREAMS      _IOR('U', 29, struct usbdevfs_streams)
#define USBDEVFS_DROP_PRIVILEGES   _IOW('U', 30, __u32)
#define USBDEVFS_GET_SPEED         _IO('U', 31)
*/
