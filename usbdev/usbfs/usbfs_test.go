package usbfs

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// invalidFd stands in for a closed usbfs handle: every ioctl against it
// fails with EBADF before ever reaching a real device, which is enough to
// exercise SubmitURB/ReapURB/DiscardURB/AllocStreams/FreeStreams' argument
// packing and error handling without a usbfs node to open.
const invalidFd = -1

func TestSubmitURBCleansUpPendingEntryOnFailure(t *testing.T) {
	buf := make([]byte, 64)
	_, err := SubmitURB(invalidFd, URBTypeBulk, 0x81, 0, buf, 0, "ctx")
	if err == nil {
		t.Fatal("SubmitURB(invalidFd) = nil error, want one")
	}

	count := 0
	pendingURBs.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	if count != 0 {
		t.Errorf("pendingURBs has %d entries after a failed submit, want 0", count)
	}
}

func TestPendingURBRegistryKeepsContext(t *testing.T) {
	// A successful-looking submit can't happen against invalidFd, so this
	// exercises the registry bookkeeping directly: a URB the caller holds
	// is keyed by its raw struct's address for ReapURB to recover later.
	u := &URB{raw: &usbdevfs_urb{}, Context: "payload"}
	key := uintptr(unsafe.Pointer(u.raw))
	pendingURBs.Store(key, u)
	defer pendingURBs.Delete(key)

	v, ok := pendingURBs.Load(key)
	if !ok {
		t.Fatal("pendingURBs lost the entry it was just given")
	}
	if v.(*URB).Context != "payload" {
		t.Errorf("Context = %v, want %q", v.(*URB).Context, "payload")
	}
}

func TestDiscardURBSurfacesNonEINVALError(t *testing.T) {
	// DiscardURB treats EINVAL (urb already completed/reaped) as success,
	// since a caller racing a completion against a cancellation can't tell
	// which happened first; any other ioctl error, such as EBADF from an
	// invalid descriptor, is returned.
	u := &URB{raw: &usbdevfs_urb{}}
	if err := DiscardURB(invalidFd, u); err == nil {
		t.Fatal("DiscardURB(invalidFd) = nil, want the underlying ioctl error (EBADF, not EINVAL) to surface")
	}
}

func TestReapURBNonBlockingReportsErrorOnInvalidFd(t *testing.T) {
	_, _, _, err := ReapURBNonBlocking(invalidFd)
	if err == nil {
		t.Fatal("ReapURBNonBlocking(invalidFd) = nil error, want one")
	}
	if err == unix.EAGAIN {
		t.Fatal("ReapURBNonBlocking(invalidFd) should fail with EBADF, not report EAGAIN for a bad descriptor")
	}
}

func TestStreamsIoctlPacksHeaderAndEndpoints(t *testing.T) {
	// AllocStreams/FreeStreams both funnel through streamsIoctl, which
	// hand-packs the variable-length usbdevfs_streams struct (a fixed
	// 8-byte header followed by one byte per endpoint) since it can't be
	// expressed as a fixed Go struct. Exercise both callers against
	// invalidFd: the packing must happen (and not panic) before the
	// syscall fails.
	endpoints := []uint8{0x81, 0x02}
	if err := AllocStreams(invalidFd, 4, endpoints); err == nil {
		t.Fatal("AllocStreams(invalidFd) = nil error, want one")
	}
	if err := FreeStreams(invalidFd, endpoints); err == nil {
		t.Fatal("FreeStreams(invalidFd) = nil error, want one")
	}
}
