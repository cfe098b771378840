package linuxusb

import (
	"testing"

	"github.com/daedaluz/usbredir/hostengine"
	"github.com/daedaluz/usbredir/usbdev/usbfs"
	"golang.org/x/sys/unix"
)

func TestURBTypeMatchesTransferType(t *testing.T) {
	cases := []struct {
		transfer hostengine.TransferType
		want     uint8
	}{
		{hostengine.TransferControl, usbfs.URBTypeControl},
		{hostengine.TransferISO, usbfs.URBTypeISO},
		{hostengine.TransferBulk, usbfs.URBTypeBulk},
		{hostengine.TransferInterrupt, usbfs.URBTypeInterrupt},
	}
	for _, c := range cases {
		if got := urbType(c.transfer); got != c.want {
			t.Errorf("urbType(%v) = %d, want %d", c.transfer, got, c.want)
		}
	}
}

func TestMapURBStatus(t *testing.T) {
	cases := []struct {
		status int32
		want   hostengine.CompletionStatus
	}{
		{0, hostengine.CompletionCompleted},
		{-int32(unix.ECANCELED), hostengine.CompletionCancelled},
		{-int32(unix.EPIPE), hostengine.CompletionStall},
		{-int32(unix.ENODEV), hostengine.CompletionNoDevice},
		{-int32(unix.ESHUTDOWN), hostengine.CompletionNoDevice},
		{-int32(unix.ETIMEDOUT), hostengine.CompletionTimedOut},
		{-int32(unix.EOVERFLOW), hostengine.CompletionOverflow},
		{-int32(unix.EIO), hostengine.CompletionError},
	}
	for _, c := range cases {
		if got := mapURBStatus(c.status); got != c.want {
			t.Errorf("mapURBStatus(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestSetConfigurationRejectsNonDefault(t *testing.T) {
	d := &Driver{}
	if err := d.SetConfiguration(1); err != nil {
		t.Errorf("SetConfiguration(1) = %v, want nil", err)
	}
	if err := d.SetConfiguration(2); err == nil {
		t.Error("SetConfiguration(2) = nil, want an error")
	}
}
