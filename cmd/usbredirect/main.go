// Command usbredirect redirects a local USB device to a remote usbredir
// peer, either by connecting out to it (--to) or by listening for it
// (--as).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/daedaluz/usbredir/codec"
	"github.com/daedaluz/usbredir/hostengine"
	"github.com/daedaluz/usbredir/linuxusb"
	"github.com/daedaluz/usbredir/usbdev"
	"github.com/daedaluz/usbredir/wire"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	deviceFlag    = flag.String("device", "", "local USB device to redirect: vendor:product or bus-address")
	toFlag        = flag.String("to", "", "connect out to a remote usbredir client at host:port")
	asFlag        = flag.String("as", "", "listen for a usbredir client at host:port")
	keepaliveFlag = flag.Bool("keepalive", false, "enable TCP keepalive on the redirection socket")
	verboseFlag   = flag.IntP("verbose", "v", 0, "log level, 1-5, 5 being the most verbose")
	tuiFlag       = flag.Bool("tui", false, "show a live status view instead of logging to stderr")
)

func main() {
	flag.Parse()
	log := logrus.New()
	log.SetLevel(verbosityToLevel(*verboseFlag))

	if *toFlag == "" && *asFlag == "" {
		fmt.Fprintln(os.Stderr, "usbredirect: need either --to or --as")
		flag.Usage()
		os.Exit(2)
	}

	dev, err := findDevice(*deviceFlag)
	if err != nil {
		log.WithError(err).Fatal("could not find device to redirect")
	}
	if err := dev.Open(); err != nil {
		log.WithError(err).Fatal("could not open device")
	}
	defer dev.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	conn, err := dialOrListen(ctx, *toFlag, *asFlag, *keepaliveFlag)
	if err != nil {
		log.WithError(err).Fatal("could not establish redirection socket")
	}
	defer conn.Close()

	driver := linuxusb.New(dev)
	host := hostengine.NewHost(nil)
	host.SetLogger(log)

	var caps wire.CapSet
	caps.Set(wire.CapConnectDeviceVersion)
	caps.Set(wire.CapFilter)
	caps.Set(wire.CapDeviceDisconnectAck)
	caps.Set(wire.CapEPInfoMaxPacketSize)
	caps.Set(wire.Cap64BitIDs)
	caps.Set(wire.CapBulkReceiving)

	parser := codec.NewParser(codec.RoleHost, "usbredirect", caps, host)
	parser.SetLogger(log)
	host.SetParser(parser)
	if err := host.SetDevice(driver); err != nil {
		log.WithError(err).Fatal("could not claim device")
	}

	status := newStatusReporter(log, *tuiFlag)
	status.Start(ctx, host)
	defer status.Stop()

	go host.Run(ctx)

	if err := pump(ctx, host, conn); err != nil {
		log.WithError(err).Error("redirection session ended")
	}
}

func verbosityToLevel(v int) logrus.Level {
	switch {
	case v >= 5:
		return logrus.TraceLevel
	case v == 4:
		return logrus.DebugLevel
	case v == 3:
		return logrus.InfoLevel
	case v == 2:
		return logrus.WarnLevel
	case v == 1:
		return logrus.ErrorLevel
	default:
		return logrus.FatalLevel
	}
}

// findDevice resolves --device's "vendor:product" or "bus-address" syntax
// against the locally attached USB devices, mirroring usbredirect's own
// parse_opt_device.
func findDevice(spec string) (*usbdev.Device, error) {
	if spec == "" {
		devices, err := usbdev.EnumerateDevices()
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("no USB devices found")
		}
		return devices[0], nil
	}

	if strings.Contains(spec, "-") {
		parts := strings.SplitN(spec, "-", 2)
		bus, err1 := strconv.Atoi(parts[0])
		addr, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("usbredirect: invalid bus-address %q", spec)
		}
		devices, err := usbdev.FindDevices(func(d *usbdev.Device) bool {
			return d.BusNumber == bus && d.DeviceNumber == addr
		})
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("usbredirect: no device at bus %d address %d", bus, addr)
		}
		return devices[0], nil
	}

	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("usbredirect: invalid device %q, expected vendor:product or bus-address", spec)
	}
	vendor, err1 := strconv.ParseUint(parts[0], 16, 16)
	product, err2 := strconv.ParseUint(parts[1], 16, 16)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("usbredirect: invalid vendor:product %q", spec)
	}
	devices, err := usbdev.FindDevices(func(d *usbdev.Device) bool {
		dd := d.GetDeviceDescriptor()
		return uint64(dd.IDVendor) == vendor && uint64(dd.IDProduct) == product
	})
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("usbredirect: no device matching %04x:%04x", vendor, product)
	}
	return devices[0], nil
}

func dialOrListen(ctx context.Context, to, as string, keepalive bool) (net.Conn, error) {
	if to != "" {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", to)
		if err != nil {
			return nil, err
		}
		setKeepalive(conn, keepalive)
		return conn, nil
	}
	ln, err := net.Listen("tcp", as)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	setKeepalive(conn, keepalive)
	return conn, nil
}

func setKeepalive(conn net.Conn, enable bool) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(enable)
	}
}

// pump feeds bytes read from conn into the host's parser and writes back
// whatever the host queued in response, until ctx is cancelled or the
// connection fails.
func pump(ctx context.Context, host *hostengine.Host, conn net.Conn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	// The parser built in main queued our hello before pump started; get
	// it onto the wire before the first blocking ReadGuestData, or both
	// ends of the redirection socket wait on each other to write first.
	if err := host.Flush(conn); err != nil {
		return err
	}
	for {
		status, err := host.ReadGuestData(conn)
		if status == hostengine.ReadDeviceRejected {
			return fmt.Errorf("usbredirect: malformed guest data: %w", err)
		}
		if werr := host.Flush(conn); werr != nil {
			return werr
		}
		if status == hostengine.ReadDeviceLost {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
