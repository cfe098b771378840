package hostengine

import "github.com/daedaluz/usbredir/usbdev"

// maxEndpoints is the size of the folded endpoint-index space: 16 endpoint
// numbers (0-15) times 2 directions.
const maxEndpoints = 32

// epIndex folds a USB endpoint address into a 0-31 slot: bit 4 carries the
// direction (IN/OUT), bits 0-3 the endpoint number, matching the wire
// protocol's own ep_info array layout.
func epIndex(addr uint8) int {
	return int(((addr >> 3) & 0x10) | (addr & 0x0F))
}

// endpointState is one slot of the host's endpoint table, rebuilt whenever
// the active configuration or an interface's alt setting changes.
type endpointState struct {
	valid      bool
	address    uint8
	iface      uint8
	transfer   usbdev.TransferType
	interval   uint8
	maxPacket  uint16
	maxStreams uint32

	ring *transferRing
}

// interfaceInfo mirrors one row of wire.InterfaceInfoHeader.
type interfaceInfo struct {
	Number   uint8
	Class    uint8
	Subclass uint8
	Protocol uint8
}

// interfacesOf returns the InterfaceDescriptors found in all, one per
// interface number, each at its currently-active alternate setting
// (altSettings maps interface number to the selected alt; interfaces absent
// from the map use alt 0). all is the flat descriptor list AllDescriptors
// returned; it is not filtered by configuration value.
func interfacesOf(all []usbdev.Descriptor, altSettings map[uint8]uint8) []*usbdev.InterfaceDescriptor {
	var out []*usbdev.InterfaceDescriptor
	seen := map[uint8]bool{}
	for _, d := range all {
		ifc, ok := d.(*usbdev.InterfaceDescriptor)
		if !ok {
			continue
		}
		want := altSettings[ifc.BInterfaceNumber]
		if ifc.BAlternateSetting != want {
			continue
		}
		if seen[ifc.BInterfaceNumber] {
			continue
		}
		seen[ifc.BInterfaceNumber] = true
		out = append(out, ifc)
	}
	return out
}

// endpointsOfInterface walks all immediately following an InterfaceDescriptor
// with the given number/alt until the next InterfaceDescriptor, collecting
// its EndpointDescriptors — the same adjacency usbfs itself returns
// descriptors in (interface header followed by its endpoints).
func endpointsOfInterface(all []usbdev.Descriptor, ifaceNum, alt uint8) []*usbdev.EndpointDescriptor {
	var out []*usbdev.EndpointDescriptor
	inTarget := false
	for _, d := range all {
		if ifc, ok := d.(*usbdev.InterfaceDescriptor); ok {
			inTarget = ifc.BInterfaceNumber == ifaceNum && ifc.BAlternateSetting == alt
			continue
		}
		if !inTarget {
			continue
		}
		if ep, ok := d.(*usbdev.EndpointDescriptor); ok {
			out = append(out, ep)
		}
	}
	return out
}

// rebuildInterfaceSlots clears and refills only the slots belonging to one
// interface, at its currently-selected alt setting, leaving every other
// interface's endpoints (and any ring attached to them) untouched. Used by
// set_alt_setting, which must not disturb unrelated interfaces.
func rebuildInterfaceSlots(table *[maxEndpoints]endpointState, all []usbdev.Descriptor, ifaceNum, alt uint8) {
	controlOut, controlIn := epIndex(0x00), epIndex(0x80)
	for i := range table {
		if i == controlOut || i == controlIn {
			continue // the default control pipe isn't scoped to any interface
		}
		if table[i].valid && table[i].iface == ifaceNum {
			table[i] = endpointState{}
		}
	}
	for _, ep := range endpointsOfInterface(all, ifaceNum, alt) {
		idx := epIndex(ep.BEndpointAddress)
		table[idx] = endpointState{
			valid:     true,
			address:   ep.BEndpointAddress,
			iface:     ifaceNum,
			transfer:  ep.TransferType(),
			interval:  ep.BInterval,
			maxPacket: ep.WMaxPacketSize,
		}
	}
}

// buildEndpointTable assembles the full 32-slot endpoint table for the
// active configuration; used when a device is attached and on
// set_configuration (set_alt_setting uses rebuildInterfaceSlots instead).
func buildEndpointTable(all []usbdev.Descriptor, altSettings map[uint8]uint8) ([maxEndpoints]endpointState, []interfaceInfo) {
	var table [maxEndpoints]endpointState
	var infos []interfaceInfo

	// The default control pipe (endpoint 0, both directions) is never
	// listed as an EndpointDescriptor of any interface, so it has to be
	// seeded explicitly; every other slot is either a real endpoint found
	// below or stays invalid.
	table[epIndex(0x00)] = endpointState{valid: true, address: 0x00, transfer: usbdev.TransferTypeControl}
	table[epIndex(0x80)] = endpointState{valid: true, address: 0x80, transfer: usbdev.TransferTypeControl}

	for _, ifc := range interfacesOf(all, altSettings) {
		infos = append(infos, interfaceInfo{
			Number:   ifc.BInterfaceNumber,
			Class:    uint8(ifc.BInterfaceClass),
			Subclass: uint8(ifc.BInterfaceSubClass),
			Protocol: ifc.BInterfaceProtocol,
		})
		for _, ep := range endpointsOfInterface(all, ifc.BInterfaceNumber, ifc.BAlternateSetting) {
			idx := epIndex(ep.BEndpointAddress)
			table[idx] = endpointState{
				valid:     true,
				address:   ep.BEndpointAddress,
				iface:     ifc.BInterfaceNumber,
				transfer:  ep.TransferType(),
				interval:  ep.BInterval,
				maxPacket: ep.WMaxPacketSize,
			}
		}
	}
	return table, infos
}
