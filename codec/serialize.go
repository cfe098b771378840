package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/daedaluz/usbredir/wire"
)

// serializeMagic identifies a snapshot blob; "URP1" read as a little-endian
// uint32, matching the ASCII-in-a-uint32 trick the reference snapshot uses
// so a stray non-snapshot blob is rejected immediately.
const serializeMagic = 0x55525031

// Serialize captures everything needed to resume this Parser elsewhere:
// negotiated capabilities, in-flight partial-read state and the pending
// write queue. The wire format is little-endian regardless of host
// endianness, so a snapshot is portable across architectures.
func (p *Parser) Serialize() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf bytes.Buffer
	putU32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	putData := func(b []byte) {
		putU32(uint32(len(b)))
		buf.Write(b)
	}

	putU32(serializeMagic)
	lengthPos := buf.Len()
	putU32(0) // patched below

	putData(capSetBytes(p.ourCaps))
	if p.haveHello {
		putData(capSetBytes(p.peerCaps))
	} else {
		putU32(0)
	}

	putU32(uint32(p.toSkip))
	putData(p.headerBuf[:p.headerRead])
	putData(p.typeHeader[:p.typeHeaderRead])
	putData(p.data[:p.dataRead])

	wbufCountPos := buf.Len()
	putU32(0)
	var count uint32
	for wb := p.writeHead; wb != nil; wb = wb.next {
		putData(wb.buf[wb.pos:])
		count++
	}

	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[wbufCountPos:], count)
	binary.LittleEndian.PutUint32(out[lengthPos:], uint32(len(out)))
	return out, nil
}

// Unserialize restores state captured by Serialize into a pristine Parser:
// no partial packet in progress and nothing queued to write, including
// NewParser's own auto-queued hello — drain that with one Write (or build
// the Parser through some other path that skips sendHello) before calling
// this. "Ours" for the peer-caps check below is whatever p.ourCaps already
// held at the time Unserialize was called (the capabilities this running
// process actually supports), not the historical ourCaps the snapshot also
// carries for its own cursor bookkeeping: a snapshot is routinely resumed
// by a build with a different capability set than the one that created it,
// and that's the compatibility question that matters on resume. A peer bit
// the caller's capabilities lack is rejected outright, since there is no
// live hello exchange here to have negotiated it down; the caller
// advertising a bit the snapshotted peer never had is only logged, since
// the next live hello will renegotiate it correctly anyway.
func (p *Parser) Unserialize(state []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.headerRead != 0 || p.typeHeaderRead != 0 || p.dataRead != 0 || p.toSkip != 0 || p.writeHead != nil {
		return fmt.Errorf("codec: Unserialize requires a pristine parser: no partial packet, no queued writes")
	}
	// callerCaps is what this process actually supports, set by whoever
	// built p before calling Unserialize; it's what peerCaps gets validated
	// against below, since that's the compatibility question that matters
	// on resume — not whatever the snapshot's own source process supported.
	callerCaps := p.ourCaps

	r := bytes.NewReader(state)
	readU32 := func() (uint32, error) {
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, fmt.Errorf("codec: truncated snapshot: %w", err)
		}
		return v, nil
	}
	readData := func() ([]byte, error) {
		n, err := readU32()
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil && n > 0 {
			return nil, fmt.Errorf("codec: truncated snapshot data: %w", err)
		}
		return b, nil
	}

	magic, err := readU32()
	if err != nil {
		return err
	}
	if magic != serializeMagic {
		return fmt.Errorf("codec: snapshot magic mismatch")
	}
	if _, err := readU32(); err != nil { // total length, unchecked here
		return err
	}

	ourCapsWire, err := readData()
	if err != nil {
		return err
	}
	p.ourCaps = wire.CapSetFromWords(wordsFromBytes(ourCapsWire))

	peerCapsWire, err := readData()
	if err != nil {
		return err
	}
	if len(peerCapsWire) > 0 {
		restored := wire.CapSetFromWords(wordsFromBytes(peerCapsWire))
		ourWords, peerWords := callerCaps.Words(), restored.Words()
		var weLackBits, peerLacksBits bool
		for i := range ourWords {
			if peerWords[i]&^ourWords[i] != 0 {
				weLackBits = true
			}
			if ourWords[i]&^peerWords[i] != 0 {
				peerLacksBits = true
			}
		}
		if weLackBits {
			return fmt.Errorf("codec: snapshot peer caps include bits this parser does not support")
		}
		if peerLacksBits {
			p.log().Warn("snapshot: restoring caps the snapshotted peer did not advertise")
		}
		p.peerCaps = restored
		p.haveHello = true
	}

	toSkip, err := readU32()
	if err != nil {
		return err
	}
	p.toSkip = int(toSkip)

	hdr, err := readData()
	if err != nil {
		return err
	}
	copy(p.headerBuf[:], hdr)
	p.headerRead = len(hdr)

	th, err := readData()
	if err != nil {
		return err
	}
	copy(p.typeHeader[:], th)
	p.typeHeaderRead = len(th)
	if p.headerRead == p.headerLen() {
		p.curType = wire.Type(binary.LittleEndian.Uint32(p.headerBuf[0:4]))
		p.curLength = binary.LittleEndian.Uint32(p.headerBuf[4:8])
		p.typeHeaderLen = p.typeHeaderLength(p.curType)
	}

	data, err := readData()
	if err != nil {
		return err
	}
	p.data = data
	p.dataRead = len(data)

	wbufCount, err := readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < wbufCount; i++ {
		b, err := readData()
		if err != nil {
			return err
		}
		wb := &writeBuf{buf: b}
		if p.writeTail == nil {
			p.writeHead, p.writeTail = wb, wb
		} else {
			p.writeTail.next = wb
			p.writeTail = wb
		}
		p.writeCount++
		p.writeSize += uint64(len(b))
	}

	return nil
}

func capSetBytes(c wire.CapSet) []byte {
	words := c.Words()
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

func wordsFromBytes(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return words
}
