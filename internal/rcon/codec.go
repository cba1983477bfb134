package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Source-style RCON packet types.
const (
	typeAuth          int32 = 3
	typeAuthResponse  int32 = 2
	typeExecCommand   int32 = 2
	typeResponseValue int32 = 0
)

// maxPacketSize bounds a single RCON response. The protocol field is an
// int32 but no sane server sends frames this large; anything bigger is a
// corrupt stream.
const maxPacketSize = 1 << 20

// packet is one RCON frame. Wire format, all little-endian:
// [4B size = len(rest)][4B request id][4B type][body bytes][0x00][0x00].
type packet struct {
	ID   int32
	Type int32
	Body string
}

// writePacket writes one framed RCON packet to w.
func writePacket(w io.Writer, p packet) error {
	size := 4 + 4 + len(p.Body) + 2
	buf := make([]byte, 0, 4+size)
	le := binary.LittleEndian
	buf = le.AppendUint32(buf, uint32(size))
	buf = le.AppendUint32(buf, uint32(p.ID))
	buf = le.AppendUint32(buf, uint32(p.Type))
	buf = append(buf, p.Body...)
	buf = append(buf, 0, 0)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// readPacket reads one framed RCON packet from r.
func readPacket(r io.Reader) (packet, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return packet{}, fmt.Errorf("read packet header: %w", err)
	}
	size := int(int32(binary.LittleEndian.Uint32(header[:])))
	if size < 10 || size > maxPacketSize {
		return packet{}, fmt.Errorf("invalid packet size: %d", size)
	}

	rest := make([]byte, size)
	if _, err := io.ReadFull(r, rest); err != nil {
		return packet{}, fmt.Errorf("read packet payload (%d bytes): %w", size, err)
	}

	p := packet{
		ID:   int32(binary.LittleEndian.Uint32(rest[0:4])),
		Type: int32(binary.LittleEndian.Uint32(rest[4:8])),
		// strip the two trailing NULs
		Body: string(rest[8 : size-2]),
	}
	return p, nil
}
