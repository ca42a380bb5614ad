package bolt

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// BoltMagic is the 4-byte preamble that opens every Bolt handshake.
var BoltMagic = [4]byte{0x60, 0x60, 0xb0, 0x17}

// manifestSentinel is the version the server proposes back when it wants to
// negotiate via the multi-version manifest (manifest v1) instead of picking
// directly from the client's four proposals.
const manifestSentinel = 0x00060605 // marker value reserved for manifest negotiation

// ProtocolVersion is a negotiated (major, minor) Bolt version.
type ProtocolVersion struct {
	Major, Minor int
}

func (v ProtocolVersion) IsZero() bool { return v.Major == 0 && v.Minor == 0 }

func (v ProtocolVersion) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// versionRange proposes every minor version in [minMinor, maxMinor] for a
// given major, letting the server pick any version in the contiguous range
// with a single 4-byte proposal slot.
type versionRange struct {
	major              int
	minMinor, maxMinor int
}

func (p versionRange) encode() uint32 {
	rangeSize := p.maxMinor - p.minMinor
	return uint32(rangeSize)<<16 | uint32(p.maxMinor)<<8 | uint32(p.major)
}

// DefaultProposals is the four-slot proposal set this driver sends,
// covering every version this driver understands: Bolt 5.0-5.8 as one
// range, plus a discrete fallback for older negotiation-unaware servers.
func DefaultProposals() [4]uint32 {
	return [4]uint32{
		versionRange{major: 5, minMinor: 0, maxMinor: 8}.encode(),
		versionRange{major: 4, minMinor: 4, maxMinor: 4}.encode(),
		0,
		0,
	}
}

// Handshake performs the 20-byte version handshake over conn and returns the
// negotiated version. A negotiated version of {0,0} means no common
// version was found and the connection must become Defunct.
func Handshake(conn net.Conn, proposals [4]uint32) (ProtocolVersion, error) {
	req := make([]byte, 0, 20)
	req = append(req, BoltMagic[:]...)
	for _, p := range proposals {
		req = binary.BigEndian.AppendUint32(req, p)
	}
	if _, err := conn.Write(req); err != nil {
		return ProtocolVersion{}, fmt.Errorf("bolt handshake write: %w", err)
	}

	var resp [4]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return ProtocolVersion{}, fmt.Errorf("bolt handshake read: %w", err)
	}
	selected := binary.BigEndian.Uint32(resp[:])

	if selected == manifestSentinel {
		return negotiateManifest(conn)
	}

	minor := int((selected >> 8) & 0xff)
	major := int(selected & 0xff)
	if major == 0 && minor == 0 {
		return ProtocolVersion{}, fmt.Errorf("bolt handshake: no common version")
	}
	return ProtocolVersion{Major: major, Minor: minor}, nil
}

// negotiateManifest performs the manifest v1 sub-handshake: a varint count
// of supported versions, followed by that many (major, minor) pairs and a
// trailing capability bitmap, from which the client selects the highest
// version it also supports.
func negotiateManifest(conn net.Conn) (ProtocolVersion, error) {
	count, err := readVarint(conn)
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("bolt manifest: reading count: %w", err)
	}

	supported := SupportedVersions()
	var best ProtocolVersion
	for i := uint64(0); i < count; i++ {
		var pair [2]byte
		if _, err := io.ReadFull(conn, pair[:]); err != nil {
			return ProtocolVersion{}, fmt.Errorf("bolt manifest: reading version %d: %w", i, err)
		}
		v := ProtocolVersion{Major: int(pair[0]), Minor: int(pair[1])}
		if _, ok := supported[v]; ok && versionLess(best, v) {
			best = v
		}
	}

	if _, err := readVarint(conn); err != nil { // capability bitmap, unused by this driver
		return ProtocolVersion{}, fmt.Errorf("bolt manifest: reading capability bitmap: %w", err)
	}

	// Confirm the selection: the chosen version as a 4-byte proposal plus a
	// varint of the capabilities the client opts into (none). A zero version
	// tells the server no common version exists before closing.
	var chosen [4]byte
	if !best.IsZero() {
		chosen[2] = byte(best.Minor)
		chosen[3] = byte(best.Major)
	}
	confirm := append(chosen[:], 0x00)
	if _, err := conn.Write(confirm); err != nil {
		return ProtocolVersion{}, fmt.Errorf("bolt manifest: writing selection: %w", err)
	}

	if best.IsZero() {
		return ProtocolVersion{}, fmt.Errorf("bolt manifest: no common version")
	}
	return best, nil
}

func versionLess(a, b ProtocolVersion) bool {
	if a.Major != b.Major {
		return a.Major < b.Major
	}
	return a.Minor < b.Minor
}

// SupportedVersions enumerates every Bolt version this driver can speak:
// 4.4 and 5.0 through 5.8.
func SupportedVersions() map[ProtocolVersion]struct{} {
	out := map[ProtocolVersion]struct{}{{4, 4}: {}}
	for minor := 0; minor <= 8; minor++ {
		out[ProtocolVersion{5, minor}] = struct{}{}
	}
	return out
}

func readVarint(r io.Reader) (uint64, error) {
	var x uint64
	var s uint
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		if b[0] < 0x80 {
			if s >= 63 && b[0] > 1 {
				return 0, fmt.Errorf("varint overflow")
			}
			return x | uint64(b[0])<<s, nil
		}
		x |= uint64(b[0]&0x7f) << s
		s += 7
	}
}
