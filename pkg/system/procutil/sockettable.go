//go:build linux

package procutil

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Proto identifies the kernel socket table a connection came from.
type Proto int

const (
	TCP Proto = iota
	UDP
	TCPv6
	UDPv6
)

func (p Proto) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case TCPv6:
		return "tcp6"
	case UDPv6:
		return "udp6"
	default:
		return "unknown"
	}
}

// SocketEntry is one row of /proc/net/{tcp,udp,tcp6,udp6}: the local and
// remote endpoints of a socket, and the inode that identifies it — the
// pivot used to attribute a connection to a pid (spec.md's "Socket inode").
type SocketEntry struct {
	Proto      Proto
	LocalAddr  net.IP
	LocalPort  uint16
	RemoteAddr net.IP
	RemotePort uint16
	Inode      uint64
}

var tableFiles = map[Proto]string{
	TCP:   "/proc/net/tcp",
	UDP:   "/proc/net/udp",
	TCPv6: "/proc/net/tcp6",
	UDPv6: "/proc/net/udp6",
}

// ReadSocketTable parses one of the four kernel socket tables.
func ReadSocketTable(proto Proto) ([]SocketEntry, error) {
	path, ok := tableFiles[proto]
	if !ok {
		return nil, fmt.Errorf("procutil: unknown proto %v", proto)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []SocketEntry
	sc := bufio.NewScanner(f)
	sc.Scan() // header line
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}
		localAddr, localPort, err := parseHexAddr(fields[1])
		if err != nil {
			continue
		}
		remoteAddr, remotePort, err := parseHexAddr(fields[2])
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, SocketEntry{
			Proto:      proto,
			LocalAddr:  localAddr,
			LocalPort:  localPort,
			RemoteAddr: remoteAddr,
			RemotePort: remotePort,
			Inode:      inode,
		})
	}
	return out, sc.Err()
}

// ReadAllSocketTables reads all four kernel socket tables and returns a
// single combined list, tolerating a missing table (e.g. IPv6 disabled).
func ReadAllSocketTables() []SocketEntry {
	var all []SocketEntry
	for _, p := range []Proto{TCP, UDP, TCPv6, UDPv6} {
		entries, err := ReadSocketTable(p)
		if err != nil {
			continue
		}
		all = append(all, entries...)
	}
	return all
}

// parseHexAddr parses the "ADDR:PORT" hex form used in /proc/net/{tcp,udp}*,
// e.g. "0100007F:1F90" (little-endian 32-bit words per net/tcp.c).
func parseHexAddr(s string) (net.IP, uint16, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("procutil: malformed addr:port %q", s)
	}
	addrHex, portHex := parts[0], parts[1]

	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return nil, 0, err
	}

	raw, err := hex.DecodeString(addrHex)
	if err != nil {
		return nil, 0, err
	}

	ip, err := decodeKernelAddr(raw)
	if err != nil {
		return nil, 0, err
	}
	return ip, uint16(port), nil
}

// decodeKernelAddr converts the kernel's native-endian 32-bit-word address
// encoding into a net.IP. IPv4 is 4 bytes (one word); IPv6 is 16 bytes
// (four words), each word byte-swapped independently.
func decodeKernelAddr(raw []byte) (net.IP, error) {
	switch len(raw) {
	case 4:
		v := binary.LittleEndian.Uint32(raw)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		return net.IP(b[:]), nil
	case 16:
		out := make([]byte, 16)
		for w := 0; w < 4; w++ {
			v := binary.LittleEndian.Uint32(raw[w*4 : w*4+4])
			binary.BigEndian.PutUint32(out[w*4:w*4+4], v)
		}
		return net.IP(out), nil
	default:
		return nil, fmt.Errorf("procutil: unexpected address length %d", len(raw))
	}
}
