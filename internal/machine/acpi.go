package machine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/physmem"
)

const (
	rsdpSignature = "RSD PTR "
	rsdpSize      = 36
	headerSize    = 36

	DefaultACPITablesSize = 0x10000
	DefaultLAPICBase      = 0xFEE00000
	DefaultIOAPICBase     = 0xFEC00000
)

var ErrBadACPI = errors.New("machine: malformed ACPI tables")

// OEM is the identification stamped into every table header.
type OEM struct {
	ID      [6]byte
	TableID [8]byte
}

var defaultOEM = OEM{
	ID:      [6]byte{'F', 'A', 'L', 'C', 'N', ' '},
	TableID: [8]byte{'F', 'A', 'L', 'C', 'O', 'N', 'S', '2'},
}

// Table is one system description table found through the RSDP.
type Table struct {
	Signature string
	Addr      addr.Phys
	Length    uint32
}

type tableWriter struct {
	buf  bytes.Buffer
	base addr.Phys
	oem  OEM
}

func (w *tableWriter) append(signature string, revision uint8, body []byte) addr.Phys {
	start := w.buf.Len()

	header := make([]byte, headerSize)
	copy(header[0:4], signature)
	header[8] = revision
	copy(header[10:16], w.oem.ID[:])
	copy(header[16:24], w.oem.TableID[:])
	binary.LittleEndian.PutUint32(header[24:], 1)
	copy(header[28:32], "FLCN")
	binary.LittleEndian.PutUint32(header[32:], 1)
	w.buf.Write(header)
	w.buf.Write(body)

	table := w.buf.Bytes()[start:]
	binary.LittleEndian.PutUint32(table[4:], uint32(len(table)))
	table[9] = checksum(table)

	if pad := len(table) % 8; pad != 0 {
		w.buf.Write(make([]byte, 8-pad))
	}
	return w.base + addr.Phys(start)
}

func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return -sum
}

func madtBody(cpus int, lapic, ioapic uint32) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, lapic)
	binary.Write(buf, binary.LittleEndian, uint32(1)) // PCAT_COMPAT

	for i := range cpus {
		// Processor Local APIC, enabled
		buf.Write([]byte{0, 8, byte(i), byte(i)})
		binary.Write(buf, binary.LittleEndian, uint32(1))
	}

	buf.Write([]byte{1, 12, byte(cpus), 0})
	binary.Write(buf, binary.LittleEndian, ioapic)
	binary.Write(buf, binary.LittleEndian, uint32(0))
	return buf.Bytes()
}

func rsdp(xsdt addr.Phys, oem OEM) []byte {
	b := make([]byte, rsdpSize)
	copy(b[0:], rsdpSignature)
	copy(b[9:], oem.ID[:])
	b[15] = 2
	binary.LittleEndian.PutUint32(b[20:], rsdpSize)
	binary.LittleEndian.PutUint64(b[24:], uint64(xsdt))
	b[8] = checksum(b[:20])
	b[32] = checksum(b)
	return b
}

// installACPI writes a MADT and an XSDT into [base, base+size) and the RSDP
// at rsdpAt.
func installACPI(m physmem.Memory, base addr.Phys, size uint64, rsdpAt addr.Phys, cpus int) error {
	w := &tableWriter{base: base, oem: defaultOEM}
	madt := w.append("APIC", 3, madtBody(cpus, DefaultLAPICBase, DefaultIOAPICBase))

	xsdt := make([]byte, 8)
	binary.LittleEndian.PutUint64(xsdt, uint64(madt))
	xsdtAt := w.append("XSDT", 1, xsdt)

	tables := w.buf.Bytes()
	if uint64(len(tables)) > size {
		return fmt.Errorf("acpi tables need %d bytes, region holds %d", len(tables), size)
	}
	if _, err := m.WriteAt(tables, int64(base)); err != nil {
		return fmt.Errorf("write acpi tables: %w", err)
	}
	if _, err := m.WriteAt(rsdp(xsdtAt, defaultOEM), int64(rsdpAt)); err != nil {
		return fmt.Errorf("write rsdp: %w", err)
	}
	return nil
}

// ReadACPI follows the RSDP at the given address and returns the tables the
// XSDT lists, checking every checksum on the way.
func ReadACPI(m physmem.Memory, at addr.Phys) ([]Table, error) {
	b := make([]byte, rsdpSize)
	if _, err := m.ReadAt(b, int64(at)); err != nil {
		return nil, fmt.Errorf("read rsdp @%s: %w", at, err)
	}
	if string(b[:8]) != rsdpSignature {
		return nil, fmt.Errorf("%w: no RSDP signature @%s", ErrBadACPI, at)
	}
	if checksum(b[:20]) != 0 || checksum(b) != 0 {
		return nil, fmt.Errorf("%w: RSDP checksum", ErrBadACPI)
	}

	xsdt, raw, err := readTable(m, addr.Phys(binary.LittleEndian.Uint64(b[24:])))
	if err != nil {
		return nil, err
	}
	if xsdt.Signature != "XSDT" {
		return nil, fmt.Errorf("%w: RSDP points at %q", ErrBadACPI, xsdt.Signature)
	}

	tables := []Table{xsdt}
	for off := headerSize; off+8 <= len(raw); off += 8 {
		t, _, err := readTable(m, addr.Phys(binary.LittleEndian.Uint64(raw[off:])))
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func readTable(m physmem.Memory, at addr.Phys) (Table, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := m.ReadAt(hdr, int64(at)); err != nil {
		return Table{}, nil, fmt.Errorf("read table @%s: %w", at, err)
	}
	length := binary.LittleEndian.Uint32(hdr[4:])
	if length < headerSize || uint64(length) > addr.PageSize*16 {
		return Table{}, nil, fmt.Errorf("%w: table @%s has length %d", ErrBadACPI, at, length)
	}
	raw := make([]byte, length)
	if _, err := m.ReadAt(raw, int64(at)); err != nil {
		return Table{}, nil, fmt.Errorf("read table @%s: %w", at, err)
	}
	t := Table{Signature: string(raw[:4]), Addr: at, Length: length}
	if checksum(raw) != 0 {
		return Table{}, nil, fmt.Errorf("%w: %s checksum", ErrBadACPI, t.Signature)
	}
	return t, raw, nil
}
