package flash

import "fmt"

// OpKind identifies a device operation recorded by MemDevice.
type OpKind int

const (
	OpErase OpKind = iota
	OpWrite
	OpRead
)

func (k OpKind) String() string {
	switch k {
	case OpErase:
		return "erase"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// Op is a single device operation.
type Op struct {
	Kind OpKind
	Addr uint32
	Size uint32
}

// MemDevice is an in-memory NOR flash: erase sets bytes to Erased and
// programming ANDs data into the array, so writes to unerased areas corrupt
// the stored bytes like on real hardware.
type MemDevice struct {
	Data []byte

	// Ops records erase and write operations in call order. Reads are only
	// recorded when RecordReads is set.
	Ops         []Op
	RecordReads bool

	// Fault is called before every operation; a non-nil error fails the
	// operation without touching the array.
	Fault func(op Op) error

	geo Geometry
}

// NewMemDevice returns an erased device of the given size.
func NewMemDevice(size uint32, geo Geometry) *MemDevice {
	d := &MemDevice{Data: make([]byte, size), geo: geo}
	for i := range d.Data {
		d.Data[i] = Erased
	}
	return d
}

// Size implements Device.
func (d *MemDevice) Size() uint32 { return uint32(len(d.Data)) }

// Geometry implements Device.
func (d *MemDevice) Geometry() Geometry { return d.geo }

func (d *MemDevice) record(op Op) error {
	if op.Kind != OpRead || d.RecordReads {
		d.Ops = append(d.Ops, op)
	}
	if d.Fault != nil {
		return d.Fault(op)
	}
	return nil
}

// Erase implements Device.
func (d *MemDevice) Erase(addr, size uint32) error {
	if err := CheckErase(d.geo, addr, size, d.Size()); err != nil {
		return err
	}
	if err := d.record(Op{Kind: OpErase, Addr: addr, Size: size}); err != nil {
		return err
	}
	for i := addr; i < addr+size; i++ {
		d.Data[i] = Erased
	}
	return nil
}

// Write implements Device.
func (d *MemDevice) Write(addr uint32, data []byte) error {
	n := uint32(len(data))
	if err := CheckRange(addr, n, d.Size()); err != nil {
		return err
	}
	if err := d.record(Op{Kind: OpWrite, Addr: addr, Size: n}); err != nil {
		return err
	}
	for i, b := range data {
		d.Data[addr+uint32(i)] &= b
	}
	return nil
}

// Read implements Device.
func (d *MemDevice) Read(addr uint32, data []byte) error {
	n := uint32(len(data))
	if err := CheckRange(addr, n, d.Size()); err != nil {
		return err
	}
	if err := d.record(Op{Kind: OpRead, Addr: addr, Size: n}); err != nil {
		return err
	}
	copy(data, d.Data[addr:addr+n])
	return nil
}

// Writes returns the recorded write operations.
func (d *MemDevice) Writes() []Op {
	return d.filter(OpWrite)
}

// Erases returns the recorded erase operations.
func (d *MemDevice) Erases() []Op {
	return d.filter(OpErase)
}

func (d *MemDevice) filter(k OpKind) []Op {
	var r []Op
	for _, op := range d.Ops {
		if op.Kind == k {
			r = append(r, op)
		}
	}
	return r
}
