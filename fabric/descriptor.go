package fabric

// Opcode selects the operation a send descriptor performs.
type Opcode int

const (
	OpSend Opcode = iota + 1
)

func (o Opcode) String() string {
	if o == OpSend {
		return "send"
	}
	return "unknown"
}

// SendFlag modifies how a send work request is executed.
type SendFlag uint32

const (
	// Signaled requests a completion event once the send has finished.
	Signaled SendFlag = 1 << iota
)

// SGE is a scatter/gather element referencing part of a registered region.
type SGE struct {
	Region Region
	Offset int
	Length int
}

// Bytes returns the slice of the region described by the element.
func (s SGE) Bytes() []byte {
	if s.Region == nil {
		return nil
	}
	buf := s.Region.Bytes()
	end := s.Offset + s.Length
	if s.Offset < 0 || end > len(buf) || s.Length < 0 {
		return nil
	}
	return buf[s.Offset:end]
}

// Valid reports whether the element references a live range of its region.
func (s SGE) Valid() bool {
	if s.Region == nil || s.Length <= 0 || s.Offset < 0 {
		return false
	}
	return s.Offset+s.Length <= s.Region.Size()
}

// SendDescriptor is a send work request.
type SendDescriptor struct {
	Tag    uint64
	Opcode Opcode
	Flags  SendFlag
	SGL    []SGE
}

// Signaled reports whether the send will produce a completion event.
func (d *SendDescriptor) Signaled() bool {
	return d != nil && d.Flags&Signaled != 0
}

// Length returns the total number of bytes referenced by the descriptor.
func (d *SendDescriptor) Length() int {
	if d == nil {
		return 0
	}
	return sglLength(d.SGL)
}

// RecvDescriptor is a receive work request.
type RecvDescriptor struct {
	Tag uint64
	SGL []SGE
}

// Length returns the capacity of the receive descriptor in bytes.
func (d *RecvDescriptor) Length() int {
	if d == nil {
		return 0
	}
	return sglLength(d.SGL)
}

func sglLength(sgl []SGE) int {
	total := 0
	for _, sge := range sgl {
		total += sge.Length
	}
	return total
}

// Gather concatenates the bytes referenced by the scatter/gather list.
func Gather(sgl []SGE) []byte {
	if len(sgl) == 1 {
		return sgl[0].Bytes()
	}
	out := make([]byte, 0, sglLength(sgl))
	for _, sge := range sgl {
		out = append(out, sge.Bytes()...)
	}
	return out
}

// Scatter copies data into the scatter/gather list and returns the number of
// bytes written.
func Scatter(sgl []SGE, data []byte) int {
	written := 0
	for _, sge := range sgl {
		if written == len(data) {
			break
		}
		written += copy(sge.Bytes(), data[written:])
	}
	return written
}
