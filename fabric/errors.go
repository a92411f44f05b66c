package fabric

import "errors"

var (
	// ErrClosed indicates the endpoint has been closed.
	ErrClosed = errors.New("fabric: endpoint closed")
	// ErrInvalidRegion indicates a descriptor references a deregistered or foreign region.
	ErrInvalidRegion = errors.New("fabric: invalid memory region")
	// ErrEmptyRegion indicates a work request was built without a usable region.
	ErrEmptyRegion = errors.New("fabric: empty memory region")
	// ErrRegionTooSmall indicates the region cannot hold the requested length.
	ErrRegionTooSmall = errors.New("fabric: memory region too small")
	// ErrRegistrationExhausted indicates the provider ran out of registrable memory.
	ErrRegistrationExhausted = errors.New("fabric: memory registration exhausted")
	// ErrPoolClosed indicates the region pool no longer hands out regions.
	ErrPoolClosed = errors.New("fabric: region pool closed")
	// ErrInvalidDescriptor indicates a malformed work request.
	ErrInvalidDescriptor = errors.New("fabric: invalid work request")
)

// ValidateSend checks the structural requirements every provider enforces
// before accepting a send.
func ValidateSend(desc *SendDescriptor) error {
	if desc == nil || desc.Opcode != OpSend || len(desc.SGL) == 0 {
		return ErrInvalidDescriptor
	}
	return validateSGL(desc.SGL)
}

// ValidateRecv checks a receive descriptor.
func ValidateRecv(desc *RecvDescriptor) error {
	if desc == nil || len(desc.SGL) == 0 {
		return ErrInvalidDescriptor
	}
	return validateSGL(desc.SGL)
}

func validateSGL(sgl []SGE) error {
	for _, sge := range sgl {
		if !sge.Valid() {
			return ErrInvalidRegion
		}
		if c, ok := sge.Region.(interface{ Closed() bool }); ok && c.Closed() {
			return ErrInvalidRegion
		}
	}
	return nil
}
