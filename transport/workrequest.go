package transport

import (
	"fmt"

	"github.com/rocketbitz/fabrpc/fabric"
)

// buildSend describes a signaled send of the first length bytes of region.
// Every send is signaled so its buffer can be released on completion.
func buildSend(tag uint64, region fabric.Region, length int) (*fabric.SendDescriptor, error) {
	sge, err := singleSGE(region, length)
	if err != nil {
		return nil, err
	}
	return &fabric.SendDescriptor{
		Tag:    tag,
		Opcode: fabric.OpSend,
		Flags:  fabric.Signaled,
		SGL:    []fabric.SGE{sge},
	}, nil
}

// buildReceive describes a receive able to hold maxSize bytes.
func buildReceive(tag uint64, region fabric.Region, maxSize int) (*fabric.RecvDescriptor, error) {
	sge, err := singleSGE(region, maxSize)
	if err != nil {
		return nil, err
	}
	return &fabric.RecvDescriptor{Tag: tag, SGL: []fabric.SGE{sge}}, nil
}

func singleSGE(region fabric.Region, length int) (fabric.SGE, error) {
	if region == nil || length <= 0 {
		return fabric.SGE{}, fabric.ErrEmptyRegion
	}
	if region.Size() < length {
		return fabric.SGE{}, fmt.Errorf("%w: have %d want %d", fabric.ErrRegionTooSmall, region.Size(), length)
	}
	return fabric.SGE{Region: region, Offset: 0, Length: length}, nil
}
