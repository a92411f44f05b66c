//go:build !unix

package fabric

import "errors"

var errPinUnsupported = errors.New("fabric: memory pinning unsupported on this platform")

func pin([]byte) error {
	return errPinUnsupported
}

func unpin([]byte) error {
	return nil
}
