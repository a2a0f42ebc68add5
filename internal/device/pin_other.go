//go:build !linux

package device

import "errors"

var errNoPinSupport = errors.New("device: mlock not supported on this platform")

func pinMemory(_ []float32) error { return errNoPinSupport }

func unpinMemory(_ []float32) error { return nil }
