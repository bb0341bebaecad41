//go:build no_serial
// +build no_serial

package main

import (
	"fmt"
	"io"
)

func openSerial(name string, _ int) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("serial port %s: built without serial support, use -port -", name)
}
