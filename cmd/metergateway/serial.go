//go:build !no_serial
// +build !no_serial

package main

import (
	"io"

	"github.com/tarm/serial"
)

func openSerial(name string, baud int) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud})
}
