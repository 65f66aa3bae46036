package ptyhost

import "io"

// consolePTY abstracts the platform pseudo-terminal.
// On Unix this wraps creack/pty (*os.File); on Windows, ConPTY.
type consolePTY interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}
