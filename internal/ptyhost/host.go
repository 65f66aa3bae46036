// Package ptyhost runs agent CLI processes under a pseudo-terminal and
// exposes their combined output as a byte stream. Each handle owns a
// dedicated reader goroutine; stdin writes are serialized through a
// bounded queue so a stalled child never blocks callers.
package ptyhost

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/tetherdev/tetherd/internal/common/logger"
)

const (
	defaultCols = 80
	defaultRows = 24

	// readChunkSize is the max bytes handed to the output channel per read.
	readChunkSize = 4096

	// writeQueueSize bounds pending stdin writes before backpressure.
	writeQueueSize = 64
)

// ErrBackpressure is returned by WriteStdin when the write queue is full.
var ErrBackpressure = errors.New("ptyhost: stdin write queue full")

// ErrClosed is returned when operating on a closed handle.
var ErrClosed = errors.New("ptyhost: handle closed")

// Spec describes a process to spawn under a PTY.
type Spec struct {
	Argv []string
	Env  []string
	Dir  string
	Cols int
	Rows int
}

// ExitEvent reports how the child terminated. Signal is non-empty when
// the process died from a signal; Code is then 128+signum.
type ExitEvent struct {
	Code   int
	Signal string
	Err    error
}

// Handle is a live PTY-hosted process.
type Handle struct {
	cmd  *exec.Cmd
	cpty consolePTY
	log  *logger.Logger

	output chan []byte
	writes chan []byte
	done   chan ExitEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// Spawn starts argv under a new PTY with the given dimensions. The
// returned handle is live immediately; consume Output until it closes
// and read the exit event from Done.
func Spawn(spec Spec, log *logger.Logger) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("ptyhost: empty argv")
	}
	if log == nil {
		log = logger.Default()
	}
	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcAttr(cmd)

	cpty, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	h := &Handle{
		cmd:    cmd,
		cpty:   cpty,
		log:    log.WithFields(zap.Int("pid", cmd.Process.Pid)),
		output: make(chan []byte, 64),
		writes: make(chan []byte, writeQueueSize),
		done:   make(chan ExitEvent, 1),
		closed: make(chan struct{}),
	}

	go h.readLoop()
	go h.writeLoop()
	go h.waitLoop()

	return h, nil
}

// PID returns the child process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Output returns the combined stdout/stderr stream as raw byte chunks.
// The channel closes when the PTY reaches EOF.
func (h *Handle) Output() <-chan []byte {
	return h.output
}

// Done delivers exactly one exit event after the child terminates.
func (h *Handle) Done() <-chan ExitEvent {
	return h.done
}

// WriteStdin queues data for the child's stdin. It never blocks: when
// the queue is full the write is rejected with ErrBackpressure and the
// caller decides whether to retry or fail the request.
func (h *Handle) WriteStdin(data []byte) (int, error) {
	select {
	case <-h.closed:
		return 0, ErrClosed
	default:
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case h.writes <- buf:
		return len(data), nil
	default:
		return 0, ErrBackpressure
	}
}

// Resize changes the PTY window size.
func (h *Handle) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid pty size %dx%d", cols, rows)
	}
	return h.cpty.Resize(uint16(cols), uint16(rows))
}

// Interrupt delivers SIGINT to the child, as Ctrl-C would.
func (h *Handle) Interrupt() error {
	return interruptProcess(h.cmd.Process)
}

// Terminate requests graceful shutdown with SIGTERM.
func (h *Handle) Terminate() error {
	return terminateProcess(h.cmd.Process)
}

// Close tears the handle down: the PTY is closed (delivering SIGHUP on
// Unix) and the process group is killed if still running. Safe to call
// more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		if err := h.cpty.Close(); err != nil {
			h.log.Debug("pty close", zap.Error(err))
		}
		if h.cmd.Process != nil {
			if err := killProcessGroup(h.cmd.Process.Pid); err != nil {
				h.log.Debug("process group kill", zap.Error(err))
			}
		}
	})
	return nil
}

// readLoop is the dedicated reader for this handle. PTY reads cannot be
// cancelled, so the loop runs until EOF or read error, which happens
// when the child exits or the PTY is closed.
func (h *Handle) readLoop() {
	defer close(h.output)
	buf := make([]byte, readChunkSize)
	for {
		n, err := h.cpty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case h.output <- chunk:
			case <-h.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// writeLoop serializes stdin writes. A write error closes the handle
// since the child side of the PTY is gone.
func (h *Handle) writeLoop() {
	for {
		select {
		case <-h.closed:
			return
		case buf := <-h.writes:
			if _, err := h.cpty.Write(buf); err != nil {
				h.log.Warn("pty stdin write failed", zap.Error(err))
				_ = h.Close()
				return
			}
		}
	}
}

// waitLoop reaps the child and publishes the exit event.
func (h *Handle) waitLoop() {
	code, sig, err := waitPTYProcess(h.cmd)
	h.done <- ExitEvent{Code: code, Signal: sig, Err: err}
	close(h.done)
}
