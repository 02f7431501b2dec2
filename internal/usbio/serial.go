package usbio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

var errReadTimeout = errors.New("serial read timeout")

// SerialTransport forwards transfers to a USB bridge attached over a serial
// line, such as a bench adapter or a device emulator. Each transfer is one
// request frame answered by one reply frame.
type SerialTransport struct {
	mu     sync.Mutex
	rw     io.ReadWriteCloser
	r      *bufio.Reader
	logger *slog.Logger
}

// OpenSerial opens the bridge at portName.
func OpenSerial(portName string, baud int, logger *slog.Logger) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial bridge %s: %w", portName, err)
	}

	// USB CDC ACM bridges expect DTR/RTS asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return newSerialTransport(port, logger.With("port", portName)), nil
}

func newSerialTransport(rw io.ReadWriteCloser, logger *slog.Logger) *SerialTransport {
	return &SerialTransport{
		rw:     rw,
		r:      bufio.NewReader(timeoutReader{rw}),
		logger: logger.With("component", "serial-bridge"),
	}
}

func (s *SerialTransport) Control(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error) {
	req := encodeControlRequest(requestType, request, value, index, data)
	return s.roundTrip(ctx, kindControl, req, requestType&RequestDirIn != 0, data)
}

func (s *SerialTransport) Transfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	req := encodeTransferRequest(endpoint, data)
	return s.roundTrip(ctx, kindTransfer, req, endpoint&EndpointDirIn != 0, data)
}

func (s *SerialTransport) roundTrip(ctx context.Context, kind uint8, req []byte, in bool, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if dl, ok := ctx.Deadline(); ok {
		if p, ok := s.rw.(interface{ SetReadTimeout(time.Duration) error }); ok {
			_ = p.SetReadTimeout(time.Until(dl))
		}
	}

	if _, err := s.rw.Write(encodeFrame(kind, req)); err != nil {
		return 0, fmt.Errorf("write bridge frame: %w", err)
	}

	for {
		k, body, err := readFrame(s.r)
		if err != nil {
			if errors.Is(err, errFrame) {
				s.logger.Warn("dropping corrupt frame", "err", err)
				continue
			}
			return 0, fmt.Errorf("read bridge frame: %w", err)
		}
		if k != kindReply {
			s.logger.Debug("ignoring unexpected frame", "kind", k)
			continue
		}

		status, count, payload, err := decodeReply(body)
		if err != nil {
			return 0, err
		}
		if status != 0 {
			return 0, fmt.Errorf("bridge status %d", status)
		}
		if in {
			count = copy(data, payload)
		}
		return count, nil
	}
}

// Close closes the serial line.
func (s *SerialTransport) Close() error {
	return s.rw.Close()
}

// timeoutReader turns the (0, nil) a serial port returns on read timeout into
// an error, so buffered reads do not spin.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, errReadTimeout
	}
	return n, err
}
