package usbio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		kind uint8
		body []byte
	}{
		{"empty", kindReply, nil},
		{"transfer", kindTransfer, encodeTransferRequest(0x01, []byte{0x02, 0x4d, 0, 0, 60})},
		{"signature in body", kindControl, []byte{frameSig0, frameSig1, frameSig0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(bytes.NewReader(encodeFrame(tt.kind, tt.body)))
			kind, body, err := readFrame(r)
			if err != nil {
				t.Fatal(err)
			}
			if kind != tt.kind {
				t.Errorf("kind = 0x%02x, want 0x%02x", kind, tt.kind)
			}
			if !bytes.Equal(body, tt.body) {
				t.Errorf("body = %X, want %X", body, tt.body)
			}
		})
	}
}

func TestFrameResyncAfterNoise(t *testing.T) {
	stream := append([]byte{0x00, frameSig0, 0x11, frameSig0}, encodeFrame(kindReply, []byte{1, 2})...)
	kind, body, err := readFrame(bufio.NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatal(err)
	}
	if kind != kindReply || !bytes.Equal(body, []byte{1, 2}) {
		t.Errorf("got kind 0x%02x body %X", kind, body)
	}
}

func TestFrameBadCRC(t *testing.T) {
	f := encodeFrame(kindReply, []byte{1, 2, 3})
	f[len(f)-1] ^= 0xFF
	if _, _, err := readFrame(bufio.NewReader(bytes.NewReader(f))); err == nil {
		t.Error("expected crc error")
	}

	f = encodeFrame(kindReply, []byte{1})
	f[5] ^= 0xFF
	if _, _, err := readFrame(bufio.NewReader(bytes.NewReader(f))); err == nil {
		t.Error("expected header crc error")
	}
}

// bridge answers requests on the far end of a pipe.
func bridge(t *testing.T, conn net.Conn, status uint8, in []byte) <-chan []byte {
	t.Helper()
	reqs := make(chan []byte, 8)
	go func() {
		r := bufio.NewReader(conn)
		for {
			kind, body, err := readFrame(r)
			if err != nil {
				close(reqs)
				return
			}
			reqs <- body

			var count int
			var data []byte
			switch kind {
			case kindTransfer:
				count = int(binary.LittleEndian.Uint16(body[1:3]))
				if body[0]&EndpointDirIn != 0 {
					data = in
					count = len(in)
				}
			case kindControl:
				count = int(binary.LittleEndian.Uint16(body[6:8]))
				if body[0]&RequestDirIn != 0 {
					data = in
					count = len(in)
				}
			}
			if _, err := conn.Write(encodeFrame(kindReply, encodeReply(status, count, data))); err != nil {
				return
			}
		}
	}()
	return reqs
}

func TestSerialTransportWrite(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	reqs := bridge(t, dev, 0, nil)

	s := newSerialTransport(host, testLogger())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := s.Transfer(ctx, 0x01, []byte{0x02, 0x4d, 0x40, 0x00, 80})
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}
	req := <-reqs
	if req[0] != 0x01 || !bytes.Equal(req[3:], []byte{0x02, 0x4d, 0x40, 0x00, 80}) {
		t.Errorf("request = %X", req)
	}
}

func TestSerialTransportRead(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	bridge(t, dev, 0, []byte{0x04, 31, 0})

	s := newSerialTransport(host, testLogger())
	defer s.Close()

	buf := make([]byte, 17)
	n, err := s.Transfer(context.Background(), 0x81, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("n = %d, want 3", n)
	}
	if buf[1] != 31 {
		t.Errorf("buf[1] = %d, want 31", buf[1])
	}
}

func TestSerialTransportStatusError(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	bridge(t, dev, 4, nil)

	s := newSerialTransport(host, testLogger())
	defer s.Close()

	if _, err := s.Control(context.Background(), RequestTypeVend, 2, 1, 0, nil); err == nil {
		t.Error("expected error for nonzero bridge status")
	}
}
