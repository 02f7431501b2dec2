package usbio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Serial bridge frame:
//
//	sig(2) len(2) kind(1) crc8(1) | crc16(2) body(len-2)
//
// len counts the body CRC and body. crc8 covers len and kind.
const (
	frameSig0       = 0xDE
	frameSig1       = 0xAD
	frameHeaderSize = 6
	frameCRCSize    = 2
	frameMaxBody    = MaxBufferSize + 16
)

// Frame kinds.
const (
	kindControl  uint8 = 0x01
	kindTransfer uint8 = 0x02
	kindReply    uint8 = 0x80
)

var errFrame = errors.New("bad bridge frame")

// --- CRC-8 (reflected poly 0xB2, init 0xFF, xorout 0xFF) ---

var crc8Table [256]uint8

// --- CRC-16 (reflected poly 0x8408, init 0x0000) ---

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = (c8 >> 1) ^ 0xB2
			} else {
				c8 >>= 1
			}
			if c16&1 != 0 {
				c16 = (c16 >> 1) ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc8Table[i] = c8
		crc16Table[i] = c16
	}
}

func crc8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func crc16(data []byte) uint16 {
	crc := uint16(0)
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[(crc^uint16(b))&0xFF]
	}
	return crc
}

func encodeFrame(kind uint8, body []byte) []byte {
	n := frameCRCSize + len(body)
	f := make([]byte, frameHeaderSize+n)
	f[0] = frameSig0
	f[1] = frameSig1
	binary.LittleEndian.PutUint16(f[2:4], uint16(n))
	f[4] = kind
	f[5] = crc8(f[2:5])
	binary.LittleEndian.PutUint16(f[6:8], crc16(body))
	copy(f[8:], body)
	return f
}

// readFrame skips bytes until a signature, then reads and checks one frame.
func readFrame(r *bufio.Reader) (uint8, []byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		if b != frameSig0 {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		if b == frameSig1 {
			break
		}
		if b == frameSig0 {
			if err := r.UnreadByte(); err != nil {
				return 0, nil, err
			}
		}
	}

	var hdr [frameHeaderSize - 2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	if got := crc8(hdr[:3]); got != hdr[3] {
		return 0, nil, fmt.Errorf("%w: header crc 0x%02x, want 0x%02x", errFrame, hdr[3], got)
	}
	n := int(binary.LittleEndian.Uint16(hdr[0:2]))
	if n < frameCRCSize || n > frameMaxBody {
		return 0, nil, fmt.Errorf("%w: length %d", errFrame, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	body := payload[frameCRCSize:]
	want := binary.LittleEndian.Uint16(payload[:frameCRCSize])
	if got := crc16(body); got != want {
		return 0, nil, fmt.Errorf("%w: body crc 0x%04x, want 0x%04x", errFrame, want, got)
	}
	return hdr[2], body, nil
}

// controlRequest body: type(1) request(1) value(2) index(2) length(2) data.
func encodeControlRequest(requestType, request uint8, value, index uint16, data []byte) []byte {
	body := make([]byte, 8, 8+len(data))
	body[0] = requestType
	body[1] = request
	binary.LittleEndian.PutUint16(body[2:4], value)
	binary.LittleEndian.PutUint16(body[4:6], index)
	binary.LittleEndian.PutUint16(body[6:8], uint16(len(data)))
	if requestType&RequestDirIn == 0 {
		body = append(body, data...)
	}
	return body
}

// transferRequest body: endpoint(1) length(2) data.
func encodeTransferRequest(endpoint uint8, data []byte) []byte {
	body := make([]byte, 3, 3+len(data))
	body[0] = endpoint
	binary.LittleEndian.PutUint16(body[1:3], uint16(len(data)))
	if endpoint&EndpointDirIn == 0 {
		body = append(body, data...)
	}
	return body
}

// reply body: status(1) count(2) data.
func encodeReply(status uint8, count int, data []byte) []byte {
	body := make([]byte, 3, 3+len(data))
	body[0] = status
	binary.LittleEndian.PutUint16(body[1:3], uint16(count))
	return append(body, data...)
}

func decodeReply(body []byte) (status uint8, count int, data []byte, err error) {
	if len(body) < 3 {
		return 0, 0, nil, fmt.Errorf("%w: reply of %d bytes", errFrame, len(body))
	}
	return body[0], int(binary.LittleEndian.Uint16(body[1:3])), body[3:], nil
}
