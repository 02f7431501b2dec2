// Package usbiotest provides an in-memory usbio.Transport for tests.
package usbiotest

import (
	"context"
	"sync"

	"kraken-go-home/internal/usbio"
)

// Call records one transfer seen by a Fake.
type Call struct {
	Control     bool
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Endpoint    uint8
	Data        []byte
}

// In reports whether the call moved data towards the host.
func (c Call) In() bool {
	if c.Control {
		return c.RequestType&usbio.RequestDirIn != 0
	}
	return c.Endpoint&usbio.EndpointDirIn != 0
}

// Fake is a scripted transport. IN transfers are served from per-endpoint
// data set with SetRead; OUT transfers are recorded.
type Fake struct {
	mu          sync.Mutex
	calls       []Call
	reads       map[uint8][]byte
	short       map[uint8]int
	epErr       map[uint8]error
	controlRead []byte
	err         error
	closed      bool
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		reads: make(map[uint8][]byte),
		short: make(map[uint8]int),
		epErr: make(map[uint8]error),
	}
}

// SetRead sets the bytes returned by every read of endpoint.
func (f *Fake) SetRead(endpoint uint8, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[endpoint|usbio.EndpointDirIn] = append([]byte(nil), data...)
}

// SetControlRead sets the bytes returned by every IN control transfer.
func (f *Fake) SetControlRead(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlRead = append([]byte(nil), data...)
}

// SetShort makes transfers on endpoint report n bytes moved. A negative n
// clears it.
func (f *Fake) SetShort(endpoint uint8, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 0 {
		delete(f.short, endpoint)
		return
	}
	f.short[endpoint] = n
}

// Fail makes every following call return err. A nil err clears it.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// FailEndpoint makes transfers on endpoint return err. A nil err clears it.
func (f *Fake) FailEndpoint(endpoint uint8, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.epErr, endpoint)
		return
	}
	f.epErr[endpoint] = err
}

// Calls returns a copy of every call seen so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Writes returns the payloads written to endpoint, in order.
func (f *Fake) Writes(endpoint uint8) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, c := range f.calls {
		if !c.Control && c.Endpoint == endpoint {
			out = append(out, c.Data)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Control(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := Call{Control: true, RequestType: requestType, Request: request, Value: value, Index: index}
	if requestType&usbio.RequestDirIn == 0 {
		c.Data = append([]byte(nil), data...)
	}
	f.calls = append(f.calls, c)
	if f.err != nil {
		return 0, f.err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.In() {
		return copy(data, f.controlRead), nil
	}
	return len(data), nil
}

func (f *Fake) Transfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := Call{Endpoint: endpoint}
	if endpoint&usbio.EndpointDirIn == 0 {
		c.Data = append([]byte(nil), data...)
	}
	f.calls = append(f.calls, c)
	if f.err != nil {
		return 0, f.err
	}
	if err, ok := f.epErr[endpoint]; ok {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := len(data)
	if s, ok := f.short[endpoint]; ok && s < n {
		n = s
	}
	if c.In() {
		clear(data)
		copy(data[:n], f.reads[endpoint])
	}
	return n, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
