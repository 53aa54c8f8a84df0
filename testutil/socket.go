// Package testutil holds fakes shared by package tests: in-memory
// sockets and dialers standing in for websocket connections, a recording
// publisher for the NATS relay, and wire payload fixtures.
package testutil

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/c360/fedstream/pool"
)

type inbound struct {
	data []byte
	err  error
}

// FakeSocket is an in-memory pool.Socket. Tests push inbound frames with
// Deliver, break the socket with Fail and inspect writes with Written.
type FakeSocket struct {
	inbound chan inbound
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

// NewFakeSocket returns an open socket.
func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		inbound: make(chan inbound, 64),
		done:    make(chan struct{}),
	}
}

// ReadMessage blocks until a frame is delivered, Fail is called or the
// socket is closed.
func (s *FakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case m := <-s.inbound:
		if m.err != nil {
			return 0, nil, m.err
		}
		return websocket.TextMessage, m.data, nil
	case <-s.done:
		return 0, nil, net.ErrClosed
	}
}

// WriteMessage records data unless writes were made to fail.
func (s *FakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Closed() {
		return websocket.ErrCloseSent
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

// Close closes the socket. It is safe to call more than once.
func (s *FakeSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close was called.
func (s *FakeSocket) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Deliver queues an inbound text frame.
func (s *FakeSocket) Deliver(data []byte) {
	select {
	case s.inbound <- inbound{data: data}:
	case <-s.done:
	}
}

// Fail makes the next read return err. Use *websocket.CloseError to
// simulate a close frame with a specific code.
func (s *FakeSocket) Fail(err error) {
	select {
	case s.inbound <- inbound{err: err}:
	case <-s.done:
	}
}

// FailWrites makes every later write return err. A nil err restores writes.
func (s *FakeSocket) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Written returns a copy of every frame written so far.
func (s *FakeSocket) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

// FakeDialer hands out FakeSockets and records every dial.
type FakeDialer struct {
	mu       sync.Mutex
	sockets  map[string][]*FakeSocket
	failures map[string]error
	blocked  map[string]bool
	dials    map[string]int
	urls     []string
	headers  []http.Header
}

var _ pool.Dialer = (*FakeDialer)(nil)

// NewFakeDialer returns a dialer whose dials succeed.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		sockets:  make(map[string][]*FakeSocket),
		failures: make(map[string]error),
		blocked:  make(map[string]bool),
		dials:    make(map[string]int),
	}
}

// Dial implements pool.Dialer.
func (d *FakeDialer) Dial(ctx context.Context, url string, header http.Header) (pool.Socket, error) {
	d.mu.Lock()
	d.dials[url]++
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)
	blocked := d.blocked[url]
	failure := d.failures[url]
	d.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failure != nil {
		return nil, failure
	}

	s := NewFakeSocket()
	d.mu.Lock()
	d.sockets[url] = append(d.sockets[url], s)
	d.mu.Unlock()
	return s, nil
}

// Fail makes dials of url return err. A nil err clears the failure.
func (d *FakeDialer) Fail(url string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, url)
		return
	}
	d.failures[url] = err
}

// Block makes dials of url hang until their context ends.
func (d *FakeDialer) Block(url string, blocked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocked[url] = blocked
}

// Dials returns how many times url was dialed.
func (d *FakeDialer) Dials(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[url]
}

// URLs returns every dialed url in order.
func (d *FakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// LastHeader returns the header of the most recent dial.
func (d *FakeDialer) LastHeader() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.headers) == 0 {
		return nil
	}
	return d.headers[len(d.headers)-1]
}

// Socket returns the most recent socket dialed for url, or nil.
func (d *FakeDialer) Socket(url string) *FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sockets[url]
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

// Sockets returns every socket dialed for url.
func (d *FakeDialer) Sockets(url string) []*FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeSocket(nil), d.sockets[url]...)
}
