package gdbstub

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// breakchannel.go implements component C (BreakChannel): a socket wrapper
// that lets the Dispatcher own the connection exclusively while it is
// receiving and decoding one packet, while a background watcher goroutine
// delivers out-of-band break-in (0x03) bytes to the Target the rest of the
// time. Grounded on the reference implementation's BreakInSocket: one mutex
// guards the socket, one signal wakes the watcher once the dispatcher is
// done with a packet.

// BreakInTarget receives asynchronous break-in notifications. Implementations
// must be thread-safe and must return without blocking.
type BreakInTarget interface {
	OnBreakInRequest()
}

// BreakChannel is the concurrency primitive described in §4.C. Exactly one
// of {the goroutine holding a SocketWrapper, the watcher goroutine} touches
// the underlying connection at any moment.
type BreakChannel struct {
	conn        net.Conn
	br          *bufio.Reader
	wake        chan struct{}
	done        chan struct{}
	mu          sync.Mutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
	terminating atomic.Bool

	targetMu sync.Mutex
	target   BreakInTarget
}

// NewBreakChannel wraps conn (read through br, which must read from conn) in
// a BreakChannel. The watcher goroutine is not started until Start is
// called.
func NewBreakChannel(conn net.Conn, br *bufio.Reader) *BreakChannel {
	return &BreakChannel{
		conn: conn,
		br:   br,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// SetTarget installs (or clears, with nil) the recipient of break-in events.
func (bc *BreakChannel) SetTarget(t BreakInTarget) {
	bc.targetMu.Lock()
	bc.target = t
	bc.targetMu.Unlock()
}

func (bc *BreakChannel) getTarget() BreakInTarget {
	bc.targetMu.Lock()
	defer bc.targetMu.Unlock()

	return bc.target
}

// Start launches the watcher goroutine.
func (bc *BreakChannel) Start() {
	bc.wg.Add(1)

	go bc.watcherLoop()
}

func (bc *BreakChannel) watcherLoop() {
	defer bc.wg.Done()

	for {
		bc.mu.Lock()

		if bc.terminating.Load() {
			bc.mu.Unlock()

			return
		}

		data, err := bc.br.Peek(1)
		if err != nil {
			bc.mu.Unlock()

			return
		}

		if data[0] == breakInByte {
			_, _ = bc.br.Discard(1)
			bc.mu.Unlock()

			if t := bc.getTarget(); t != nil {
				t.OnBreakInRequest()
			}

			continue
		}

		bc.mu.Unlock()

		select {
		case <-bc.wake:
		case <-bc.done:
			return
		}
	}
}

// signal wakes the watcher if it is currently parked; a no-op otherwise.
func (bc *BreakChannel) signal() {
	select {
	case bc.wake <- struct{}{}:
	default:
	}
}

// Close terminates the watcher goroutine and closes the underlying
// connection. It is safe to call multiple times and blocks until the
// watcher has exited.
func (bc *BreakChannel) Close() {
	bc.closeOnce.Do(func() {
		bc.terminating.Store(true)
		close(bc.done)
		_ = bc.conn.Close()
	})
	bc.wg.Wait()
}

// SocketWrapper is the exclusive-reader token described in §4.C. While held,
// the watcher is guaranteed not to touch the connection.
type SocketWrapper struct {
	bc *BreakChannel
}

// Acquire blocks until the watcher is not mid-peek, then returns a token
// granting exclusive access to the connection. The caller must call Release
// when done (typically via defer).
func (bc *BreakChannel) Acquire() *SocketWrapper {
	bc.mu.Lock()

	return &SocketWrapper{bc: bc}
}

// Reader returns the buffered reader to use for receiving the next packet.
func (w *SocketWrapper) Reader() *bufio.Reader { return w.bc.br }

// Writer returns the connection's write side, e.g. to send an ack byte.
func (w *SocketWrapper) Writer() io.Writer { return w.bc.conn }

// Release gives the connection back to the watcher.
func (w *SocketWrapper) Release() {
	w.bc.mu.Unlock()
	w.bc.signal()
}
