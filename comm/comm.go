/*Package comm provides the low-level transport AxioCNC speaks to CNC
controllers over: a serial port or, for testing and networked bridges, TCP.

A Link owns exactly one io.ReadWriteCloser and knows how to (re)open it with
an exponential backoff, matching the connection policy lab instruments need
when they do not like being thrashed by rapid reconnect attempts.

Line framing, comment stripping, and flow control are layered on top in the
linecodec, protocol, and flowcontrol packages; Link only owns the raw byte
stream.
*/
package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is returned when IsSerial is true but no *serial.Config was supplied
	ErrNoSerialConf = errors.New("comm: IsSerial is true but no serial.Config was given")

	// ErrNotConnected is returned when Send/Recv is attempted on a closed Link
	ErrNotConnected = errors.New("comm: not connected")

	// ErrTimeout names an io timeout. Link's Read and Write pass the
	// connection's own errors through unchanged and never return it.
	ErrTimeout = errors.New("comm: io timeout")
)

// CreationFunc returns a new connection to something. A closure should
// capture whatever address/config is needed to dial again later.
type CreationFunc func() (io.ReadWriteCloser, error)

// BackoffPolicy describes the retry shape used while (re)opening a Link.
type BackoffPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration

	// MaxAttempts bounds the number of dial attempts before Open gives up
	// and returns the last error, regardless of MaxElapsedTime. 0 means
	// unbounded.
	MaxAttempts int
}

// DefaultBackoffPolicy matches the reconnect ceiling in spec.md §4.6/§5:
// exponential backoff up to a 30s ceiling, abandoned after 5 attempts.
var DefaultBackoffPolicy = BackoffPolicy{
	InitialInterval: 250 * time.Millisecond,
	Multiplier:      2,
	MaxInterval:     30 * time.Second,
	MaxElapsedTime:  0,
	MaxAttempts:     5,
}

func (p BackoffPolicy) toBackoff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      p.MaxElapsedTime,
		Clock:               backoff.SystemClock,
	}
}

// Link owns a single connection to a controller, serial or TCP.
//
// All Open/Close calls acquire a lock, making Link safe to Open/Close
// concurrently; Read and Write are left to the caller to serialize (in
// AxioCNC, the owning machine.Controller goroutine is the only reader and
// writer).
type Link struct {
	sync.Mutex

	// Addr is the serial device path (e.g. /dev/ttyUSB0) or TCP address
	Addr string

	// IsSerial selects serial.OpenPort over net.Dial
	IsSerial bool

	// SerialConfig is required when IsSerial is true
	SerialConfig *serial.Config

	// DialTimeout bounds a single TCP dial attempt
	DialTimeout time.Duration

	// Conn is the live connection, nil when closed
	Conn io.ReadWriteCloser
}

// NewSerialLink returns a Link that opens a serial port at baud.
func NewSerialLink(addr string, baud int) *Link {
	return &Link{
		Addr:     addr,
		IsSerial: true,
		SerialConfig: &serial.Config{
			Name:        addr,
			Baud:        baud,
			ReadTimeout: 50 * time.Millisecond,
		},
	}
}

// NewTCPLink returns a Link that dials a TCP address (used for bridges and tests).
func NewTCPLink(addr string, timeout time.Duration) *Link {
	return &Link{Addr: addr, IsSerial: false, DialTimeout: timeout}
}

// Open establishes the connection if not already open, retrying with
// exponential backoff per policy until it succeeds, ctx is canceled, or
// policy.MaxAttempts dial attempts have failed. Open is a no-op if already
// connected.
func (l *Link) Open(ctx context.Context, policy BackoffPolicy) error {
	l.Lock()
	defer l.Unlock()
	if l.Conn != nil {
		return nil
	}
	attempts := 0
	op := func() error {
		conn, err := l.dial()
		if err != nil {
			attempts++
			if policy.MaxAttempts > 0 && attempts >= policy.MaxAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
		l.Conn = conn
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(policy.toBackoff(), ctx))
}

func (l *Link) dial() (io.ReadWriteCloser, error) {
	if l.IsSerial {
		if l.SerialConfig == nil {
			return nil, ErrNoSerialConf
		}
		return serial.OpenPort(l.SerialConfig)
	}
	timeout := l.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", l.Addr, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close releases the connection. Errors containing "closed" are treated as
// benign, matching comm.RemoteDevice.Close in the teacher.
func (l *Link) Close() error {
	l.Lock()
	defer l.Unlock()
	if l.Conn == nil {
		return nil
	}
	err := l.Conn.Close()
	l.Conn = nil
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "closed") {
		return nil
	}
	return err
}

// Read passes through to the underlying connection.
func (l *Link) Read(p []byte) (int, error) {
	if l.Conn == nil {
		return 0, ErrNotConnected
	}
	return l.Conn.Read(p)
}

// Write passes through to the underlying connection.
func (l *Link) Write(p []byte) (int, error) {
	if l.Conn == nil {
		return 0, ErrNotConnected
	}
	return l.Conn.Write(p)
}

// Connected reports whether Open has succeeded and Close has not since.
func (l *Link) Connected() bool {
	l.Lock()
	defer l.Unlock()
	return l.Conn != nil
}

// String implements fmt.Stringer for logging.
func (l *Link) String() string {
	kind := "tcp"
	if l.IsSerial {
		kind = "serial"
	}
	return fmt.Sprintf("%s:%s", kind, l.Addr)
}
