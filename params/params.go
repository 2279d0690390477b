/*
Package params receives experiment parameter records from an upstream
control program over the network.

Two transports are supported.  TCP frames records as newline-terminated JSON
objects on a client connection we dial; a single read may carry a fragment
of a record or several records, so a persistent carry buffer splits on
newlines.  UDP frames each record as a 4-byte big-endian length prefix
followed by exactly that many bytes of JSON in one datagram.

Malformed input never kills the listener; bad records are dropped and
logged.
*/
package params

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff"
)

// wire keys with meaning beyond a saved parameter
const (
	// KeyRepIndex carries the zero-based repetition index; the AAA prefix
	// sorts it first in saved files
	KeyRepIndex = "AAAreps"

	// KeyTotalReps carries the total repetition count of the scan point
	KeyTotalReps = "n_reps"

	// KeyFilename optionally overrides the output filename for the shot
	KeyFilename = "filename"
)

// Record is one decoded parameter set.  Numeric values land in Floats,
// everything else stringified in Strings.  The repetition bookkeeping keys
// are extracted but also retained in the maps so they get persisted.
type Record struct {
	// Floats holds the numeric parameters by wire key
	Floats map[string]float64

	// Strings holds the non-numeric parameters by wire key
	Strings map[string]string

	// Rep is the zero-based repetition index, valid when HasRep is true
	Rep int

	// NReps is the total repetitions announced with Rep
	NReps int

	// HasRep reports whether the record carried repetition bookkeeping
	HasRep bool

	// Filename, when nonempty, overrides the recorder's generated name
	Filename string
}

// Config describes the upstream connection.
type Config struct {
	// Network is "tcp" or "udp"
	Network string `yaml:"network"`

	// Addr is the remote address for tcp or the local bind address for udp
	Addr string `yaml:"addr"`

	// DialTimeout bounds the tcp dial
	DialTimeout time.Duration `yaml:"dialTimeout"`

	// LineSize caps one record's wire size in bytes
	LineSize int `yaml:"lineSize"`
}

const (
	defaultDialTimeout = 5 * time.Second
	defaultLineSize    = 1 << 20
)

// BadFrameError indicates a datagram whose length prefix disagrees with its
// payload.
type BadFrameError struct {
	// Declared is the prefix value
	Declared int

	// Got is the payload size actually present
	Got int
}

func (e BadFrameError) Error() string {
	return fmt.Sprintf("params: frame declares %d bytes, got %d", e.Declared, e.Got)
}

// Listener owns one upstream connection and decodes records onto a bounded
// channel.  Connect, then Run in its own goroutine.
type Listener struct {
	cfg     Config
	conn    net.Conn
	records chan Record
	done    chan struct{}
}

// NewListener returns an unconnected listener for cfg.
func NewListener(cfg Config) *Listener {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.LineSize == 0 {
		cfg.LineSize = defaultLineSize
	}
	return &Listener{
		cfg:     cfg,
		records: make(chan Record, 64),
		done:    make(chan struct{}),
	}
}

// Records is the decoded record channel; the orchestrator is the sole
// consumer.  When it is full, new records are dropped and logged.
func (l *Listener) Records() <-chan Record { return l.records }

// Done is closed when the receive loop has exited
func (l *Listener) Done() <-chan struct{} { return l.done }

// Connect establishes the upstream connection: a client dial for tcp, a
// local bind for udp.  The attempt is retried briefly with exponential
// backoff.
func (l *Listener) Connect() error {
	op := func() error {
		var err error
		switch l.cfg.Network {
		case "udp":
			var addr *net.UDPAddr
			addr, err = net.ResolveUDPAddr("udp", l.cfg.Addr)
			if err == nil {
				l.conn, err = net.ListenUDP("udp", addr)
			}
		default:
			l.conn, err = net.DialTimeout("tcp", l.cfg.Addr, l.cfg.DialTimeout)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		return fmt.Errorf("params: connect %s %s: %w", l.cfg.Network, l.cfg.Addr, err)
	}
	return nil
}

// LocalAddr reports the connection's local address, useful when binding to
// an ephemeral port.  Nil before Connect.
func (l *Listener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Close tears down the connection, unblocking a running receive loop.
func (l *Listener) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

// Run receives until ctx is cancelled or the connection closes.  Read
// deadlines are rolled in short increments so cancellation is observed
// promptly even on an idle connection.
func (l *Listener) Run(ctx context.Context) {
	defer close(l.done)
	if l.cfg.Network == "udp" {
		l.runDatagram(ctx)
	} else {
		l.runStream(ctx)
	}
}

func (l *Listener) runStream(ctx context.Context) {
	var carry []byte
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := l.conn.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			carry = l.drainLines(carry)
			if len(carry) > l.cfg.LineSize {
				log.Printf("params: unterminated record exceeds %d bytes, discarding", l.cfg.LineSize)
				carry = carry[:0]
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Printf("params: receive loop exiting: %v", err)
			return
		}
	}
}

// drainLines decodes every complete newline-terminated record in carry and
// returns the remaining fragment.
func (l *Listener) drainLines(carry []byte) []byte {
	for {
		i := bytes.IndexByte(carry, '\n')
		if i < 0 {
			return carry
		}
		line := bytes.TrimRight(carry[:i], "\r")
		carry = carry[i+1:]
		if len(line) == 0 {
			continue
		}
		l.deliver(line)
	}
}

func (l *Listener) runDatagram(ctx context.Context) {
	buf := make([]byte, l.cfg.LineSize+4)
	for {
		if ctx.Err() != nil {
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := l.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Printf("params: receive loop exiting: %v", err)
			return
		}
		if n < 4 {
			log.Printf("params: runt datagram of %d bytes dropped", n)
			continue
		}
		declared := int(binary.BigEndian.Uint32(buf[:4]))
		if declared != n-4 {
			log.Println(BadFrameError{Declared: declared, Got: n - 4})
			continue
		}
		l.deliver(buf[4:n])
	}
}

// deliver decodes one JSON record and pushes it best-effort.
func (l *Listener) deliver(raw []byte) {
	rec, err := Decode(raw)
	if err != nil {
		log.Printf("params: dropping malformed record: %v", err)
		return
	}
	select {
	case l.records <- rec:
	default:
		log.Println("params: record queue full, dropping record")
	}
}

// Decode parses one JSON object into a Record.  The top level must be an
// object; values that are neither numbers nor strings are stringified via
// their JSON rendering.
func Decode(raw []byte) (Record, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Record{}, err
	}
	rec := Record{
		Floats:  make(map[string]float64),
		Strings: make(map[string]string),
	}
	for k, v := range m {
		switch t := v.(type) {
		case float64:
			rec.Floats[k] = t
		case string:
			rec.Strings[k] = t
		case bool:
			if t {
				rec.Floats[k] = 1
			} else {
				rec.Floats[k] = 0
			}
		default:
			b, _ := json.Marshal(v)
			rec.Strings[k] = string(b)
		}
	}
	if rep, ok := rec.Floats[KeyRepIndex]; ok {
		if total, ok2 := rec.Floats[KeyTotalReps]; ok2 {
			rec.Rep = int(rep)
			rec.NReps = int(total)
			rec.HasRep = true
		}
	}
	if fn, ok := rec.Strings[KeyFilename]; ok {
		rec.Filename = fn
	}
	return rec, nil
}
