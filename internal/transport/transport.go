// Package transport adapts byte-stream devices to the pipeline's pull-based
// source contract.
//
// Ownership boundary:
// - opening and closing serial ports, TCP bridges, and files
// - unblocking reads on context cancellation
//
// Transports know nothing about lines or frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var (
	ErrUnknownKind = errors.New("transport: unknown kind")
	ErrMissingPort = errors.New("transport: serial port required")
	ErrMissingAddr = errors.New("transport: address required")
	ErrMissingPath = errors.New("transport: path required")
)

const (
	KindSerial = "serial"
	KindTCP    = "tcp"
	KindFile   = "file"
)

// Config selects and parameterizes one transport.
type Config struct {
	Kind           string
	Port           string
	Baud           int
	Address        string
	Path           string
	ConnectTimeout time.Duration
	ReadSize       int
}

func DefaultConfig() Config {
	return Config{
		Kind:           KindSerial,
		Baud:           115200,
		ConnectTimeout: 5 * time.Second,
		ReadSize:       4096,
	}
}

// Source is an open transport. Next and Close may be called from different
// goroutines; Next is not safe for concurrent use with itself.
type Source struct {
	name string
	rc   io.ReadCloser
	buf  []byte

	closeOnce sync.Once
	closeErr  error
}

// NewSource wraps any reader. name labels logs and metrics.
func NewSource(name string, rc io.ReadCloser, readSize int) *Source {
	if readSize <= 0 {
		readSize = DefaultConfig().ReadSize
	}
	return &Source{name: name, rc: rc, buf: make([]byte, readSize)}
}

func (s *Source) Name() string {
	return s.name
}

// Next returns the next chunk. Cancelling ctx closes the underlying device,
// which unblocks a pending read.
func (s *Source) Next(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	n, err := s.rc.Read(s.buf)
	var chunk []byte
	if n > 0 {
		chunk = make([]byte, n)
		copy(chunk, s.buf[:n])
	}
	if err != nil && ctx.Err() != nil {
		return chunk, ctx.Err()
	}
	if err == nil && n == 0 {
		// Serial drivers report a read timeout as (0, nil).
		return nil, nil
	}
	return chunk, err
}

func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rc.Close()
	})
	return s.closeErr
}

// Open connects the configured transport.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindSerial:
		return openSerial(cfg)
	case KindTCP:
		return openTCP(ctx, cfg)
	case KindFile:
		return openFile(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

func openSerial(cfg Config) (*Source, error) {
	port := strings.TrimSpace(cfg.Port)
	if port == "" {
		return nil, ErrMissingPort
	}
	baud := cfg.Baud
	if baud <= 0 {
		baud = DefaultConfig().Baud
	}
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", port, err)
	}
	return NewSource("serial:"+port, p, cfg.ReadSize), nil
}

func openTCP(ctx context.Context, cfg Config) (*Source, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		return nil, ErrMissingAddr
	}
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewSource("tcp:"+addr, conn, cfg.ReadSize), nil
}

func openFile(cfg Config) (*Source, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, ErrMissingPath
	}
	if path == "-" {
		// Stdin is closed for real so cancellation can unblock a pending read.
		return NewSource("stdin", os.Stdin, cfg.ReadSize), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	return NewSource("file:"+path, f, cfg.ReadSize), nil
}

// SerialPorts lists serial devices visible to the host.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
