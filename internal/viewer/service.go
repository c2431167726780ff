package viewer

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/serialview/internal/display"
	"github.com/danmuck/serialview/internal/emitter"
	"github.com/danmuck/serialview/internal/observability"
	"github.com/danmuck/serialview/internal/pipeline"
	"github.com/danmuck/serialview/internal/pixel"
	"github.com/danmuck/serialview/internal/protocol/frame"
	"github.com/danmuck/serialview/internal/protocol/wire"
	"github.com/danmuck/serialview/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("viewer: invalid heartbeat interval")
)

// Config configures the viewer runtime.
type Config struct {
	ID                string
	Transport         transport.Config
	MaxLineBytes      int
	MaxFrameBytes     int
	DesyncPolicy      frame.DesyncPolicy
	HTTPAddr          string
	CorsOrigins       []string
	Sizes             []int
	HeartbeatInterval time.Duration
	// Reconnect reopens the transport after errors and end of stream.
	Reconnect bool
	Backoff   BackoffConfig
	MQTT      emitter.Config
}

// DefaultConfig returns standalone runtime defaults.
func DefaultConfig() Config {
	return Config{
		ID:                "serialview",
		Transport:         transport.DefaultConfig(),
		MaxLineBytes:      wire.DefaultLimits().MaxLineBytes,
		MaxFrameBytes:     frame.DefaultLimits().MaxPayloadBytes,
		DesyncPolicy:      frame.RestartPolicy,
		HTTPAddr:          ":9300",
		CorsOrigins:       []string{"http://localhost:3000"},
		Sizes:             append([]int(nil), display.DefaultSizes...),
		HeartbeatInterval: 10 * time.Second,
		Reconnect:         true,
		Backoff:           DefaultBackoffConfig(),
		MQTT:              emitter.DefaultConfig(),
	}
}

// Connection is an open transport the service can read from.
type Connection interface {
	pipeline.Source
	Name() string
	Close() error
}

// OpenFunc opens one transport connection.
type OpenFunc func(ctx context.Context, cfg transport.Config) (Connection, error)

func openTransport(ctx context.Context, cfg transport.Config) (Connection, error) {
	src, err := transport.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Service supervises one transport at a time, with a fresh parser state for
// every connection, and fans decoded output to the display and emitter.
type Service struct {
	cfg     Config
	open    OpenFunc
	display *display.Display
	emitter *emitter.Emitter

	mu      sync.RWMutex
	current *pipeline.Pipeline
	connID  string
	totals  pipeline.Stats
	opened  int
}

func NewService(cfg Config) *Service {
	return NewServiceWithOpener(cfg, openTransport)
}

// NewServiceWithOpener uses open instead of the real transports.
func NewServiceWithOpener(cfg Config, open OpenFunc) *Service {
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = DefaultConfig().ID
	}
	d := display.Appear(cfg.ID, cfg.HTTPAddr, cfg.CorsOrigins, cfg.Sizes)
	d.RegisterRoutes()
	return &Service{
		cfg:     cfg,
		open:    open,
		display: d,
	}
}

// Display returns the frame sink served over HTTP.
func (s *Service) Display() *display.Display {
	return s.display
}

// Run blocks until SIGINT/SIGTERM or a fatal transport error.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- s.display.Serve(ctx)
	}()

	err := s.Serve(ctx)
	stop()
	if herr := <-httpErr; herr != nil && err == nil {
		err = herr
	}
	return err
}

// Serve runs the connection loop and heartbeat until ctx is done or the
// transport ends without reconnect.
func (s *Service) Serve(ctx context.Context) error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if s.cfg.MQTT.Enabled {
		pub, err := emitter.Connect(ctx, s.cfg.MQTT)
		if err != nil {
			log.Warn().Err(err).Str("broker", s.cfg.MQTT.Broker).Msg("viewer.Service.Serve mqtt disabled")
		} else {
			defer pub.Close()
			s.emitter = emitter.New(s.cfg.MQTT, pub)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- s.runConnectionLoop(ctx)
	}()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-loopErr:
			return err
		case <-ctx.Done():
			// A read that ignores cancellation must not hold up shutdown.
			return nil
		case <-ticker.C:
			st := s.Stats()
			latest, ok := s.display.Latest()
			log.Info().
				Str("id", s.cfg.ID).
				Str("connection", s.ConnectionID()).
				Uint64("bytes", st.Bytes).
				Uint64("frames", st.Frames).
				Uint64("dropped", st.Dropped).
				Uint64("logs", st.Logs).
				Bool("has_frame", ok).
				Uint64("frame_seq", latest.Sequence).
				Msg("viewer.Service.heartbeat")
		}
	}
}

// ConnectionID returns the id of the active connection, or "".
func (s *Service) ConnectionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connID
}

// Connections returns how many connections have been opened.
func (s *Service) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opened
}

// Stats sums finished connections with the active one.
func (s *Service) Stats() pipeline.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.totals
	if s.current != nil {
		addStats(&out, s.current.Stats())
	}
	return out
}

func (s *Service) runConnectionLoop(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err == nil:
			attempt = 0
		case errors.Is(err, pipeline.ErrEndOfStream):
			attempt = 0
			log.Info().Str("transport", s.cfg.Transport.Kind).Msg("viewer.Service end of stream")
		default:
			attempt++
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("transport", s.cfg.Transport.Kind).
				Msg("viewer.Service.runConnectionLoop connection lost")
		}
		if errors.Is(err, pipeline.ErrEndOfStream) && strings.EqualFold(s.cfg.Transport.Kind, transport.KindFile) {
			// A replayed capture is finished, not disconnected.
			return nil
		}
		if !s.cfg.Reconnect {
			if errors.Is(err, pipeline.ErrEndOfStream) {
				return nil
			}
			return err
		}
		if err := s.waitReconnectBackoff(ctx, max(attempt, 1)); err != nil {
			return nil
		}
	}
}

// runConnection owns one connection from open to close. Parser state is
// created here and never outlives it.
func (s *Service) runConnection(ctx context.Context) error {
	conn, err := s.open(ctx, s.cfg.Transport)
	observability.RecordConnection(s.cfg.Transport.Kind, err == nil)
	if err != nil {
		s.display.SetStatus(false, "disconnected")
		return err
	}
	defer conn.Close()

	id := uuid.New().String()
	logger := log.Logger.With().Str("connection", id).Str("source", conn.Name()).Logger()
	p := pipeline.New(pipeline.Config{
		Lines:     wire.Limits{MaxLineBytes: s.cfg.MaxLineBytes},
		Frames:    frame.Limits{MaxPayloadBytes: s.cfg.MaxFrameBytes},
		Policy:    s.cfg.DesyncPolicy,
		Transport: s.cfg.Transport.Kind,
		Logger:    &logger,
	}, s.sink())

	s.mu.Lock()
	s.current = p
	s.connID = id
	s.opened++
	s.mu.Unlock()
	if s.emitter != nil {
		s.emitter.SetConnection(id)
	}
	s.display.SetStatus(true, "connected")
	logger.Info().Msg("viewer.Service.runConnection connected")

	err = p.Run(ctx, conn)

	s.mu.Lock()
	addStats(&s.totals, p.Stats())
	s.current = nil
	s.connID = ""
	s.mu.Unlock()
	s.display.SetStatus(false, "disconnected")
	logger.Info().Err(err).Msg("viewer.Service.runConnection closed")
	return err
}

func (s *Service) sink() pipeline.Sink {
	sinks := fanout{s.display}
	if s.emitter != nil {
		sinks = append(sinks, s.emitter)
	}
	return sinks
}

// Reconnect backoff wait helper.
func (s *Service) waitReconnectBackoff(ctx context.Context, attempt int) error {
	delay := s.cfg.Backoff.Delay(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fanout delivers to every sink in order. Each sink gets its own view of the
// frame's pixels only when more than one sink needs it.
type fanout []pipeline.Sink

func (f fanout) OnFrame(buf pixel.Buffer) {
	for i, sink := range f {
		if i < len(f)-1 {
			sink.OnFrame(pixel.Buffer{Side: buf.Side, Pix: append([]byte(nil), buf.Pix...)})
			continue
		}
		sink.OnFrame(buf)
	}
}

func (f fanout) OnLog(text string) {
	for _, sink := range f {
		sink.OnLog(text)
	}
}

func addStats(dst *pipeline.Stats, src pipeline.Stats) {
	dst.Bytes += src.Bytes
	dst.Lines += src.Lines
	dst.Frames += src.Frames
	dst.Dropped += src.Dropped
	dst.Logs += src.Logs
	dst.Overflows += src.Overflows
}

func (c Config) String() string {
	return fmt.Sprintf("id=%s transport=%s http=%s policy=%s", c.ID, c.Transport.Kind, c.HTTPAddr, c.DesyncPolicy)
}
