package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/danmuck/serialview/internal/observability"
	"github.com/danmuck/serialview/internal/pixel"
	"github.com/danmuck/serialview/internal/protocol/frame"
	"github.com/danmuck/serialview/internal/protocol/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransport   = errors.New("pipeline: transport failed")
	ErrEndOfStream = errors.New("pipeline: end of stream")
)

// Source yields raw chunks in order. Next blocks until a chunk, io.EOF,
// a transport error, or ctx cancellation.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// Sink consumes decoded frames and deduplicated diagnostics. The pipeline
// hands over ownership of each buffer and never touches it again.
type Sink interface {
	OnFrame(buf pixel.Buffer)
	OnLog(text string)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Frame func(pixel.Buffer)
	Log   func(string)
}

func (s SinkFuncs) OnFrame(buf pixel.Buffer) {
	if s.Frame != nil {
		s.Frame(buf)
	}
}

func (s SinkFuncs) OnLog(text string) {
	if s.Log != nil {
		s.Log(text)
	}
}

type Config struct {
	Lines  wire.Limits
	Frames frame.Limits
	Policy frame.DesyncPolicy
	// Transport labels byte metrics.
	Transport string
	Logger    *zerolog.Logger
	// OnDrop observes every frame dropped inside the pipeline.
	OnDrop func(reason string, err error)
}

func DefaultConfig() Config {
	return Config{
		Lines:     wire.DefaultLimits(),
		Frames:    frame.DefaultLimits(),
		Policy:    frame.RestartPolicy,
		Transport: "unknown",
	}
}

// State is the complete mutable parser state of one connection.
type State struct {
	Lines  *wire.LineAssembler
	Frames *frame.Assembler
}

func NewState(cfg Config) *State {
	return &State{
		Lines:  wire.NewLineAssembler(cfg.Lines),
		Frames: frame.NewAssembler(cfg.Frames, cfg.Policy),
	}
}

// Reset discards any partial line and frame.
func (s *State) Reset() {
	s.Lines.Reset()
	s.Frames.Reset()
}

// Stats counts pipeline activity for one connection. Safe to read while
// the pipeline runs.
type Stats struct {
	Bytes     uint64
	Lines     uint64
	Frames    uint64
	Dropped   uint64
	Logs      uint64
	Overflows uint64
}

type counters struct {
	bytes     atomic.Uint64
	lines     atomic.Uint64
	frames    atomic.Uint64
	dropped   atomic.Uint64
	logs      atomic.Uint64
	overflows atomic.Uint64
}

// Pipeline decodes one connection's byte stream into frames.
type Pipeline struct {
	cfg    Config
	state  *State
	sink   Sink
	logger zerolog.Logger
	stats  counters
}

func New(cfg Config, sink Sink) *Pipeline {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Transport == "" {
		cfg.Transport = "unknown"
	}
	return &Pipeline{
		cfg:    cfg,
		state:  NewState(cfg),
		sink:   sink,
		logger: logger,
	}
}

// State exposes the parser state for inspection.
func (p *Pipeline) State() *State {
	return p.state
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Bytes:     p.stats.bytes.Load(),
		Lines:     p.stats.lines.Load(),
		Frames:    p.stats.frames.Load(),
		Dropped:   p.stats.dropped.Load(),
		Logs:      p.stats.logs.Load(),
		Overflows: p.stats.overflows.Load(),
	}
}

// Run pulls chunks from src until ctx is done or the source ends. Partial
// lines and frames are discarded on exit. It returns nil on cancellation,
// ErrEndOfStream on io.EOF, and an ErrTransport wrap on read failure.
func (p *Pipeline) Run(ctx context.Context, src Source) error {
	defer p.state.Reset()
	for {
		if ctx.Err() != nil {
			return nil
		}
		chunk, err := src.Next(ctx)
		if len(chunk) > 0 && ctx.Err() == nil {
			p.Feed(chunk)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrEndOfStream
			}
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
}

// Feed runs one chunk through every stage before returning.
func (p *Pipeline) Feed(chunk []byte) {
	p.stats.bytes.Add(uint64(len(chunk)))
	observability.RecordBytesRead(p.cfg.Transport, len(chunk))

	lines, err := p.state.Lines.Feed(chunk)
	for _, text := range lines {
		p.handleLine(wire.Classify(text))
	}
	if errors.Is(err, wire.ErrLineTooLong) {
		p.stats.overflows.Add(1)
		observability.RecordLineOverflow()
		// The open frame lost bytes it can never get back.
		if p.state.Frames.Abort() {
			p.drop("line_overflow", err)
		}
		p.logger.Warn().
			Err(err).
			Int("limit", p.cfg.Lines.MaxLineBytes).
			Msg("pipeline.Pipeline.Feed line dropped, waiting for resync")
	}
}

func (p *Pipeline) handleLine(line wire.Line) {
	p.stats.lines.Add(1)
	observability.RecordLine(line.Kind.String())

	res := p.state.Frames.Push(line)
	switch res.Event {
	case frame.EventLog:
		p.stats.logs.Add(1)
		observability.RecordDiagnostic()
		p.sink.OnLog(res.Text)
	case frame.EventDropped:
		p.drop(dropReason(res.Err), res.Err)
	case frame.EventPayload:
		p.emit(res.Payload)
	}
}

func (p *Pipeline) emit(payload string) {
	luma, err := frame.Decode(payload)
	if err != nil {
		p.drop("decode", err)
		return
	}
	buf, err := pixel.Expand(luma)
	if err != nil {
		p.drop("size", err)
		return
	}
	p.stats.frames.Add(1)
	observability.RecordFrameDecoded()
	p.logger.Debug().Int("side", buf.Side).Msg("pipeline.Pipeline.emit frame")
	p.sink.OnFrame(buf)
}

func (p *Pipeline) drop(reason string, err error) {
	p.stats.dropped.Add(1)
	observability.RecordFrameDropped(reason)
	p.logger.Warn().Err(err).Str("reason", reason).Msg("pipeline.Pipeline frame dropped")
	if p.cfg.OnDrop != nil {
		p.cfg.OnDrop(reason, err)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrProtocolDesync):
		return "desync"
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return "payload_limit"
	default:
		return "unknown"
	}
}
