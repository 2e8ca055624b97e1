package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const scopeName = "github.com/nimdanitro/disk-monitor-go/pkg/probe"

var defaultDevices = [...]string{
	"/dev/sda", "/dev/sdb", "/dev/sdc", "/dev/sdd", "/dev/sde",
	"/dev/sdf", "/dev/sdg", "/dev/sdh", "/dev/sdi", "/dev/sdj",
}

// DefaultDevices returns a fresh copy of the device list probed when none is
// configured.
func DefaultDevices() []string {
	return append([]string(nil), defaultDevices[:]...)
}

// Command is an external tool invocation. For the disk tool the device path
// is appended to Args.
type Command struct {
	Name string
	Args []string
}

type Sampler struct {
	runner   Runner
	limit    *rate.Limiter
	log      *zap.Logger
	tracer   trace.Tracer
	devices  []string
	sensors  Command
	smartctl Command
	timeout  time.Duration
}

type Option func(s *Sampler) error

func NewSampler(opts ...Option) (*Sampler, error) {
	s := &Sampler{
		runner:   ExecRunner{},
		limit:    rate.NewLimiter(rate.Inf, 1),
		log:      zap.L(),
		tracer:   otel.Tracer(scopeName),
		devices:  DefaultDevices(),
		sensors:  Command{Name: "sensors"},
		smartctl: Command{Name: "smartctl", Args: []string{"-A"}},
	}

	// apply the options
	for _, o := range opts {
		err := o(s)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Sampler) error {
		s.log = l
		return nil
	}
}

func WithRunner(r Runner) Option {
	return func(s *Sampler) error {
		if r == nil {
			return errors.New("runner must not be nil")
		}
		s.runner = r
		return nil
	}
}

func WithDevices(devices []string) Option {
	return func(s *Sampler) error {
		for _, d := range devices {
			if d == "" {
				return errors.New("device path must not be empty")
			}
		}
		s.devices = append([]string(nil), devices...)
		return nil
	}
}

func WithSensorsCommand(c Command) Option {
	return func(s *Sampler) error {
		if c.Name == "" {
			return errors.New("sensors command must not be empty")
		}
		s.sensors = c
		return nil
	}
}

func WithSmartctlCommand(c Command) Option {
	return func(s *Sampler) error {
		if c.Name == "" {
			return errors.New("smartctl command must not be empty")
		}
		s.smartctl = c
		return nil
	}
}

// WithToolTimeout bounds each tool invocation. Zero means no timeout.
func WithToolTimeout(d time.Duration) Option {
	return func(s *Sampler) error {
		if d < 0 {
			return fmt.Errorf("invalid tool timeout %s", d)
		}
		s.timeout = d
		return nil
	}
}

// WithRateLimit caps disk tool invocations per second. Zero means unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(s *Sampler) error {
		if perSecond < 0 {
			return fmt.Errorf("invalid tool rate %v", perSecond)
		}
		if perSecond == 0 {
			s.limit = rate.NewLimiter(rate.Inf, 1)
			return nil
		}
		s.limit = rate.NewLimiter(rate.Limit(perSecond), 1)
		return nil
	}
}

// Devices returns the configured device paths in probe order.
func (s *Sampler) Devices() []string {
	return append([]string(nil), s.devices...)
}

func (s *Sampler) run(ctx context.Context, c Command, extra ...string) ([]byte, error) {
	args := append(append([]string(nil), c.Args...), extra...)

	ctx, span := s.tracer.Start(ctx, "probe.tool", trace.WithAttributes(
		attribute.String("tool.name", c.Name),
		attribute.StringSlice("tool.args", args),
	))
	defer span.End()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, err := s.runner.Run(ctx, c.Name, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (s *Sampler) readSensors(ctx context.Context, r *Reading) error {
	out, err := s.run(ctx, s.sensors)
	if err != nil {
		s.log.Error("cannot run sensors tool", zap.String("tool", s.sensors.Name), zap.Error(err))
		return &SampleError{Kind: ErrToolFailed, Tool: s.sensors.Name, Err: err}
	}

	entries, err := ParseSensors(string(out))
	if err != nil {
		s.log.Error("cannot parse sensors output", zap.String("tool", s.sensors.Name), zap.Error(err))
		return &SampleError{Kind: ErrUnparseable, Tool: s.sensors.Name, Err: err}
	}
	if len(entries) == 0 {
		s.log.Debug("no sensor readings matched", zap.String("tool", s.sensors.Name))
	}
	for _, e := range entries {
		r.SetFloat(e.Label, e.Value)
	}
	return nil
}

func (s *Sampler) readDisk(ctx context.Context, device string, r *Reading) error {
	// apply the ratelimit
	err := s.limit.Wait(ctx)
	if err != nil {
		s.log.Error("cannot await rate limit", zap.Error(err))
		return &SampleError{Kind: ErrToolFailed, Tool: s.smartctl.Name, Device: device, Err: err}
	}

	out, err := s.run(ctx, s.smartctl, device)
	if err != nil {
		s.log.Error("cannot run disk tool",
			zap.String("tool", s.smartctl.Name),
			zap.String("device", device),
			zap.Error(err),
		)
		return &SampleError{Kind: ErrToolFailed, Tool: s.smartctl.Name, Device: device, Err: err}
	}

	temp, err := ParseSmartTemperature(string(out))
	if err != nil {
		s.log.Error("cannot find disk temperature",
			zap.String("tool", s.smartctl.Name),
			zap.String("device", device),
			zap.Error(err),
		)
		kind := ErrFieldAbsent
		if errors.Is(err, ErrUnparseable) {
			kind = ErrUnparseable
		}
		return &SampleError{Kind: kind, Tool: s.smartctl.Name, Device: device, Err: err}
	}

	s.log.Debug("read disk temperature", zap.String("device", device), zap.Int64("temperature", temp))
	r.SetInt(device, temp)
	return nil
}

// Sample runs the sensors tool once and the disk tool once per device, and
// merges the results: sensor labels first, then devices in order. The first
// failure aborts the cycle and no partial reading is returned.
func (s *Sampler) Sample(ctx context.Context) (*Reading, error) {
	ctx, span := s.tracer.Start(ctx, "probe.sample", trace.WithAttributes(
		attribute.Int("probe.devices", len(s.devices)),
	))
	defer span.End()

	r := NewReading()
	fail := func(err error) (*Reading, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := s.readSensors(ctx, r); err != nil {
		return fail(err)
	}
	for _, device := range s.devices {
		if err := s.readDisk(ctx, device, r); err != nil {
			return fail(err)
		}
	}

	span.SetAttributes(attribute.Int("probe.entries", r.Len()))
	return r, nil
}
