package lockstep

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	memory "github.com/lockstep/lockstep/internal/adapters/repository/memory"
	"github.com/lockstep/lockstep/internal/adapters/repository/postgres"
	"github.com/lockstep/lockstep/internal/adapters/repository/sqlite"
	"github.com/lockstep/lockstep/internal/config"
	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/checkpoint"
	"github.com/lockstep/lockstep/internal/core/errs"
	"github.com/lockstep/lockstep/internal/core/orchestrator"
	"github.com/lockstep/lockstep/internal/infrastructure/logging"
)

// Runtime is a simple façade over one orchestrator and its snapshot store.
// The default runtime keeps everything in memory and is suitable for local
// usage and tests.
type Runtime struct {
	*orchestrator.Orchestrator

	settings *Settings
	saver    checkpoint.Saver
	closeFn  func() error
	log      logr.Logger
}

// Option customizes a Runtime.
type Option func(*runtimeOptions)

type runtimeOptions struct {
	logger   logr.Logger
	saver    checkpoint.Saver
	selector Selector
}

// WithLogger replaces the logger built from settings.
func WithLogger(l logr.Logger) Option { return func(o *runtimeOptions) { o.logger = l } }

// WithSaver replaces the snapshot store selected by settings.
func WithSaver(s Saver) Option { return func(o *runtimeOptions) { o.saver = s } }

// WithSelector picks model variants by resource and tag.
func WithSelector(sel Selector) Option { return func(o *runtimeOptions) { o.selector = sel } }

// NewRuntime builds a runtime from settings. Nil settings means defaults.
func NewRuntime(ctx context.Context, s *Settings, opts ...Option) (*Runtime, error) {
	if s == nil {
		s = config.Default()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log.GetSink() == nil {
		l, err := logging.New(s.Log.Level, s.Log.Development)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
		}
		log = l
	}

	rt := &Runtime{settings: s, log: log, closeFn: func() error { return nil }}
	rt.saver = o.saver
	if rt.saver == nil {
		saver, closeFn, err := OpenSaver(ctx, s)
		if err != nil {
			return nil, err
		}
		rt.saver, rt.closeFn = saver, closeFn
	}

	proto, err := s.ResolveProtocol()
	if err != nil {
		_ = rt.closeFn()
		return nil, fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
	}
	rt.Orchestrator = orchestrator.New(orchestrator.Config{
		Protocol:        proto,
		ChannelCapacity: s.Runtime.ChannelCapacity,
		ChannelBackend:  channel.Backend(s.Runtime.ChannelBackend),
		ChannelTimeout:  s.Runtime.ChannelTimeout,
		PhaseTimeout:    s.Runtime.PhaseTimeout,
		JoinTimeout:     s.Runtime.JoinTimeout,
		Selector:        o.selector,
		Saver:           rt.saver,
		SnapshotEvery:   s.Runtime.SnapshotEvery,
		Logger:          log,
	})
	log.V(1).Info("runtime ready", "protocol", proto.String(), "backend", s.Runtime.ChannelBackend,
		"snapshots", s.Snapshot.Driver)
	return rt, nil
}

// Settings returns the settings the runtime was built from.
func (rt *Runtime) Settings() *Settings { return rt.settings }

// Saver returns the snapshot store, or nil when snapshots are disabled.
func (rt *Runtime) Saver() Saver { return rt.saver }

// Logger returns the runtime logger.
func (rt *Runtime) Logger() logr.Logger { return rt.log }

// Snapshots lists stored snapshots of the current run, newest first.
func (rt *Runtime) Snapshots(ctx context.Context, f Filter) ([]*Checkpoint, error) {
	if rt.saver == nil {
		return nil, nil
	}
	if f.RunID == "" {
		f.RunID = rt.RunID()
	}
	return rt.saver.List(ctx, f)
}

// Close stops any run, tears down the graph and closes the snapshot store.
func (rt *Runtime) Close() error {
	return multierr.Combine(rt.Stop(), rt.closeFn())
}

// OpenSaver opens the snapshot store named by s.Snapshot.Driver. The "none"
// driver yields a nil saver.
func OpenSaver(ctx context.Context, s *Settings) (Saver, func() error, error) {
	noop := func() error { return nil }
	ser, err := s.Serializer()
	if err != nil {
		return nil, noop, fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
	}

	switch s.Snapshot.Driver {
	case "", config.DriverNone:
		return nil, noop, nil
	case config.DriverMemory:
		m := memory.New(memory.Config{DefaultTTL: s.Snapshot.TTL, Serializer: ser})
		return m, m.Close, nil
	case config.DriverSQLite:
		sq, err := sqlite.Open(ctx, s.Snapshot.DSN, ser)
		if err != nil {
			return nil, noop, err
		}
		return sq, sq.Close, nil
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, s.Snapshot.DSN, ser)
		if err != nil {
			return nil, noop, err
		}
		return pg, func() error { pg.Close(); return nil }, nil
	default:
		return nil, noop, fmt.Errorf("%w: unknown snapshot driver %q", errs.ErrConfiguration, s.Snapshot.Driver)
	}
}
