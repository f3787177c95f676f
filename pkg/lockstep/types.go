package lockstep

import (
	"github.com/lockstep/lockstep/internal/config"
	"github.com/lockstep/lockstep/internal/core/actor"
	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/checkpoint"
	"github.com/lockstep/lockstep/internal/core/errs"
	"github.com/lockstep/lockstep/internal/core/injector"
	"github.com/lockstep/lockstep/internal/core/orchestrator"
	"github.com/lockstep/lockstep/internal/core/process"
	"github.com/lockstep/lockstep/internal/core/protocol"
	"github.com/lockstep/lockstep/internal/core/runcond"
)

// Re-export core types for convenience
type (
	Process    = process.Process
	InPort     = process.InPort
	OutPort    = process.OutPort
	Var        = process.Var
	Model      = process.Model
	ModelFunc  = process.ModelFunc
	Variant    = process.Variant
	Selector   = process.Selector
	Controller = process.Controller

	Shape   = channel.Shape
	DType   = channel.DType
	Message = channel.Message
	Backend = channel.Backend

	Phase    = protocol.Phase
	Protocol = protocol.Protocol

	RunCondition   = runcond.RunCondition
	Injector       = injector.Injector
	InjectorConfig = injector.Config

	State        = actor.State
	ActorFailure = actor.ActorFailure
	Aggregate    = orchestrator.Aggregate

	Checkpoint = checkpoint.Checkpoint
	Saver      = checkpoint.Saver
	Filter     = checkpoint.Filter

	Settings = config.Settings
)

// Phases
const (
	PhaseExchange   = protocol.PhaseExchange
	PhaseCompute    = protocol.PhaseCompute
	PhaseManagement = protocol.PhaseManagement
	PhaseCommit     = protocol.PhaseCommit
)

// Actor states
const (
	StateCreated = actor.StateCreated
	StateRunning = actor.StateRunning
	StatePaused  = actor.StatePaused
	StateStopped = actor.StateStopped
	StateError   = actor.StateError
)

// Error kinds, checkable with errors.Is.
var (
	ErrConfiguration = errs.ErrConfiguration
	ErrInvalidInput  = errs.ErrInvalidInput
	ErrChannelClosed = channel.ErrChannelClosed
	ErrNotRunning    = injector.ErrNotRunning
	ErrInvalidValue  = injector.ErrInvalidValue
)

// NewProcess declares a process. Add ports and vars before loading it.
func NewProcess(name, procType string) *Process { return process.New(name, procType) }

// NewInjector creates an async injector process.
func NewInjector(cfg InjectorConfig) (*Injector, error) { return injector.New(cfg) }

// Steps runs n timesteps.
func Steps(n int64, blocking bool) (RunCondition, error) { return runcond.Steps(n, blocking) }

// Continuous runs until stopped. It is always non-blocking.
func Continuous() (RunCondition, error) { return runcond.Continuous(false) }

// DefaultSettings returns the built-in configuration.
func DefaultSettings() *Settings { return config.Default() }

// LoadSettings reads defaults, an optional YAML file, .env and LOCKSTEP_* vars.
func LoadSettings(path string) (*Settings, error) { return config.Load(path) }

// RegisterModel adds a model variant to the default registry.
func RegisterModel(procType string, v Variant) error {
	return process.DefaultRegistry.Register(procType, v)
}
