// Package protocol describes the ordered phases every actor executes once per
// timestep, and the barrier that separates consecutive phases.
package protocol

import (
	"fmt"
	"strings"
)

// Phase is one step of the per-timestep protocol.
type Phase int

const (
	// PhaseExchange moves messages across channels
	PhaseExchange Phase = iota
	// PhaseCompute runs the model's local update
	PhaseCompute
	// PhaseManagement handles learning and bookkeeping
	PhaseManagement
	// PhaseCommit publishes state visible to the next timestep
	PhaseCommit
)

var phaseNames = map[Phase]string{
	PhaseExchange:   "exchange",
	PhaseCompute:    "compute",
	PhaseManagement: "management",
	PhaseCommit:     "commit",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ParsePhase maps a phase name to its Phase.
func ParsePhase(name string) (Phase, error) {
	for p, n := range phaseNames {
		if strings.EqualFold(n, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPhase, name)
}

// Protocol is an immutable, ordered list of phases.
// PRINCIPLES:
// - Every actor in a run follows the same protocol
// - A phase appears at most once per timestep
type Protocol struct {
	name   string
	phases []Phase
}

// New validates phases and builds a protocol. Every protocol carries an
// exchange phase, since that is the only phase in which messages cross
// channels.
func New(name string, phases ...Phase) (Protocol, error) {
	if len(phases) == 0 {
		return Protocol{}, ErrEmptyProtocol
	}
	seen := make(map[Phase]bool, len(phases))
	for _, p := range phases {
		if _, ok := phaseNames[p]; !ok {
			return Protocol{}, fmt.Errorf("%w: %d", ErrUnknownPhase, int(p))
		}
		if seen[p] {
			return Protocol{}, fmt.Errorf("%w: %s", ErrDuplicatePhase, p)
		}
		seen[p] = true
	}
	if !seen[PhaseExchange] {
		return Protocol{}, fmt.Errorf("%w: %s", ErrNoExchange, name)
	}
	out := make([]Phase, len(phases))
	copy(out, phases)
	return Protocol{name: name, phases: out}, nil
}

// Parse builds a protocol from phase names.
func Parse(name string, phaseNames []string) (Protocol, error) {
	phases := make([]Phase, 0, len(phaseNames))
	for _, n := range phaseNames {
		p, err := ParsePhase(n)
		if err != nil {
			return Protocol{}, err
		}
		phases = append(phases, p)
	}
	return New(name, phases...)
}

// Default is exchange, compute, commit.
func Default() Protocol {
	return Protocol{name: "default", phases: []Phase{PhaseExchange, PhaseCompute, PhaseCommit}}
}

// Loihi adds a management phase between compute and commit.
func Loihi() Protocol {
	return Protocol{name: "loihi", phases: []Phase{PhaseExchange, PhaseCompute, PhaseManagement, PhaseCommit}}
}

// Name returns the protocol name.
func (p Protocol) Name() string { return p.name }

// Phases returns a copy of the phase order.
func (p Protocol) Phases() []Phase {
	out := make([]Phase, len(p.phases))
	copy(out, p.phases)
	return out
}

// Len returns the number of phases per timestep.
func (p Protocol) Len() int { return len(p.phases) }

// IsZero reports whether p was never initialized.
func (p Protocol) IsZero() bool { return len(p.phases) == 0 }

// Has reports whether phase is part of the protocol.
func (p Protocol) Has(phase Phase) bool {
	for _, ph := range p.phases {
		if ph == phase {
			return true
		}
	}
	return false
}

func (p Protocol) String() string {
	names := make([]string, len(p.phases))
	for i, ph := range p.phases {
		names[i] = ph.String()
	}
	return p.name + "[" + strings.Join(names, ",") + "]"
}
