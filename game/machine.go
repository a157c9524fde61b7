package game

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/luca-patrignani/mental-craps/protocol"
	"github.com/luca-patrignani/mental-craps/settlement"
)

var ErrNoCheckpoint = errors.New("no checkpoint for record")

// Machine owns the current game state. Apply and RollbackTo serialize on a
// single writer; CurrentState never blocks, it reads an immutable snapshot
// swapped in atomically after each transition.
type Machine struct {
	mu      sync.Mutex
	current atomic.Pointer[State]
	genesis State
	rules   Rules
	depth   int
	// history holds the states of the last depth records plus the current
	// one, oldest first.
	history []*State
}

// NewMachine starts from genesis and keeps enough checkpoints to roll back
// depth records.
func NewMachine(genesis State, rules Rules, depth int) *Machine {
	if depth < 1 {
		depth = 1
	}
	m := &Machine{genesis: genesis.Clone(), rules: rules, depth: depth}
	m.reset()
	return m
}

func (m *Machine) reset() {
	g := m.genesis.Clone()
	m.history = []*State{&g}
	m.current.Store(&g)
}

// CurrentState returns a copy of the latest state.
func (m *Machine) CurrentState() State {
	return m.current.Load().Clone()
}

// Head is the record the current state was computed from.
func (m *Machine) Head() protocol.Hash {
	return m.current.Load().Head
}

func (m *Machine) Rules() Rules { return m.rules }

// Validate checks a proposal against the current state.
func (m *Machine) Validate(p *protocol.Proposal) error {
	return Validate(*m.current.Load(), p, m.rules)
}

// Apply moves the state forward by one finalized record.
func (m *Machine) Apply(rec *protocol.FinalizedRecord) (State, *settlement.Instruction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, instr, err := Next(*m.current.Load(), rec, m.rules)
	if err != nil {
		return State{}, nil, err
	}
	m.push(&next)
	return next.Clone(), instr, nil
}

func (m *Machine) push(s *State) {
	m.history = append(m.history, s)
	if len(m.history) > m.depth+1 {
		m.history = append([]*State(nil), m.history[len(m.history)-m.depth-1:]...)
	}
	m.current.Store(s)
}

// RollbackTo restores the state computed after the record with hash h. The
// zero hash restores genesis when it is still within reach.
func (m *Machine) RollbackTo(h protocol.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Head == h {
			m.history = m.history[:i+1]
			m.current.Store(m.history[i])
			return nil
		}
	}
	return fmt.Errorf("%w %s", ErrNoCheckpoint, h.Short())
}

// CanRollbackTo reports whether a checkpoint for h is retained.
func (m *Machine) CanRollbackTo(h protocol.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.history {
		if s.Head == h {
			return true
		}
	}
	return false
}

// Rebuild replays records from genesis and returns every payout they
// produced, in order.
func (m *Machine) Rebuild(records []protocol.FinalizedRecord) ([]settlement.Instruction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	var out []settlement.Instruction
	for i := range records {
		next, instr, err := Next(*m.current.Load(), &records[i], m.rules)
		if err != nil {
			m.reset()
			return nil, fmt.Errorf("replay height %d: %w", records[i].Height, err)
		}
		m.push(&next)
		if instr != nil {
			out = append(out, *instr)
		}
	}
	return out, nil
}
