// Package session holds the explicit per-session monitoring state: the
// active rule generation, the one-way Halted gate, and the manual override
// record. Components receive the session by handle; nothing in the monitor
// touches process-wide globals.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotHalted means an override was requested while the session was
	// running normally.
	ErrNotHalted = errors.New("session is not halted")
	// ErrMissingReference means an override lacked an investigation
	// reference; overrides without a paper trail are refused.
	ErrMissingReference = errors.New("manual override requires an investigation reference")
)

// Override records the operator action that released a halted session.
type Override struct {
	Operator         string    `json:"operator"`
	InvestigationRef string    `json:"investigation_ref"`
	At               time.Time `json:"at"`
}

// State is the mutable session record. Halting is one-way: only a manual
// override with an investigation reference releases the gate.
type State struct {
	ID         string
	StartedAt  time.Time
	Generation string
	LabZone    string

	mu         sync.RWMutex
	halted     bool
	haltReason string
	haltedAt   time.Time
	overrides  []Override

	logger *slog.Logger
}

// New starts a fresh session.
func New(generation, labZone string) *State {
	return &State{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		Generation: generation,
		LabZone:    labZone,
		logger:     slog.Default().With("component", "session"),
	}
}

// Resume rebuilds a session identity from a previous run's ledger, keeping
// the halted gate if the prior run never recorded an override.
func Resume(id, generation, labZone string, halted bool, haltReason string) *State {
	s := New(generation, labZone)
	if id != "" {
		s.ID = id
	}
	if halted {
		s.halted = true
		s.haltReason = haltReason
	}
	return s
}

// Halt closes the gate. Idempotent; the first reason wins.
func (s *State) Halt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return
	}
	s.halted = true
	s.haltReason = reason
	s.haltedAt = time.Now().UTC()
	s.logger.Error("session halted", "session", s.ID, "reason", reason)
}

// Halted reports whether the gate is closed.
func (s *State) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

// HaltReason returns the reason the gate closed, or "".
func (s *State) HaltReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.haltReason
}

// Release reopens the gate on operator authority. The override is recorded
// here and must also be ledgered by the caller.
func (s *State) Release(operator, investigationRef string) (Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.halted {
		return Override{}, ErrNotHalted
	}
	if investigationRef == "" {
		return Override{}, ErrMissingReference
	}
	ov := Override{
		Operator:         operator,
		InvestigationRef: investigationRef,
		At:               time.Now().UTC(),
	}
	s.halted = false
	s.haltReason = ""
	s.overrides = append(s.overrides, ov)
	s.logger.Warn("session released by manual override",
		"session", s.ID, "operator", operator, "ref", investigationRef)
	return ov, nil
}

// Overrides returns the overrides applied during this process lifetime.
func (s *State) Overrides() []Override {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Override, len(s.overrides))
	copy(out, s.overrides)
	return out
}
