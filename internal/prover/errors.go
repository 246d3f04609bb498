package prover

import "errors"

var (
	// ErrInvalidPolicy is returned for policies that cannot be verified at all.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrInvalidCorpus is returned when replay has no traces to work with.
	ErrInvalidCorpus = errors.New("invalid corpus")
	// ErrInvalidTraffic is returned for empty or malformed traffic patterns.
	ErrInvalidTraffic = errors.New("invalid traffic pattern")
	// ErrSimulation reports an internal inconsistency during simulation.
	ErrSimulation = errors.New("simulation error")
)
