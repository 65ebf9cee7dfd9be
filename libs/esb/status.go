package esb

import (
	"errors"
	"fmt"
)

// OutboxStatus is the lifecycle state of an outbox row.
type OutboxStatus string

const (
	StatusPending    OutboxStatus = "pending"
	StatusProcessing OutboxStatus = "processing"
	StatusProcessed  OutboxStatus = "processed"
	StatusFailed     OutboxStatus = "failed"
)

var (
	ErrInvalidStatus     = errors.New("esb: invalid outbox status")
	ErrInvalidTransition = errors.New("esb: invalid outbox status transition")
)

func ParseOutboxStatus(raw string) (OutboxStatus, error) {
	s := OutboxStatus(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

func (s OutboxStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed. Failed rows are terminal
// too: they are left for operators, never requeued automatically.
func (s OutboxStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// CanTransitionTo encodes pending -> processing -> {processed | failed}.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessed || next == StatusFailed
	default:
		return false
	}
}

func ValidateTransition(from, to OutboxStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s OutboxStatus) String() string {
	return string(s)
}
