package engine

import (
	"errors"
	"fmt"

	"github.com/samcharles93/duplex/internal/layout"
)

// ErrCapacityExceeded is returned at admission when a prompt's KV footprint
// alone exceeds the host buffer capacity. The caller may retry with
// different parameters; the prompt is never silently truncated.
var ErrCapacityExceeded = errors.New("capacity_exceeded")

// ErrHalted is returned once the engine has suffered a fatal failure or
// been shut down; admission stays closed.
var ErrHalted = errors.New("engine_halted")

// ErrUnknownSequence is returned by Poll and Cancel for ids the engine does
// not track.
var ErrUnknownSequence = errors.New("unknown_sequence")

// TransferError is a device/host copy failure during swap-out or swap-in.
// Fatal to the affected sequence only: it is marked failed and its slots
// reclaimed; other sequences continue.
type TransferError struct {
	SeqID string
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed for sequence %s: %v", e.SeqID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// KernelError is an opaque compute failure, scoped to the batch's
// sequences and handled like a transfer failure.
type KernelError struct {
	SeqIDs []string
	Err    error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel failed for %d sequence(s): %v", len(e.SeqIDs), e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }

// ReshardError is fatal to the whole engine instance: a partial re-shard
// leaves device state inconsistent, so admission halts and the instance
// requires a restart. No automatic retry is attempted.
type ReshardError struct {
	From, To layout.Layout
	Err      error
}

func (e *ReshardError) Error() string {
	return fmt.Sprintf("reshard %s -> %s failed: %v", e.From, e.To, e.Err)
}

func (e *ReshardError) Unwrap() error { return e.Err }
