// Package window slices a track into fixed-length, overlapping windows.
//
// Bounds is a pure function of (duration, window, hop): window k starts at
// k*hop and every window has exactly the configured length. A track shorter
// than one window produces no windows, and the tail that does not fill a
// whole window is dropped.
package window

import (
	"errors"
	"fmt"
)

const (
	DefaultWindowMs int64 = 10_000
	DefaultHopMs    int64 = 5_000
)

var ErrInvalidParams = errors.New("window: window and hop must be positive")

// Window is one [StartMs, EndMs) span.
type Window struct {
	Index   int
	StartMs int64
	EndMs   int64
}

// Params are the segmentation parameters of an index.
type Params struct {
	WindowMs int64
	HopMs    int64
}

func DefaultParams() Params {
	return Params{WindowMs: DefaultWindowMs, HopMs: DefaultHopMs}
}

func (p Params) Validate() error {
	if p.WindowMs <= 0 || p.HopMs <= 0 {
		return fmt.Errorf("%w (window=%dms hop=%dms)", ErrInvalidParams, p.WindowMs, p.HopMs)
	}
	return nil
}

// Count is the number of windows Bounds returns: max(0, floor((d-w)/h)+1).
func Count(durationMs, windowMs, hopMs int64) int {
	if windowMs <= 0 || hopMs <= 0 || durationMs < windowMs {
		return 0
	}
	return int((durationMs-windowMs)/hopMs) + 1
}

// Bounds lists the windows of a track of durationMs. Invalid parameters
// yield no windows.
func Bounds(durationMs, windowMs, hopMs int64) []Window {
	n := Count(durationMs, windowMs, hopMs)
	if n == 0 {
		return nil
	}

	out := make([]Window, n)
	for i := range out {
		start := int64(i) * hopMs
		out[i] = Window{Index: i, StartMs: start, EndMs: start + windowMs}
	}
	return out
}
