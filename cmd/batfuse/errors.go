package main

import (
	"context"
	"errors"
)

// Command-level errors
var (
	// ErrNoAccessories indicates the inventory reported no wireless
	// accessory to act on. Distinct from a device being present but
	// answering with no battery value, which presents as "unknown".
	ErrNoAccessories = errors.New("no wireless accessories found")
)

// FormatUserError turns low-level failures into messages fit for stderr.
func FormatUserError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "operation timed out"
	}
	return err.Error()
}
