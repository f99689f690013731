// Package ir provides the value and event types shared by every strata package.
//
// This package contains type definitions and codecs only. All other internal
// packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers
//   - IRNull is an explicit null; a missing map key means "absent"
//   - Diff is a closed union: only the variants in diff.go implement it
//   - Events are values: helpers return modified copies, never mutate
package ir
