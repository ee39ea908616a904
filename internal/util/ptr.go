// Package util holds small generic helpers shared by config and connectors.
package util

import "cmp"

// Ptr returns a pointer to v. Used for optional settings where nil means
// "use the default" and zero is a real value.
func Ptr[T any](v T) *T {
	return &v
}

// Clamp bounds v to [lo, hi].
func Clamp[T cmp.Ordered](v, lo, hi T) T {
	return min(max(v, lo), hi)
}
