// Package raiderr defines the error kinds shared by the RAID-6 packages.
//
// Every error returned by the array, the layout, the recovery engine and the
// block stores wraps exactly one of these sentinels, so callers can branch
// with errors.Is while the message carries the disk, stripe and case context.
package raiderr

import "errors"

var (
	// ErrConfig reports a backing store that cannot be created or opened.
	ErrConfig = errors.New("configuration error")

	// ErrBounds reports an access past the end of a block or outside the
	// configured disk/block range.
	ErrBounds = errors.New("out of bounds")

	// ErrLayout reports an invalid geometry, disk id or stripe index.
	ErrLayout = errors.New("invalid layout")

	// ErrRecoveryPrecondition reports a missing-block set that does not
	// match the declared recovery case.
	ErrRecoveryPrecondition = errors.New("recovery precondition failed")

	// ErrStorageIO reports a failure of the underlying block store.
	ErrStorageIO = errors.New("storage i/o error")
)
