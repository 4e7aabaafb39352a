// Package vdoerrors defines the error kinds produced by the slab depot
// and its collaborators, mapped onto gRPC status codes the way every
// other error-producing package in this codebase does.
package vdoerrors

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NoSpace indicates that an allocation request could not be satisfied.
// It is surfaced to the caller and is not logged as an error.
func NoSpace(format string, args ...interface{}) error {
	return status.Errorf(codes.ResourceExhausted, format, args...)
}

// OutOfMemory indicates a transient memory-allocation failure that
// does not change any persistent state. It carries its own status
// code so that callers can tell it apart from NoSpace, which reports
// exhaustion of the physical address space rather than of memory.
func OutOfMemory(format string, args ...interface{}) error {
	return status.Errorf(codes.Internal, "out of memory: "+format, args...)
}

// LockError indicates that a PBN-lock invariant was violated. This is
// fatal and forces the owning zone into read-only mode.
func LockError(format string, args ...interface{}) error {
	return status.Errorf(codes.Aborted, "PBN lock invariant violated: "+format, args...)
}

// Corrupt indicates that on-disk state failed validation. Fatal;
// forces read-only mode.
func Corrupt(format string, args ...interface{}) error {
	return status.Errorf(codes.DataLoss, format, args...)
}

// BadState indicates an illegal administrative state transition. This
// is a programming error and is always fatal.
func BadState(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, "illegal admin state transition: "+format, args...)
}

// IO indicates that the underlying metadata read or write failed.
func IO(format string, args ...interface{}) error {
	return status.Errorf(codes.Unavailable, format, args...)
}

// Quiescent indicates that an operation was issued to a draining or
// suspended allocator.
func Quiescent(format string, args ...interface{}) error {
	return status.Errorf(codes.FailedPrecondition, "allocator is quiescent: "+format, args...)
}

// ReadOnly indicates that the depot (or one of its zones) has entered
// read-only mode. Read-only mode is absorbing: every subsequent
// mutation fails with this error until the depot is reloaded.
func ReadOnly(format string, args ...interface{}) error {
	return status.Errorf(codes.PermissionDenied, "depot is read-only: "+format, args...)
}

// IsNoSpace reports whether err was produced by NoSpace.
func IsNoSpace(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}

// IsOutOfMemory reports whether err was produced by OutOfMemory.
func IsOutOfMemory(err error) bool {
	return status.Code(err) == codes.Internal
}

// IsLockError reports whether err was produced by LockError.
func IsLockError(err error) bool {
	return status.Code(err) == codes.Aborted
}

// IsCorrupt reports whether err was produced by Corrupt.
func IsCorrupt(err error) bool {
	return status.Code(err) == codes.DataLoss
}

// IsBadState reports whether err was produced by BadState.
func IsBadState(err error) bool {
	return status.Code(err) == codes.InvalidArgument
}

// IsIO reports whether err was produced by IO.
func IsIO(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// IsQuiescent reports whether err was produced by Quiescent.
func IsQuiescent(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}

// IsReadOnly reports whether err was produced by ReadOnly.
func IsReadOnly(err error) bool {
	return status.Code(err) == codes.PermissionDenied
}
