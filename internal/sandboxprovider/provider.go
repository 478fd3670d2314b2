// Package sandboxprovider defines the SandboxProvider collaborator
// interface (create/restoreFromSnapshot/takeSnapshot) and a Docker-backed
// reference implementation. The sandbox runtime itself is out of scope
// for the session actor; this package is the concrete edge it is
// consumed through.
package sandboxprovider

import "context"

// FailureClass tags a provider error as permanent, transient, or unknown.
// The circuit breaker keys its decision on this tag: only permanent and
// unknown failures count toward the open threshold.
type FailureClass string

const (
	FailurePermanent FailureClass = "permanent"
	FailureTransient FailureClass = "transient"
	FailureUnknown   FailureClass = "unknown"
)

// Error wraps a provider failure with its classification.
type Error struct {
	Class FailureClass
	Err   error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the FailureClass from err, defaulting to unknown.
func ClassOf(err error) FailureClass {
	if err == nil {
		return ""
	}
	var pe *Error
	if ok := asProviderError(err, &pe); ok {
		return pe.Class
	}
	return FailureUnknown
}

func asProviderError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CreateConfig describes the environment a new sandbox should be created
// with: merged secrets, the model/provider to run, and an optional
// pre-built repo image.
type CreateConfig struct {
	ExpectedSandboxID string
	RepoOwner         string
	RepoName          string
	BaseBranch        string
	Model             string
	AuthToken         string
	Env               map[string]string
	RepoImage         string
}

// CreateResult is returned on a successful create or restore.
type CreateResult struct {
	ProviderSandboxID string
	ProviderObjectID  string
}

// SnapshotConfig describes a restore-from-snapshot request.
type SnapshotConfig struct {
	CreateConfig
	SnapshotImageID string
}

// SnapshotResult is returned by TakeSnapshot.
type SnapshotResult struct {
	ImageID string
}

// Provider is the SandboxProvider collaborator named in spec.md §1.
type Provider interface {
	// Create spawns a brand new sandbox. Returns a classified *Error on
	// failure.
	Create(ctx context.Context, cfg CreateConfig) (*CreateResult, error)

	// RestoreFromSnapshot recreates a sandbox from a previously taken
	// snapshot image. The lifecycle manager calls it only when
	// SupportsRestore reports true, and uses Create otherwise.
	RestoreFromSnapshot(ctx context.Context, cfg SnapshotConfig) (*CreateResult, error)

	// TakeSnapshot captures the current filesystem state of a running
	// sandbox for later restore.
	TakeSnapshot(ctx context.Context, providerObjectID string) (*SnapshotResult, error)

	// SupportsRestore reports whether RestoreFromSnapshot is implemented.
	SupportsRestore() bool
}
