package sandboxprovider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOfUnwrapsWrappedProviderError(t *testing.T) {
	base := &Error{Class: FailurePermanent, Err: errors.New("image not found")}
	wrapped := fmt.Errorf("create sandbox container: %w", base)

	require.Equal(t, FailurePermanent, ClassOf(wrapped))
}

func TestClassOfDefaultsToUnknownForPlainError(t *testing.T) {
	require.Equal(t, FailureUnknown, ClassOf(errors.New("boom")))
}

func TestClassOfEmptyForNilError(t *testing.T) {
	require.Equal(t, FailureClass(""), ClassOf(nil))
}

func TestIsNameConflictMatchesDockerConflictMessage(t *testing.T) {
	require.True(t, isNameConflict(errors.New(`Conflict. The container name "/sandbox-1" is already in use`)))
	require.False(t, isNameConflict(errors.New("no such image")))
}
