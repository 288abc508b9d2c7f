package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/arledger/internal/testing/guard"
)

func TestInTestModeFollowsEnvironment(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Cleanup(RefreshTestMode)
	t.Setenv(guard.EnvTestMode, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}
