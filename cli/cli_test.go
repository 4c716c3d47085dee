package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/common"
)

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 3, exitCode(common.Failf(common.FailurePolicy, "forbidden peer configured")))
	assert.Equal(t, 2, exitCode(common.Failf(common.FailureDecode, "malformed sync state")))
	assert.Equal(t, 1, exitCode(errors.New("dial tcp: connection refused")))
	assert.Equal(t, 1, exitCode(common.Failf(common.FailureTransient, "index unreachable")))
}

func TestVersionCommandPrintsBuildInfo(t *testing.T) {
	out := new(bytes.Buffer)
	RootCmd.SetOut(out)
	RootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		RootCmd.SetOut(nil)
		RootCmd.SetArgs(nil)
	})

	require.NoError(t, RootCmd.Execute())
	assert.NotEmpty(t, strings.TrimSpace(out.String()))
}

func TestListenRequiresBroker(t *testing.T) {
	t.Setenv("OIPD_AUTH_JWT_SECRET", "test-secret")
	RootCmd.SetArgs([]string{"listen"})
	t.Cleanup(func() { RootCmd.SetArgs(nil) })

	err := RootCmd.Execute()
	require.Error(t, err)
	assert.Equal(t, common.FailureResource, common.KindOf(err))
	assert.Equal(t, 1, exitCode(err))
}
