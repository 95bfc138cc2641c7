package client

import (
	"path/filepath"
	"testing"

	"github.com/aeolun/minichat/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestState(t *testing.T) *State {
	t.Helper()
	state, err := OpenState(filepath.Join(t.TempDir(), "nested", "state.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return state
}

func TestOpenStateCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	state, err := OpenState(filepath.Join(dir, "state.db"), logging.Discard())
	require.NoError(t, err)
	defer state.Close()

	assert.Equal(t, dir, state.GetStateDir())
	assert.FileExists(t, filepath.Join(dir, "state.db"))
}

func TestStateReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	state, err := OpenState(path, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, state.SetConfig("theme", "dark"))
	require.NoError(t, state.Close())

	// Migrations must be idempotent across restarts
	state, err = OpenState(path, logging.Discard())
	require.NoError(t, err)
	defer state.Close()

	value, err := state.GetConfig("theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", value)
}

func TestStateConfig(t *testing.T) {
	state := openTestState(t)

	value, err := state.GetConfig("missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, state.SetConfig("key", "one"))
	require.NoError(t, state.SetConfig("key", "two"))
	value, err = state.GetConfig("key")
	require.NoError(t, err)
	assert.Equal(t, "two", value)

	assert.Empty(t, state.GetLastNickname())
	require.NoError(t, state.SetLastNickname("alice"))
	assert.Equal(t, "alice", state.GetLastNickname())
}

func TestStateConnectionHistory(t *testing.T) {
	state := openTestState(t)

	transport, err := state.GetLastSuccessfulTransport("chat.example.com:6465")
	require.NoError(t, err)
	assert.Empty(t, transport)

	count, err := state.ConnectionCount("chat.example.com:6465")
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, state.SaveSuccessfulConnection("chat.example.com:6465", TransportTCP))
	require.NoError(t, state.SaveSuccessfulConnection("chat.example.com:6465", TransportWebSocket))

	transport, err = state.GetLastSuccessfulTransport("chat.example.com:6465")
	require.NoError(t, err)
	assert.Equal(t, TransportWebSocket, transport)

	count, err = state.ConnectionCount("chat.example.com:6465")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestStateLoginHistory(t *testing.T) {
	state := openTestState(t)
	const addr = "localhost:6465"

	require.NoError(t, state.RecordLogin(addr, "alice", false, "Nickname \"alice\" is not available"))
	assert.Empty(t, state.GetLastNickname(), "rejected logins do not become the last nickname")

	require.NoError(t, state.RecordLogin(addr, "alice2", true, "Logged in as alice2"))
	require.NoError(t, state.RecordLogin("other:1", "bob", true, "Logged in as bob"))
	assert.Equal(t, "bob", state.GetLastNickname())

	records, err := state.RecentLogins(addr, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alice2", records[0].Nickname)
	assert.True(t, records[0].Accepted)
	assert.Equal(t, "alice", records[1].Nickname)
	assert.False(t, records[1].Accepted)
	assert.False(t, records[0].Attempted.IsZero())

	records, err = state.RecentLogins(addr, 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStateSatisfiesHistory(t *testing.T) {
	var _ History = (*State)(nil)
	var _ TransportHistory = (*State)(nil)
}
