package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PaulusParssinen/garnet-sub001/pkg/log"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "checkpoints.db"), log.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCookiePackUnpackRoundTrip(t *testing.T) {
	c := Cookie{CoveredAofAddress: 12345, PrimaryReplID: "replid-abc", Metadata: []byte("hello")}
	packed, err := Pack(c)
	require.NoError(t, err)

	got, err := Unpack(packed)
	require.NoError(t, err)
	require.Equal(t, c.CoveredAofAddress, got.CoveredAofAddress)
	require.Equal(t, c.PrimaryReplID, got.PrimaryReplID)
	require.Equal(t, c.Metadata, got.Metadata)
}

func TestCookieRejectsOversizedReplID(t *testing.T) {
	long := make([]byte, 41)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Pack(Cookie{PrimaryReplID: string(long)})
	require.Error(t, err)
}

func TestBeginCompleteRecover(t *testing.T) {
	m := newTestManager(t)

	token, err := m.BeginCheckpoint(types.MainStore)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	err = m.CompleteCheckpoint(token, 4096, "replid-1", []byte("meta"))
	require.NoError(t, err)

	cookie, err := m.Recover(types.MainStore, "")
	require.NoError(t, err)
	require.Equal(t, int64(4096), cookie.CoveredAofAddress)
	require.Equal(t, "replid-1", cookie.PrimaryReplID)

	cookieByToken, err := m.Recover(types.MainStore, token)
	require.NoError(t, err)
	require.Equal(t, cookie, cookieByToken)
}

func TestBeginRejectsConcurrentPending(t *testing.T) {
	m := newTestManager(t)

	_, err := m.BeginCheckpoint(types.MainStore)
	require.NoError(t, err)

	_, err = m.BeginCheckpoint(types.MainStore)
	require.Error(t, err)
}

func TestBeginAllowsDifferentStoreKinds(t *testing.T) {
	m := newTestManager(t)

	_, err := m.BeginCheckpoint(types.MainStore)
	require.NoError(t, err)

	_, err = m.BeginCheckpoint(types.ObjectStore)
	require.NoError(t, err)
}

func TestVersionOrderingBarrier(t *testing.T) {
	m := newTestManager(t)

	tok1, err := m.BeginCheckpoint(types.MainStore)
	require.NoError(t, err)
	require.NoError(t, m.CompleteCheckpoint(tok1, 100, "", nil))

	tok2, err := m.BeginCheckpoint(types.MainStore)
	require.NoError(t, err)
	require.NotEqual(t, tok1, tok2)
	require.NoError(t, m.CompleteCheckpoint(tok2, 200, "", nil))

	cookie, err := m.Recover(types.MainStore, "")
	require.NoError(t, err)
	require.Equal(t, int64(200), cookie.CoveredAofAddress)
}

func TestRecoverUnknownStoreErrors(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Recover(types.ObjectStore, "")
	require.Error(t, err)
}
