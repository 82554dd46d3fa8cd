package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
	"github.com/PaulusParssinen/garnet-sub001/pkg/log"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

type fakeAof struct {
	starts  []int64
	commits []int64
	procs   []string
}

func (f *fakeAof) WriteTxnStart(sessionID int64) error {
	f.starts = append(f.starts, sessionID)
	return nil
}
func (f *fakeAof) WriteTxnCommit(sessionID int64, records [][]byte) error {
	f.commits = append(f.commits, sessionID)
	return nil
}
func (f *fakeAof) WriteStoredProcedure(sessionID int64, name string, payload []byte) error {
	f.procs = append(f.procs, name)
	return nil
}

var setSpec = CommandSpec{
	Name:  "SET",
	Arity: 2,
	Keys:  func(args [][]byte) [][]byte { return [][]byte{args[0]} },
}

var watchSpec = CommandSpec{Name: "WATCH", Arity: -1, ForbiddenInMulti: true}

func newTestManager() (*Manager, *fakeAof) {
	af := &fakeAof{}
	m := NewManager(NewVersionMap(), af, nil, false, true, 50*time.Millisecond, log.Logger)
	return m, af
}

func TestMultiExecCommitsAndWritesAof(t *testing.T) {
	m, af := newTestManager()
	s := m.NewSession(1)

	require.NoError(t, s.Multi())
	require.NoError(t, s.Queue(setSpec, [][]byte{[]byte("x"), []byte("1")}))

	results, err := s.Exec(context.Background(), func(ctx context.Context, cmd QueuedCommand) (any, error) {
		return "OK", nil
	})
	require.NoError(t, err)
	require.Equal(t, []any{"OK"}, results)
	require.Equal(t, []int64{1}, af.starts)
	require.Equal(t, []int64{1}, af.commits)
	require.Equal(t, StateCommit, s.state)
}

func TestExecWithoutMultiErrors(t *testing.T) {
	m, _ := newTestManager()
	s := m.NewSession(1)
	_, err := s.Exec(context.Background(), nil)
	require.ErrorIs(t, err, gerr.ErrExecWithoutMulti)
}

func TestNestedMultiErrors(t *testing.T) {
	m, _ := newTestManager()
	s := m.NewSession(1)
	require.NoError(t, s.Multi())
	require.ErrorIs(t, s.Multi(), gerr.ErrNestedMulti)
}

func TestQueueRejectsWatchAndAbortsTransaction(t *testing.T) {
	m, _ := newTestManager()
	s := m.NewSession(1)
	require.NoError(t, s.Multi())

	err := s.Queue(watchSpec, nil)
	require.ErrorIs(t, err, gerr.ErrWatchInMulti)

	_, err = s.Exec(context.Background(), func(ctx context.Context, cmd QueuedCommand) (any, error) {
		t.Fatal("should not execute any command")
		return nil, nil
	})
	require.ErrorIs(t, err, gerr.ErrExecAbort)
}

func TestQueueRejectsWrongArity(t *testing.T) {
	m, _ := newTestManager()
	s := m.NewSession(1)
	require.NoError(t, s.Multi())
	err := s.Queue(setSpec, [][]byte{[]byte("onlyonearg")})
	require.Error(t, err)
}

func TestDiscardWithoutMultiErrors(t *testing.T) {
	m, _ := newTestManager()
	s := m.NewSession(1)
	require.ErrorIs(t, s.Discard(), gerr.ErrDiscardWithoutMulti)
}

func TestDiscardReturnsToNone(t *testing.T) {
	m, _ := newTestManager()
	s := m.NewSession(1)
	require.NoError(t, s.Multi())
	require.NoError(t, s.Queue(setSpec, [][]byte{[]byte("x"), []byte("1")}))
	require.NoError(t, s.Discard())
	require.Equal(t, StateNone, s.state)
	require.Empty(t, s.queue)
}

func TestWatchValidationAbortsExecOnConcurrentMutation(t *testing.T) {
	vmap := NewVersionMap()
	af := &fakeAof{}
	m := NewManager(vmap, af, nil, false, true, 50*time.Millisecond, log.Logger)

	s1 := m.NewSession(1)
	require.NoError(t, s1.Watch([]byte("x"), types.MainStore))
	require.NoError(t, s1.Multi())
	require.NoError(t, s1.Queue(setSpec, [][]byte{[]byte("x"), []byte("1")}))

	vmap.Bump([]byte("x")) // concurrent mutation from another session

	results, err := s1.Exec(context.Background(), func(ctx context.Context, cmd QueuedCommand) (any, error) {
		t.Fatal("should not execute: watch was invalidated")
		return nil, nil
	})
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestWatchAfterMultiIsRejected(t *testing.T) {
	m, _ := newTestManager()
	s := m.NewSession(1)
	require.NoError(t, s.Multi())
	require.ErrorIs(t, s.Watch([]byte("x"), types.MainStore), gerr.ErrWatchInMulti)
}

func TestSortedByHashLockingPreventsDeadlock(t *testing.T) {
	lt := NewLockTable()
	ctx := context.Background()

	done := make(chan struct{}, 2)
	go func() {
		h, err := lt.AcquireSortedByHash(ctx, [][]byte{[]byte("a"), []byte("b")}, false, 0)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		h.Release()
		done <- struct{}{}
	}()
	go func() {
		h, err := lt.AcquireSortedByHash(ctx, [][]byte{[]byte("b"), []byte("a")}, false, 0)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		h.Release()
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlocked")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlocked")
	}
}

func TestFailFastOnLockTimesOut(t *testing.T) {
	lt := NewLockTable()
	ctx := context.Background()

	held, err := lt.AcquireSortedByHash(ctx, [][]byte{[]byte("x")}, false, 0)
	require.NoError(t, err)
	defer held.Release()

	_, err = lt.AcquireSortedByHash(ctx, [][]byte{[]byte("x")}, true, 20*time.Millisecond)
	require.ErrorIs(t, err, gerr.ErrLockTimeout)
}

type recordingProcedure struct {
	prepared bool
	mainRan  bool
	finalized bool
	finalErr error
	keys     [][]byte
}

func (p *recordingProcedure) Name() string { return "TESTPROC" }
func (p *recordingProcedure) Prepare(ctx context.Context, watch *WatchSet) ([][]byte, error) {
	p.prepared = true
	return p.keys, nil
}
func (p *recordingProcedure) Main(ctx context.Context) (any, error) {
	p.mainRan = true
	return "done", nil
}
func (p *recordingProcedure) Finalize(ctx context.Context, result any, mainErr error) {
	p.finalized = true
	p.finalErr = mainErr
}

func TestRunProcedureAlwaysFinalizes(t *testing.T) {
	m, af := newTestManager()
	s := m.NewSession(7)
	proc := &recordingProcedure{keys: [][]byte{[]byte("k")}}

	result, err := s.RunProcedure(context.Background(), proc)
	require.NoError(t, err)
	require.Equal(t, "done", result)
	require.True(t, proc.prepared)
	require.True(t, proc.mainRan)
	require.True(t, proc.finalized)
	require.NoError(t, proc.finalErr)
	require.Equal(t, []string{"TESTPROC"}, af.procs)
}
