package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoumingliang/innostore/conf"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/mvcc"
)

func testCfg(t *testing.T) *conf.Cfg {
	dir := t.TempDir()
	cfg := conf.NewDefaultCfg()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.RedoLogDir = filepath.Join(dir, "redo")
	cfg.BufferPoolSize = 64 * cfg.PageSize
	cfg.BufferPoolShards = 4
	cfg.FlushInterval = 0
	cfg.CheckpointInterval = 0
	cfg.MVCCGCInterval = 0
	cfg.LockTimeout = 2 * time.Second
	return cfg
}

func mustOpen(t *testing.T, cfg *conf.Cfg) *StorageCore {
	core, err := Open(cfg)
	require.NoError(t, err)
	return core
}

func TestCommitAndRead(t *testing.T) {
	core := mustOpen(t, testCfg(t))
	defer core.Close()
	ctx := context.Background()

	txn, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, core.Put(ctx, txn, 1, 1, []byte("hello")))
	require.NoError(t, core.Put(ctx, txn, 1, 2, []byte("world")))

	t.Run("提交前自己可见", func(t *testing.T) {
		data, err := core.Get(ctx, txn, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	})

	t.Run("提交前其他事务不可见", func(t *testing.T) {
		other, err := core.Begin(basic.RepeatableRead)
		require.NoError(t, err)
		_, gerr := core.Get(ctx, other, 1, 1)
		assert.ErrorIs(t, gerr, ErrRowNotFound)
		require.NoError(t, core.Rollback(other))
	})

	require.NoError(t, core.Commit(txn))

	t.Run("提交后新事务可见", func(t *testing.T) {
		reader, err := core.Begin(basic.RepeatableRead)
		require.NoError(t, err)
		data, err := core.Get(ctx, reader, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte("world"), data)
		require.NoError(t, core.Rollback(reader))
	})

	t.Run("已结束的事务拒绝操作", func(t *testing.T) {
		err := core.Put(ctx, txn, 1, 3, []byte("x"))
		assert.ErrorIs(t, err, ErrTxnNotActive)
	})
}

func TestRollbackUndoesChanges(t *testing.T) {
	core := mustOpen(t, testCfg(t))
	defer core.Close()
	ctx := context.Background()

	// 已提交的基线
	seed, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, core.Put(ctx, seed, 1, 1, []byte("base")))
	require.NoError(t, core.Commit(seed))

	txn, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, core.Put(ctx, txn, 1, 1, []byte("changed")))
	require.NoError(t, core.Put(ctx, txn, 1, 50, []byte("fresh")))
	require.NoError(t, core.Delete(ctx, txn, 1, 1))
	require.NoError(t, core.Rollback(txn))

	reader, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	defer core.Rollback(reader)

	data, err := core.Get(ctx, reader, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("base"), data, "rollback should restore the committed value")

	_, err = core.Get(ctx, reader, 1, 50)
	assert.ErrorIs(t, err, ErrRowNotFound, "rollback should remove the inserted row")
}

func TestRepeatableReadSnapshot(t *testing.T) {
	core := mustOpen(t, testCfg(t))
	defer core.Close()
	ctx := context.Background()

	seed, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, core.Put(ctx, seed, 1, 5, []byte("before")))
	require.NoError(t, core.Commit(seed))

	// T2在T1提交前建立快照
	t2, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)

	t1, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, core.Put(ctx, t1, 1, 5, []byte("after")))
	require.NoError(t, core.Commit(t1))

	// T1已提交，T2的读仍然返回快照时的值
	data, err := core.Get(ctx, t2, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), data)

	// 重复读取结果不变
	data, err = core.Get(ctx, t2, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), data)
	require.NoError(t, core.Rollback(t2))

	t3, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	data, err = core.Get(ctx, t3, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), data)
	require.NoError(t, core.Rollback(t3))
}

func TestReadCommittedSeesNewCommits(t *testing.T) {
	core := mustOpen(t, testCfg(t))
	defer core.Close()
	ctx := context.Background()

	seed, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, core.Put(ctx, seed, 1, 9, []byte("v1")))
	require.NoError(t, core.Commit(seed))

	rc, err := core.Begin(basic.ReadCommitted)
	require.NoError(t, err)
	data, err := core.Get(ctx, rc, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	w, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, core.Put(ctx, w, 1, 9, []byte("v2")))
	require.NoError(t, core.Commit(w))

	// 读已提交的视图逐语句刷新
	data, err = core.Get(ctx, rc, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	require.NoError(t, core.Rollback(rc))
}

func TestSerializableCertification(t *testing.T) {
	core := mustOpen(t, testCfg(t))
	defer core.Close()
	ctx := context.Background()

	seed, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, core.Put(ctx, seed, 1, 1, []byte("a")))
	require.NoError(t, core.Commit(seed))

	t.Run("读过的行被并发提交修改则提交失败", func(t *testing.T) {
		t1, err := core.Begin(basic.Serializable)
		require.NoError(t, err)
		_, err = core.Get(ctx, t1, 1, 1)
		require.NoError(t, err)

		t2, err := core.Begin(basic.RepeatableRead)
		require.NoError(t, err)
		require.NoError(t, core.Put(ctx, t2, 1, 1, []byte("b")))
		require.NoError(t, core.Commit(t2))

		err = core.Commit(t1)
		assert.ErrorIs(t, err, mvcc.ErrSerializationFailure)
		assert.True(t, IsRetryable(err))
	})

	t.Run("无冲突时正常提交", func(t *testing.T) {
		t1, err := core.Begin(basic.Serializable)
		require.NoError(t, err)
		_, err = core.Get(ctx, t1, 1, 1)
		require.NoError(t, err)
		require.NoError(t, core.Put(ctx, t1, 1, 2, []byte("c")))
		assert.NoError(t, core.Commit(t1))
	})
}

func TestSerializableWriteSkewRejected(t *testing.T) {
	core := mustOpen(t, testCfg(t))
	defer core.Close()
	ctx := context.Background()

	reset := func() {
		txn, err := core.Begin(basic.RepeatableRead)
		require.NoError(t, err)
		require.NoError(t, core.Put(ctx, txn, 1, 1, []byte("on")))
		require.NoError(t, core.Put(ctx, txn, 1, 2, []byte("on")))
		require.NoError(t, core.Commit(txn))
	}
	reset()

	// T1读行1写行2，T2读行2写行1：写集合不相交，锁互不阻塞，
	// 并发提交时最多允许其中一个成功
	for i := 0; i < 50; i++ {
		t1, err := core.Begin(basic.Serializable)
		require.NoError(t, err)
		t2, err := core.Begin(basic.Serializable)
		require.NoError(t, err)

		_, err = core.Get(ctx, t1, 1, 1)
		require.NoError(t, err)
		require.NoError(t, core.Put(ctx, t1, 1, 2, []byte("off")))

		_, err = core.Get(ctx, t2, 1, 2)
		require.NoError(t, err)
		require.NoError(t, core.Put(ctx, t2, 1, 1, []byte("off")))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); errs[0] = core.Commit(t1) }()
		go func() { defer wg.Done(); errs[1] = core.Commit(t2) }()
		wg.Wait()

		require.False(t, errs[0] == nil && errs[1] == nil,
			"iteration %d: both transactions committed, write skew admitted", i)
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, mvcc.ErrSerializationFailure)
				assert.True(t, IsRetryable(err))
			}
		}
		reset()
	}
}

func TestWriteConflictTimesOut(t *testing.T) {
	cfg := testCfg(t)
	cfg.LockTimeout = 100 * time.Millisecond
	core := mustOpen(t, cfg)
	defer core.Close()
	ctx := context.Background()

	t1, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, core.Put(ctx, t1, 1, 1, []byte("x")))

	t2, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	err = core.Put(ctx, t2, 1, 1, []byte("y"))
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "lock timeout should be retryable, got %v", err)

	require.NoError(t, core.Rollback(t2))
	require.NoError(t, core.Commit(t1))
}

func TestScan(t *testing.T) {
	core := mustOpen(t, testCfg(t))
	defer core.Close()
	ctx := context.Background()

	txn, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	for _, rowID := range []basic.RowID{5, 1, 3} {
		require.NoError(t, core.Put(ctx, txn, 2, rowID, []byte(fmt.Sprintf("row%d", rowID))))
	}
	require.NoError(t, core.Commit(txn))

	// 旧快照先建立
	old, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)

	del, err := core.Begin(basic.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, core.Delete(ctx, del, 2, 3))
	require.NoError(t, core.Commit(del))

	t.Run("新快照看不到已删除的行", func(t *testing.T) {
		reader, err := core.Begin(basic.RepeatableRead)
		require.NoError(t, err)
		var got []basic.RowID
		require.NoError(t, core.Scan(ctx, reader, 2, func(rowID basic.RowID, data []byte) bool {
			got = append(got, rowID)
			return true
		}))
		assert.Equal(t, []basic.RowID{1, 5}, got)
		require.NoError(t, core.Rollback(reader))
	})

	t.Run("删除前的快照仍然看到该行", func(t *testing.T) {
		var got []basic.RowID
		require.NoError(t, core.Scan(ctx, old, 2, func(rowID basic.RowID, data []byte) bool {
			got = append(got, rowID)
			return true
		}))
		assert.Equal(t, []basic.RowID{1, 3, 5}, got)
		require.NoError(t, core.Rollback(old))
	})
}

func TestOutcomeClassification(t *testing.T) {
	assert.Equal(t, OutcomeOK, Classify(nil))
	assert.Equal(t, OutcomeRetry, Classify(mvcc.ErrSerializationFailure))
	assert.Equal(t, OutcomeError, Classify(ErrRowNotFound))
	assert.Equal(t, "committed", OutcomeOK.String())
	assert.Equal(t, "aborted-retry", OutcomeRetry.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
}
