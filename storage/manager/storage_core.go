package manager

import (
	"context"
	"sync/atomic"

	"github.com/zhoumingliang/innostore/conf"
	"github.com/zhoumingliang/innostore/logger"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/blocks"
	"github.com/zhoumingliang/innostore/storage/buffer_pool"
	"github.com/zhoumingliang/innostore/storage/lock"
	"github.com/zhoumingliang/innostore/storage/mvcc"
	"github.com/zhoumingliang/innostore/storage/wal"
)

// CoreStats 各组件统计汇总
type CoreStats struct {
	Txn        TxnStats
	Lock       lock.LockStats
	MVCC       mvcc.MVCCStats
	Log        wal.LogStats
	BufferPool map[string]interface{}
}

// StorageCore 事务存储核心，显式持有全部组件：
// 页面存储、缓冲池、重做日志、锁管理器、版本存储、事务管理器。
// 打开时先跑崩溃恢复，恢复完成前不接受事务。
type StorageCore struct {
	cfg *conf.Cfg

	store    *blocks.FileStore
	pool     *buffer_pool.BufferPool
	wal      *wal.Manager
	locks    *lock.LockManager
	versions *mvcc.VersionStore
	rows     *RowStore
	txns     *TransactionManager
	ckpt     *CheckpointManager

	recovery *RecoveryStats
	closed   int32
}

// Open 打开存储核心。组件按依赖次序装配，随后执行恢复。
func Open(cfg *conf.Cfg) (*StorageCore, error) {
	if cfg == nil {
		cfg = conf.NewDefaultCfg()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	store := blocks.NewFileStore(cfg.ResolvedDataDir(), uint32(cfg.PageSize))

	poolPages := uint32(cfg.BufferPoolSize / cfg.PageSize)
	pool, err := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		PoolPages:       poolPages,
		ShardCount:      uint32(cfg.BufferPoolShards),
		EvictionPolicy:  cfg.EvictionPolicy,
		FlushInterval:   cfg.FlushInterval,
		StorageProvider: store,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	w, err := wal.Open(&wal.LogConfig{
		LogDir:        cfg.ResolvedRedoDir(),
		Compression:   cfg.LogCompression,
		FlushInterval: cfg.FlushInterval,
	})
	if err != nil {
		pool.Close()
		store.Close()
		return nil, err
	}
	pool.SetLogFlusher(w)

	rows := NewRowStore(pool, store, cfg.RowSlotSize)

	recovery, err := NewRecoveryManager(w, pool, rows).Recover()
	if err != nil {
		w.Close()
		pool.Close()
		store.Close()
		return nil, err
	}

	locks := lock.NewLockManager(lock.LockConfig{
		LockTimeout:         cfg.LockTimeout,
		DeadlockInterval:    cfg.DeadlockInterval,
		EscalationThreshold: cfg.LockEscalationThreshold,
	})
	versions := mvcc.NewVersionStore(mvcc.MVCCConfig{GCInterval: cfg.MVCCGCInterval})

	txns := NewTransactionManager(w, locks, versions, rows)
	txns.SetNextTrxID(recovery.NextTrxID)

	core := &StorageCore{
		cfg:      cfg,
		store:    store,
		pool:     pool,
		wal:      w,
		locks:    locks,
		versions: versions,
		rows:     rows,
		txns:     txns,
		ckpt:     NewCheckpointManager(w, pool, txns, cfg.CheckpointInterval),
		recovery: recovery,
	}
	logger.Infof("storage core open: data_dir=%s pool_pages=%d next_trx=%d",
		cfg.ResolvedDataDir(), poolPages, recovery.NextTrxID)
	return core, nil
}

// Begin 开启事务
func (sc *StorageCore) Begin(isolation basic.IsolationLevel) (*Transaction, error) {
	if atomic.LoadInt32(&sc.closed) == 1 {
		return nil, ErrCoreClosed
	}
	return sc.txns.Begin(isolation)
}

// Get 读取一行
func (sc *StorageCore) Get(ctx context.Context, txn *Transaction, tableID uint64, rowID basic.RowID) ([]byte, error) {
	return sc.txns.Get(ctx, txn, tableID, rowID)
}

// Put 写入一行
func (sc *StorageCore) Put(ctx context.Context, txn *Transaction, tableID uint64, rowID basic.RowID, value []byte) error {
	return sc.txns.Put(ctx, txn, tableID, rowID, value)
}

// Delete 删除一行
func (sc *StorageCore) Delete(ctx context.Context, txn *Transaction, tableID uint64, rowID basic.RowID) error {
	return sc.txns.Delete(ctx, txn, tableID, rowID)
}

// Scan 按行序遍历表
func (sc *StorageCore) Scan(ctx context.Context, txn *Transaction, tableID uint64,
	fn func(rowID basic.RowID, data []byte) bool) error {
	return sc.txns.Scan(ctx, txn, tableID, fn)
}

// Commit 提交事务
func (sc *StorageCore) Commit(txn *Transaction) error {
	return sc.txns.Commit(txn)
}

// Rollback 回滚事务
func (sc *StorageCore) Rollback(txn *Transaction) error {
	return sc.txns.Rollback(txn)
}

// Checkpoint 立即执行一次检查点
func (sc *StorageCore) Checkpoint() (basic.LSN, error) {
	return sc.ckpt.Checkpoint()
}

// RecoveryStats 本次启动的恢复统计
func (sc *StorageCore) RecoveryStats() *RecoveryStats {
	return sc.recovery
}

// Stats 组件统计汇总
func (sc *StorageCore) Stats() CoreStats {
	return CoreStats{
		Txn:        sc.txns.GetStats(),
		Lock:       sc.locks.GetStats(),
		MVCC:       sc.versions.GetStats(),
		Log:        sc.wal.GetStats(),
		BufferPool: sc.pool.GetStats(),
	}
}

// Close 关闭存储核心：回滚活跃事务、落一次检查点、逆序关闭组件
func (sc *StorageCore) Close() error {
	if !atomic.CompareAndSwapInt32(&sc.closed, 0, 1) {
		return nil
	}

	sc.ckpt.Stop()
	if err := sc.txns.Close(); err != nil {
		logger.Warnf("close transaction manager: %v", err)
	}
	if _, err := sc.ckpt.Checkpoint(); err != nil {
		logger.Warnf("final checkpoint: %v", err)
	}
	sc.versions.Close()
	sc.locks.Close()

	var firstErr error
	if err := sc.pool.Close(); err != nil {
		firstErr = err
	}
	if err := sc.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := sc.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	logger.Infof("storage core closed")
	return firstErr
}
