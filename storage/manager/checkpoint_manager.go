package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhoumingliang/innostore/logger"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/buffer_pool"
	"github.com/zhoumingliang/innostore/storage/wal"
)

// CheckpointManager 模糊检查点。
// 不停写、不清空缓冲池，只把活跃事务表和脏页表写进日志，
// 恢复从检查点而不是日志头开始分析。检查点后回收不再需要的日志前缀。
type CheckpointManager struct {
	wal  *wal.Manager
	pool *buffer_pool.BufferPool
	txns *TransactionManager

	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   int32

	stats struct {
		checkpoints uint64
		lastLSN     uint64
	}
}

// NewCheckpointManager 创建检查点管理器并启动后台循环
func NewCheckpointManager(w *wal.Manager, pool *buffer_pool.BufferPool,
	txns *TransactionManager, interval time.Duration) *CheckpointManager {
	cm := &CheckpointManager{
		wal:      w,
		pool:     pool,
		txns:     txns,
		interval: interval,
		stopChan: make(chan struct{}),
	}
	if interval > 0 {
		cm.wg.Add(1)
		go cm.run()
	}
	return cm
}

// Checkpoint 立即执行一次模糊检查点
func (cm *CheckpointManager) Checkpoint() (basic.LSN, error) {
	att := cm.txns.ActiveTxnTable()
	dptMap := cm.pool.DirtyPageTable()

	data := &wal.CheckpointData{ActiveTxns: att}
	for key, recLSN := range dptMap {
		data.DirtyPages = append(data.DirtyPages, wal.DirtyPageEntry{PageKey: key, RecLSN: recLSN})
	}

	lsn, err := cm.wal.Checkpoint(data)
	if err != nil {
		return 0, err
	}
	atomic.AddUint64(&cm.stats.checkpoints, 1)
	atomic.StoreUint64(&cm.stats.lastLSN, uint64(lsn))

	// 检查点之前且早于最老活跃事务首记录/最老脏页recLSN的日志可以回收
	reclaim := lsn
	for _, e := range att {
		if e.FirstLSN < reclaim {
			reclaim = e.FirstLSN
		}
	}
	for _, e := range data.DirtyPages {
		if e.RecLSN < reclaim {
			reclaim = e.RecLSN
		}
	}
	if reclaim > 1 {
		if err := cm.wal.Reclaim(reclaim); err != nil {
			logger.Warnf("wal reclaim after checkpoint: %v", err)
		}
	}
	return lsn, nil
}

// Checkpoints 已完成的检查点数
func (cm *CheckpointManager) Checkpoints() uint64 {
	return atomic.LoadUint64(&cm.stats.checkpoints)
}

// LastCheckpointLSN 最近一次检查点的LSN
func (cm *CheckpointManager) LastCheckpointLSN() basic.LSN {
	return basic.LSN(atomic.LoadUint64(&cm.stats.lastLSN))
}

func (cm *CheckpointManager) run() {
	defer cm.wg.Done()
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := cm.Checkpoint(); err != nil {
				logger.Errorf("background checkpoint: %v", err)
			}
		case <-cm.stopChan:
			return
		}
	}
}

// Stop 停止后台检查点循环
func (cm *CheckpointManager) Stop() {
	if !atomic.CompareAndSwapInt32(&cm.closed, 0, 1) {
		return
	}
	close(cm.stopChan)
	cm.wg.Wait()
}
