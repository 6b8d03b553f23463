package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zhoumingliang/innostore/logger"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/lock"
	"github.com/zhoumingliang/innostore/storage/mvcc"
	"github.com/zhoumingliang/innostore/storage/wal"
)

// readKey 串行化隔离的读集合条目
type readKey struct {
	table uint64
	row   basic.RowID
}

// undoEntry 运行时回滚所需的撤销信息，按操作顺序记录。
// 恢复场景的撤销走日志里的前镜像，这里只服务在线回滚。
type undoEntry struct {
	lsn     basic.LSN
	tableID uint64
	rowID   basic.RowID
	before  []byte // 为空表示修改前槽位无行
}

// Transaction 事务控制体。单个事务不支持多goroutine并发操作。
type Transaction struct {
	id        basic.TrxID
	state     basic.TrxState
	isolation basic.IsolationLevel
	view      *mvcc.ReadView

	firstLSN basic.LSN
	lastLSN  basic.LSN

	undo    []undoEntry
	readSet map[readKey]struct{}

	startTime time.Time
}

// ID 事务ID
func (t *Transaction) ID() basic.TrxID { return t.id }

// State 事务状态
func (t *Transaction) State() basic.TrxState { return t.state }

// Isolation 事务隔离级别
func (t *Transaction) Isolation() basic.IsolationLevel { return t.isolation }

// TxnStats 事务统计信息
type TxnStats struct {
	Begins                uint64
	Commits               uint64
	Aborts                uint64
	SerializationFailures uint64
	ActiveTxns            uint64
}

// TransactionManager 事务管理器，存储核心的入口。
// 读写经由锁管理器(2PL)和版本存储(快照读)，所有修改先写日志
// 再落到缓冲池页面；提交点是提交日志记录刷盘完成的瞬间。
type TransactionManager struct {
	wal      *wal.Manager
	locks    *lock.LockManager
	versions *mvcc.VersionStore
	rows     *RowStore

	mu     sync.Mutex
	active map[basic.TrxID]*Transaction

	// certMu把串行化提交验证和提交者写集合登记做成原子段。
	// committing登记已过验证、版本尚未发布的提交者的写集合：
	// 这些修改对ModifiedSince还不可见，验证必须同时对照它们。
	certMu     sync.Mutex
	committing map[basic.TrxID]map[readKey]struct{}

	nextTrxID int64

	stats struct {
		begins    uint64
		commits   uint64
		aborts    uint64
		certFails uint64
	}

	closed int32
}

// NewTransactionManager 创建事务管理器
func NewTransactionManager(w *wal.Manager, locks *lock.LockManager,
	versions *mvcc.VersionStore, rows *RowStore) *TransactionManager {
	tm := &TransactionManager{
		wal:        w,
		locks:      locks,
		versions:   versions,
		rows:       rows,
		active:     make(map[basic.TrxID]*Transaction),
		committing: make(map[basic.TrxID]map[readKey]struct{}),
	}
	versions.SetOldestSnapshotFunc(tm.OldestSnapshot)
	return tm
}

// SetNextTrxID 恢复流程结束后推进事务ID水位
func (tm *TransactionManager) SetNextTrxID(next basic.TrxID) {
	atomic.StoreInt64(&tm.nextTrxID, int64(next)-1)
}

// Begin 开启事务，写入Begin日志并建立快照
func (tm *TransactionManager) Begin(isolation basic.IsolationLevel) (*Transaction, error) {
	if atomic.LoadInt32(&tm.closed) == 1 {
		return nil, ErrCoreClosed
	}

	id := basic.TrxID(atomic.AddInt64(&tm.nextTrxID, 1))
	lsn, err := tm.wal.Append(&wal.LogRecord{
		TrxID: id,
		Type:  wal.LOG_RECORD_BEGIN,
	})
	if err != nil {
		return nil, err
	}

	txn := &Transaction{
		id:        id,
		state:     basic.TRX_STATE_ACTIVE,
		isolation: isolation,
		view:      mvcc.NewReadView(id, tm.wal.AppendedLSN(), isolation),
		firstLSN:  lsn,
		lastLSN:   lsn,
		startTime: time.Now(),
	}
	if isolation == basic.Serializable {
		txn.readSet = make(map[readKey]struct{})
	}

	tm.mu.Lock()
	tm.active[id] = txn
	tm.mu.Unlock()
	atomic.AddUint64(&tm.stats.begins, 1)

	logger.Debugf("trx %d begin, isolation=%s snapshot_lsn=%d", id, isolation, txn.view.SnapshotLSN())
	return txn, nil
}

// viewFor 取事务当前语句的读视图。
// 可重复读及以上快照固定在事务开始；读已提交每次读取刷新。
func (tm *TransactionManager) viewFor(txn *Transaction) *mvcc.ReadView {
	switch txn.isolation {
	case basic.ReadCommitted, basic.ReadUncommitted:
		return mvcc.NewReadView(txn.id, tm.wal.AppendedLSN(), txn.isolation)
	default:
		return txn.view
	}
}

// Get 读取行的可见版本
func (tm *TransactionManager) Get(ctx context.Context, txn *Transaction, tableID uint64, rowID basic.RowID) ([]byte, error) {
	if txn.state != basic.TRX_STATE_ACTIVE {
		return nil, errors.Wrapf(ErrTxnNotActive, "trx %d state %s", txn.id, txn.state)
	}

	// 串行化隔离的读不加共享锁，记入读集合，提交时统一验证
	if txn.isolation == basic.Serializable {
		txn.readSet[readKey{table: tableID, row: rowID}] = struct{}{}
	}

	view := tm.viewFor(txn)
	data, err := tm.versions.Read(tableID, rowID, view)
	if err == nil {
		return data, nil
	}
	if !matches(err, mvcc.ErrKeyNotFound) {
		return nil, err
	}

	// 有版本链但无可见版本：行对本快照不存在，页面上的数据不可信
	if tm.versions.Has(tableID, rowID) {
		return nil, errors.Wrapf(ErrRowNotFound, "row %d/%d", tableID, rowID)
	}

	// 本次运行未被修改过的行只存在于页面上，即全局已提交的基线
	pageData, exists, err := tm.rows.ReadRow(tableID, rowID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(ErrRowNotFound, "row %d/%d", tableID, rowID)
	}
	return pageData, nil
}

// seedBase 首次修改某行前，把页面上的已提交数据装入版本链作为基线，
// 旧快照据此继续读到修改前的值
func (tm *TransactionManager) seedBase(tableID uint64, rowID basic.RowID) error {
	if tm.versions.Has(tableID, rowID) {
		return nil
	}
	data, exists, err := tm.rows.ReadRow(tableID, rowID)
	if err != nil {
		return err
	}
	if exists {
		tm.versions.SeedBase(tableID, rowID, data)
	}
	return nil
}

// Put 写入或更新一行
func (tm *TransactionManager) Put(ctx context.Context, txn *Transaction, tableID uint64, rowID basic.RowID, value []byte) error {
	if txn.state != basic.TRX_STATE_ACTIVE {
		return errors.Wrapf(ErrTxnNotActive, "trx %d state %s", txn.id, txn.state)
	}
	if len(value) > tm.rows.MaxRowSize() {
		return errors.Wrapf(ErrRowTooLarge, "%d bytes", len(value))
	}

	if err := tm.locks.AcquireRow(ctx, txn.id, tableID, rowID, lock.LOCK_X); err != nil {
		return err
	}
	if err := tm.seedBase(tableID, rowID); err != nil {
		return err
	}

	before, _, err := tm.rows.ReadRow(tableID, rowID)
	if err != nil {
		return err
	}
	if err := tm.versions.Write(txn.id, tableID, rowID, value); err != nil {
		return err
	}

	pageID, _ := tm.rows.Locate(tableID, rowID)
	lsn, err := tm.wal.Append(&wal.LogRecord{
		PrevLSN: txn.lastLSN,
		TrxID:   txn.id,
		Type:    wal.LOG_RECORD_UPDATE,
		PageID:  pageID,
		RowID:   rowID,
		Payload: wal.EncodeUpdatePayload(before, value),
	})
	if err != nil {
		return err
	}
	if err := tm.rows.WriteRow(lsn, tableID, rowID, value); err != nil {
		return err
	}

	txn.undo = append(txn.undo, undoEntry{lsn: lsn, tableID: tableID, rowID: rowID, before: before})
	txn.lastLSN = lsn
	return nil
}

// Delete 删除一行
func (tm *TransactionManager) Delete(ctx context.Context, txn *Transaction, tableID uint64, rowID basic.RowID) error {
	if txn.state != basic.TRX_STATE_ACTIVE {
		return errors.Wrapf(ErrTxnNotActive, "trx %d state %s", txn.id, txn.state)
	}

	if err := tm.locks.AcquireRow(ctx, txn.id, tableID, rowID, lock.LOCK_X); err != nil {
		return err
	}
	if err := tm.seedBase(tableID, rowID); err != nil {
		return err
	}

	before, exists, err := tm.rows.ReadRow(tableID, rowID)
	if err != nil {
		return err
	}
	if !exists && !tm.versions.Has(tableID, rowID) {
		return errors.Wrapf(ErrRowNotFound, "row %d/%d", tableID, rowID)
	}
	if err := tm.versions.Delete(txn.id, tableID, rowID, tm.viewFor(txn)); err != nil {
		if matches(err, mvcc.ErrKeyNotFound) {
			return errors.Wrapf(ErrRowNotFound, "row %d/%d", tableID, rowID)
		}
		return err
	}

	pageID, _ := tm.rows.Locate(tableID, rowID)
	lsn, err := tm.wal.Append(&wal.LogRecord{
		PrevLSN: txn.lastLSN,
		TrxID:   txn.id,
		Type:    wal.LOG_RECORD_UPDATE,
		PageID:  pageID,
		RowID:   rowID,
		Payload: wal.EncodeUpdatePayload(before, nil),
	})
	if err != nil {
		return err
	}
	if err := tm.rows.DeleteRow(lsn, tableID, rowID); err != nil {
		return err
	}

	txn.undo = append(txn.undo, undoEntry{lsn: lsn, tableID: tableID, rowID: rowID, before: before})
	txn.lastLSN = lsn
	return nil
}

// Scan 按行序遍历表中对事务可见的行。
// 行ID集合取页面与版本链的并集：老快照可能还能看到页面上已清除的行。
func (tm *TransactionManager) Scan(ctx context.Context, txn *Transaction, tableID uint64,
	fn func(rowID basic.RowID, data []byte) bool) error {
	if txn.state != basic.TRX_STATE_ACTIVE {
		return errors.Wrapf(ErrTxnNotActive, "trx %d state %s", txn.id, txn.state)
	}

	seen := make(map[basic.RowID]struct{})
	if err := tm.rows.ScanRowIDs(tableID, func(rowID basic.RowID) bool {
		seen[rowID] = struct{}{}
		return true
	}); err != nil {
		return err
	}
	for _, rowID := range tm.versions.TableRows(tableID) {
		seen[rowID] = struct{}{}
	}

	ids := make([]basic.RowID, 0, len(seen))
	for rowID := range seen {
		ids = append(ids, rowID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, rowID := range ids {
		data, err := tm.Get(ctx, txn, tableID, rowID)
		if err != nil {
			if matches(err, ErrRowNotFound) {
				continue
			}
			return err
		}
		if !fn(rowID, data) {
			return nil
		}
	}
	return nil
}

// Commit 提交事务。
// 提交日志记录刷盘成功后才发布版本并释放锁；刷盘失败是致命错误。
func (tm *TransactionManager) Commit(txn *Transaction) error {
	if txn.state != basic.TRX_STATE_ACTIVE {
		return errors.Wrapf(ErrTxnNotActive, "trx %d state %s", txn.id, txn.state)
	}
	txn.state = basic.TRX_STATE_COMMITTING

	writeSet := make(map[readKey]struct{}, len(txn.undo))
	for _, e := range txn.undo {
		writeSet[readKey{table: e.tableID, row: e.rowID}] = struct{}{}
	}

	// 串行化：提交验证。读过的行若被快照之后的提交改过，
	// 或正被某个尚未发布完成的并发提交者写入，都必须重试。
	// 验证通过和写集合登记在certMu下原子完成，两个读写集合
	// 交叉的并发提交者不可能都通过验证。
	tm.certMu.Lock()
	if txn.isolation == basic.Serializable {
		if conflict, ok := tm.certifyLocked(txn); !ok {
			tm.certMu.Unlock()
			atomic.AddUint64(&tm.stats.certFails, 1)
			txn.state = basic.TRX_STATE_ACTIVE
			if err := tm.Rollback(txn); err != nil {
				return err
			}
			return errors.Wrapf(mvcc.ErrSerializationFailure, "trx %d read row %d/%d", txn.id, conflict.table, conflict.row)
		}
	}
	if len(writeSet) > 0 {
		tm.committing[txn.id] = writeSet
	}
	tm.certMu.Unlock()

	unregisterCommitting := func() {
		if len(writeSet) == 0 {
			return
		}
		tm.certMu.Lock()
		delete(tm.committing, txn.id)
		tm.certMu.Unlock()
	}

	commitLSN, err := tm.wal.Append(&wal.LogRecord{
		PrevLSN: txn.lastLSN,
		TrxID:   txn.id,
		Type:    wal.LOG_RECORD_COMMIT,
	})
	if err != nil {
		unregisterCommitting()
		txn.state = basic.TRX_STATE_ACTIVE
		return err
	}
	if err := tm.wal.Flush(commitLSN); err != nil {
		// 持久性失守，不能宣告提交也无法安全回滚
		logger.Errorf("trx %d commit flush failed: %v", txn.id, err)
		unregisterCommitting()
		return err
	}

	tm.versions.PublishCommit(txn.id, commitLSN)
	unregisterCommitting()
	txn.state = basic.TRX_STATE_COMMITTED
	tm.locks.ReleaseAll(txn.id)
	tm.unregister(txn)
	atomic.AddUint64(&tm.stats.commits, 1)

	logger.Debugf("trx %d committed at lsn=%d (%d writes, %v)",
		txn.id, commitLSN, len(txn.undo), time.Since(txn.startTime))
	return nil
}

// certifyLocked 验证串行化事务的读集合。调用方持有certMu。
// 读过的行被快照之后的已发布提交改过，或落在某个在途提交者的
// 写集合里，都算验证失败。
func (tm *TransactionManager) certifyLocked(txn *Transaction) (readKey, bool) {
	for k := range txn.readSet {
		if tm.versions.ModifiedSince(k.table, k.row, txn.view.SnapshotLSN()) {
			return k, false
		}
		for other, ws := range tm.committing {
			if other == txn.id {
				continue
			}
			if _, ok := ws[k]; ok {
				return k, false
			}
		}
	}
	return readKey{}, true
}

// Rollback 回滚事务：逆序撤销修改，每步写补偿日志
func (tm *TransactionManager) Rollback(txn *Transaction) error {
	if txn.state != basic.TRX_STATE_ACTIVE {
		return errors.Wrapf(ErrTxnNotActive, "trx %d state %s", txn.id, txn.state)
	}
	txn.state = basic.TRX_STATE_ABORTING

	for i := len(txn.undo) - 1; i >= 0; i-- {
		e := txn.undo[i]
		undoNext := txn.firstLSN
		if i > 0 {
			undoNext = txn.undo[i-1].lsn
		}
		pageID, _ := tm.rows.Locate(e.tableID, e.rowID)
		clr, err := tm.wal.Append(&wal.LogRecord{
			PrevLSN: txn.lastLSN,
			TrxID:   txn.id,
			Type:    wal.LOG_RECORD_COMPENSATE,
			PageID:  pageID,
			RowID:   e.rowID,
			Payload: wal.EncodeCompensatePayload(undoNext, e.before),
		})
		if err != nil {
			return err
		}
		txn.lastLSN = clr

		if len(e.before) == 0 {
			err = tm.rows.DeleteRow(clr, e.tableID, e.rowID)
		} else {
			err = tm.rows.WriteRow(clr, e.tableID, e.rowID, e.before)
		}
		if err != nil {
			return err
		}
	}

	tm.versions.DiscardAbort(txn.id)

	if _, err := tm.wal.Append(&wal.LogRecord{
		PrevLSN: txn.lastLSN,
		TrxID:   txn.id,
		Type:    wal.LOG_RECORD_ABORT,
	}); err != nil {
		return err
	}

	txn.state = basic.TRX_STATE_ABORTED
	tm.locks.ReleaseAll(txn.id)
	tm.unregister(txn)
	atomic.AddUint64(&tm.stats.aborts, 1)

	logger.Debugf("trx %d rolled back (%d undos)", txn.id, len(txn.undo))
	return nil
}

func (tm *TransactionManager) unregister(txn *Transaction) {
	tm.mu.Lock()
	delete(tm.active, txn.id)
	tm.mu.Unlock()
}

// OldestSnapshot 所有活跃事务中最老的快照LSN，版本回收以此为界。
// 没有活跃事务时返回当前日志水位。
func (tm *TransactionManager) OldestSnapshot() basic.LSN {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	oldest := tm.wal.AppendedLSN()
	for _, txn := range tm.active {
		if s := txn.view.SnapshotLSN(); s < oldest {
			oldest = s
		}
	}
	return oldest
}

// ActiveTxnTable 检查点用的活跃事务表
func (tm *TransactionManager) ActiveTxnTable() []wal.ActiveTxnEntry {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := make([]wal.ActiveTxnEntry, 0, len(tm.active))
	for _, txn := range tm.active {
		out = append(out, wal.ActiveTxnEntry{
			TrxID:    txn.id,
			FirstLSN: txn.firstLSN,
			LastLSN:  txn.lastLSN,
		})
	}
	return out
}

// ActiveCount 当前活跃事务数
func (tm *TransactionManager) ActiveCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.active)
}

// GetStats 事务统计
func (tm *TransactionManager) GetStats() TxnStats {
	tm.mu.Lock()
	activeCount := uint64(len(tm.active))
	tm.mu.Unlock()
	return TxnStats{
		Begins:                atomic.LoadUint64(&tm.stats.begins),
		Commits:               atomic.LoadUint64(&tm.stats.commits),
		Aborts:                atomic.LoadUint64(&tm.stats.aborts),
		SerializationFailures: atomic.LoadUint64(&tm.stats.certFails),
		ActiveTxns:            activeCount,
	}
}

// Close 关闭事务管理器，回滚所有仍然活跃的事务
func (tm *TransactionManager) Close() error {
	if !atomic.CompareAndSwapInt32(&tm.closed, 0, 1) {
		return nil
	}

	tm.mu.Lock()
	remaining := make([]*Transaction, 0, len(tm.active))
	for _, txn := range tm.active {
		remaining = append(remaining, txn)
	}
	tm.mu.Unlock()

	for _, txn := range remaining {
		if txn.state == basic.TRX_STATE_ACTIVE {
			if err := tm.Rollback(txn); err != nil {
				logger.Warnf("rollback trx %d on close: %v", txn.id, err)
			}
		}
	}
	return nil
}
