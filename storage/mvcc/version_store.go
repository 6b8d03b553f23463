package mvcc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zhoumingliang/innostore/logger"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/util"
)

const DEFAULT_MVCC_SHARDS = 16

// chainShard 版本链分片，独立加锁
type chainShard struct {
	mu     sync.RWMutex
	chains map[rowKey]*versionChain
}

// VersionStore 多版本存储。
// 版本链按行哈希分片；每个事务的未决修改单独登记，
// 提交时盖上提交时间戳发布，回滚时从链上摘除。
type VersionStore struct {
	shards []*chainShard
	index  *rowIndex

	pendingMu sync.Mutex
	pending   map[basic.TrxID]map[rowKey]struct{}

	// 返回所有活跃事务中最老的快照LSN，回收以此为界。
	// 注入可能发生在后台回收启动之后，读写都要经过snapMu。
	snapMu         sync.RWMutex
	oldestSnapshot func() basic.LSN

	stats struct {
		chains    uint64
		versions  uint64
		reads     uint64
		writes    uint64
		deletes   uint64
		reclaimed uint64
		gcRuns    uint64
	}

	gcInterval time.Duration
	stopChan   chan struct{}
	wg         sync.WaitGroup
	closed     int32
}

// NewVersionStore 创建版本存储并启动后台回收
func NewVersionStore(config MVCCConfig) *VersionStore {
	if config.ShardCount == 0 {
		config.ShardCount = DEFAULT_MVCC_SHARDS
	}
	vs := &VersionStore{
		shards:     make([]*chainShard, config.ShardCount),
		index:      newRowIndex(),
		pending:    make(map[basic.TrxID]map[rowKey]struct{}),
		gcInterval: config.GCInterval,
		stopChan:   make(chan struct{}),
	}
	for i := range vs.shards {
		vs.shards[i] = &chainShard{chains: make(map[rowKey]*versionChain)}
	}
	if vs.gcInterval > 0 {
		vs.wg.Add(1)
		go vs.backgroundGC()
	}
	return vs
}

// SetOldestSnapshotFunc 注入活跃事务最老快照的查询函数
func (vs *VersionStore) SetOldestSnapshotFunc(f func() basic.LSN) {
	vs.snapMu.Lock()
	vs.oldestSnapshot = f
	vs.snapMu.Unlock()
}

func (vs *VersionStore) shard(k rowKey) *chainShard {
	h := util.HashUint64(k.table*0x9E3779B97F4A7C15 ^ uint64(k.row))
	return vs.shards[h%uint64(len(vs.shards))]
}

// Read 按视图读取行的可见版本
func (vs *VersionStore) Read(tableID uint64, rowID basic.RowID, view *ReadView) ([]byte, error) {
	atomic.AddUint64(&vs.stats.reads, 1)
	k := rowKey{table: tableID, row: rowID}
	s := vs.shard(k)

	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.chains[k]
	if c == nil {
		return nil, ErrKeyNotFound
	}
	for v := c.head; v != nil; v = v.Next {
		if view.Visible(v) {
			out := make([]byte, len(v.Data))
			copy(out, v.Data)
			return out, nil
		}
	}
	return nil, ErrKeyNotFound
}

// Write 为事务创建未决版本。同一事务重复写同一行时覆盖未决版本。
func (vs *VersionStore) Write(trxID basic.TrxID, tableID uint64, rowID basic.RowID, value []byte) error {
	if atomic.LoadInt32(&vs.closed) == 1 {
		return ErrStoreClosed
	}
	atomic.AddUint64(&vs.stats.writes, 1)
	k := rowKey{table: tableID, row: rowID}
	s := vs.shard(k)

	data := make([]byte, len(value))
	copy(data, value)

	s.mu.Lock()
	c := s.chains[k]
	if c == nil {
		c = &versionChain{key: k}
		s.chains[k] = c
		atomic.AddUint64(&vs.stats.chains, 1)
		vs.index.insert(k)
	}
	if c.head != nil && c.head.CommitTS == 0 {
		if c.head.CreatorTrx != trxID {
			s.mu.Unlock()
			return errors.Wrapf(ErrWriteConflict, "row %d/%d pending by trx %d",
				tableID, rowID, c.head.CreatorTrx)
		}
		c.head.Data = data
		c.head.DeleterTrx = 0
		c.head.DeleteTS = 0
		s.mu.Unlock()
		return nil
	}
	if c.head != nil && c.head.DeleterTrx != 0 && c.head.DeleteTS == 0 && c.head.DeleterTrx != trxID {
		s.mu.Unlock()
		return errors.Wrapf(ErrWriteConflict, "row %d/%d pending delete by trx %d",
			tableID, rowID, c.head.DeleterTrx)
	}
	c.head = &Version{Data: data, CreatorTrx: trxID, Next: c.head}
	atomic.AddUint64(&vs.stats.versions, 1)
	s.mu.Unlock()

	vs.trackPending(trxID, k)
	return nil
}

// Delete 为事务标记未决删除
func (vs *VersionStore) Delete(trxID basic.TrxID, tableID uint64, rowID basic.RowID, view *ReadView) error {
	if atomic.LoadInt32(&vs.closed) == 1 {
		return ErrStoreClosed
	}
	atomic.AddUint64(&vs.stats.deletes, 1)
	k := rowKey{table: tableID, row: rowID}
	s := vs.shard(k)

	s.mu.Lock()
	c := s.chains[k]
	if c == nil {
		s.mu.Unlock()
		return ErrKeyNotFound
	}
	var target *Version
	for v := c.head; v != nil; v = v.Next {
		if view.Visible(v) {
			target = v
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return ErrKeyNotFound
	}
	if target.DeleterTrx != 0 && target.DeleterTrx != trxID {
		s.mu.Unlock()
		return errors.Wrapf(ErrWriteConflict, "row %d/%d pending delete by trx %d",
			tableID, rowID, target.DeleterTrx)
	}
	target.DeleterTrx = trxID
	target.DeleteTS = 0
	s.mu.Unlock()

	vs.trackPending(trxID, k)
	return nil
}

// SeedBase 安装基线版本。恢复后首次修改某行前，
// 先把页面里的已提交数据作为链尾基线，保证旧快照仍可见。
func (vs *VersionStore) SeedBase(tableID uint64, rowID basic.RowID, data []byte) {
	k := rowKey{table: tableID, row: rowID}
	s := vs.shard(k)

	base := make([]byte, len(data))
	copy(base, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[k]; ok {
		return
	}
	s.chains[k] = &versionChain{
		key:  k,
		head: &Version{Data: base, CommitTS: BaseCommitTS},
	}
	atomic.AddUint64(&vs.stats.chains, 1)
	atomic.AddUint64(&vs.stats.versions, 1)
	vs.index.insert(k)
}

// Has 行是否存在版本链
func (vs *VersionStore) Has(tableID uint64, rowID basic.RowID) bool {
	k := rowKey{table: tableID, row: rowID}
	s := vs.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chains[k]
	return ok
}

func (vs *VersionStore) trackPending(trxID basic.TrxID, k rowKey) {
	vs.pendingMu.Lock()
	set := vs.pending[trxID]
	if set == nil {
		set = make(map[rowKey]struct{})
		vs.pending[trxID] = set
	}
	set[k] = struct{}{}
	vs.pendingMu.Unlock()
}

func (vs *VersionStore) takePending(trxID basic.TrxID) map[rowKey]struct{} {
	vs.pendingMu.Lock()
	set := vs.pending[trxID]
	delete(vs.pending, trxID)
	vs.pendingMu.Unlock()
	return set
}

// PublishCommit 提交发布：为事务的未决版本和删除盖上提交时间戳。
// commitTS取提交日志记录的LSN。
func (vs *VersionStore) PublishCommit(trxID basic.TrxID, commitTS basic.LSN) {
	for k := range vs.takePending(trxID) {
		s := vs.shard(k)
		s.mu.Lock()
		if c := s.chains[k]; c != nil {
			for v := c.head; v != nil; v = v.Next {
				if v.CreatorTrx == trxID && v.CommitTS == 0 {
					v.CommitTS = commitTS
				}
				if v.DeleterTrx == trxID && v.DeleteTS == 0 {
					v.DeleteTS = commitTS
				}
			}
		}
		s.mu.Unlock()
	}
}

// DiscardAbort 回滚丢弃：摘除事务的未决版本，清除未决删除标记
func (vs *VersionStore) DiscardAbort(trxID basic.TrxID) {
	for k := range vs.takePending(trxID) {
		s := vs.shard(k)
		s.mu.Lock()
		c := s.chains[k]
		if c == nil {
			s.mu.Unlock()
			continue
		}
		for c.head != nil && c.head.CreatorTrx == trxID && c.head.CommitTS == 0 {
			c.head = c.head.Next
			atomic.AddUint64(&vs.stats.versions, ^uint64(0))
		}
		for v := c.head; v != nil; v = v.Next {
			if v.DeleterTrx == trxID && v.DeleteTS == 0 {
				v.DeleterTrx = 0
			}
		}
		if c.head == nil {
			delete(s.chains, k)
			atomic.AddUint64(&vs.stats.chains, ^uint64(0))
			vs.index.remove(k)
		}
		s.mu.Unlock()
	}
}

// ModifiedSince 行是否有提交时间戳晚于since的已提交版本或删除。
// 串行化隔离的提交验证使用。
func (vs *VersionStore) ModifiedSince(tableID uint64, rowID basic.RowID, since basic.LSN) bool {
	k := rowKey{table: tableID, row: rowID}
	s := vs.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.chains[k]
	if c == nil {
		return false
	}
	for v := c.head; v != nil; v = v.Next {
		if v.CommitTS > since || v.DeleteTS > since {
			return true
		}
	}
	return false
}

// TableRows 表中存在版本链的所有行ID，按行序
func (vs *VersionStore) TableRows(tableID uint64) []basic.RowID {
	var out []basic.RowID
	vs.index.ascendTable(tableID, func(k rowKey) bool {
		out = append(out, k.row)
		return true
	})
	return out
}

// ScanTable 按行序遍历表中对视图可见的行
func (vs *VersionStore) ScanTable(tableID uint64, view *ReadView, fn func(rowID basic.RowID, data []byte) bool) {
	vs.index.ascendTable(tableID, func(k rowKey) bool {
		data, err := vs.Read(k.table, k.row, view)
		if err != nil {
			return true
		}
		return fn(k.row, data)
	})
}

// GC 回收所有活跃快照都不再能观察到的版本
func (vs *VersionStore) GC() int {
	vs.snapMu.RLock()
	f := vs.oldestSnapshot
	vs.snapMu.RUnlock()
	if f == nil {
		return 0
	}
	oldest := f()
	if oldest == 0 {
		return 0
	}
	atomic.AddUint64(&vs.stats.gcRuns, 1)

	reclaimed := 0
	for _, s := range vs.shards {
		s.mu.Lock()
		for k, c := range s.chains {
			n, empty := gcChain(c, oldest)
			reclaimed += n
			if n > 0 {
				atomic.AddUint64(&vs.stats.versions, ^uint64(n-1))
			}
			if empty {
				delete(s.chains, k)
				atomic.AddUint64(&vs.stats.chains, ^uint64(0))
				vs.index.remove(k)
			}
		}
		s.mu.Unlock()
	}
	if reclaimed > 0 {
		atomic.AddUint64(&vs.stats.reclaimed, uint64(reclaimed))
		logger.Debugf("mvcc gc reclaimed %d versions below lsn %d", reclaimed, oldest)
	}
	return reclaimed
}

// gcChain 回收单条链。
// 找到所有活跃快照都能看到的最新已提交版本作为保留边界，
// 其后的历史不再可达；若边界版本本身的删除对所有快照生效
// 且其为链头，整条链可以删除。
func gcChain(c *versionChain, oldest basic.LSN) (reclaimed int, empty bool) {
	var boundary *Version
	for v := c.head; v != nil; v = v.Next {
		if v.CommitTS > 0 && v.CommitTS <= oldest {
			boundary = v
			break
		}
	}
	if boundary == nil {
		return 0, false
	}

	if boundary == c.head && boundary.DeleteTS > 0 && boundary.DeleteTS <= oldest {
		n := 0
		for v := c.head; v != nil; v = v.Next {
			n++
		}
		c.head = nil
		return n, true
	}

	n := 0
	for v := boundary.Next; v != nil; v = v.Next {
		n++
	}
	boundary.Next = nil
	return n, false
}

// GetStats 版本存储统计
func (vs *VersionStore) GetStats() MVCCStats {
	return MVCCStats{
		Chains:            atomic.LoadUint64(&vs.stats.chains),
		Versions:          atomic.LoadUint64(&vs.stats.versions),
		Reads:             atomic.LoadUint64(&vs.stats.reads),
		Writes:            atomic.LoadUint64(&vs.stats.writes),
		Deletes:           atomic.LoadUint64(&vs.stats.deletes),
		VersionsReclaimed: atomic.LoadUint64(&vs.stats.reclaimed),
		GCRuns:            atomic.LoadUint64(&vs.stats.gcRuns),
	}
}

// backgroundGC 后台版本回收循环
func (vs *VersionStore) backgroundGC() {
	defer vs.wg.Done()
	ticker := time.NewTicker(vs.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			vs.GC()
		case <-vs.stopChan:
			return
		}
	}
}

// Close 关闭版本存储
func (vs *VersionStore) Close() {
	if !atomic.CompareAndSwapInt32(&vs.closed, 0, 1) {
		return
	}
	close(vs.stopChan)
	vs.wg.Wait()
}
