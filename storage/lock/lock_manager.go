package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/zhoumingliang/innostore/logger"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/util"
)

const lockShardCount = 16

// lockRequest 锁请求
type lockRequest struct {
	trxID    basic.TrxID
	mode     LockMode // 等待中的升级请求存放目标模式
	granted  bool     // 仅在分片锁内读写
	upgrade  bool
	waitChan chan error // 授予时发nil，作为牺牲者时发错误
	created  time.Time
}

// lockQueue 单个资源的锁队列：已授予集合+FIFO等待队列
type lockQueue struct {
	granted []*lockRequest
	waiting []*lockRequest
}

// lockShard 锁表分片，独立加锁
type lockShard struct {
	mu     sync.Mutex
	queues map[string]*lockQueue
}

// rowLockCount 单事务在单表上的行锁计数，用于触发锁升级
type rowLockCount struct {
	total     int
	exclusive int
}

// LockManager 锁管理器。
// 锁表按资源ID哈希分片；死锁检测在每次阻塞时同步执行一次，
// 并由后台任务周期性兜底；检测到环后按策略选择牺牲者使其失败。
type LockManager struct {
	shards [lockShardCount]*lockShard

	txnMu     sync.Mutex
	txnLocks  map[basic.TrxID]map[string]LockMode
	rowCounts map[basic.TrxID]map[uint64]*rowLockCount

	detectMu sync.Mutex // 串行化死锁检测

	historyMu sync.Mutex
	deadlocks []DeadlockInfo
	maxWait   time.Duration

	config LockConfig

	stats struct {
		granted     uint64
		waiting     uint64
		deadlocks   uint64
		timeouts    uint64
		escalations uint64
	}

	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   int32
}

// NewLockManager 创建锁管理器并启动后台死锁检测
func NewLockManager(config LockConfig) *LockManager {
	if config.DeadlockInterval <= 0 {
		config.DeadlockInterval = 200 * time.Millisecond
	}
	if config.VictimPolicy == "" {
		config.VictimPolicy = VICTIM_YOUNGEST
	}
	lm := &LockManager{
		txnLocks:  make(map[basic.TrxID]map[string]LockMode),
		rowCounts: make(map[basic.TrxID]map[uint64]*rowLockCount),
		config:    config,
		stopChan:  make(chan struct{}),
	}
	for i := range lm.shards {
		lm.shards[i] = &lockShard{queues: make(map[string]*lockQueue)}
	}
	lm.wg.Add(1)
	go lm.deadlockDetection()
	return lm
}

func (lm *LockManager) shard(resource string) *lockShard {
	return lm.shards[util.HashCode([]byte(resource))%lockShardCount]
}

// AcquireRow 获取行锁，先取表级意向锁
func (lm *LockManager) AcquireRow(ctx context.Context, trxID basic.TrxID, tableID uint64, rowID basic.RowID, mode LockMode) error {
	if err := lm.Acquire(ctx, trxID, makeTableResource(tableID), intentFor(mode)); err != nil {
		return err
	}
	// 升级后的表锁覆盖行锁，无需再加行锁
	if lm.heldMode(trxID, makeTableResource(tableID), mode) {
		return nil
	}
	if err := lm.Acquire(ctx, trxID, makeRowResource(tableID, rowID), mode); err != nil {
		return err
	}
	lm.maybeEscalate(ctx, trxID, tableID, mode)
	return nil
}

// AcquireTable 获取表锁
func (lm *LockManager) AcquireTable(ctx context.Context, trxID basic.TrxID, tableID uint64, mode LockMode) error {
	return lm.Acquire(ctx, trxID, makeTableResource(tableID), mode)
}

// heldMode 事务是否已持有覆盖mode的锁
func (lm *LockManager) heldMode(trxID basic.TrxID, resource string, mode LockMode) bool {
	lm.txnMu.Lock()
	defer lm.txnMu.Unlock()
	held, ok := lm.txnLocks[trxID][resource]
	return ok && covers(held, mode)
}

// Acquire 获取锁。阻塞直到授予、超时、被取消或被选为死锁牺牲者。
func (lm *LockManager) Acquire(ctx context.Context, trxID basic.TrxID, resource string, mode LockMode) error {
	if atomic.LoadInt32(&lm.closed) == 1 {
		return ErrManagerClosed
	}

	s := lm.shard(resource)
	s.mu.Lock()
	q := s.queues[resource]
	if q == nil {
		q = &lockQueue{}
		s.queues[resource] = q
	}

	// 已持有的情形：覆盖则直接返回，否则走升级
	var own *lockRequest
	for _, r := range q.granted {
		if r.trxID == trxID {
			own = r
			break
		}
	}
	if own != nil {
		if covers(own.mode, mode) {
			s.mu.Unlock()
			return nil
		}
		target := upgradeTo(own.mode, mode)
		if lm.upgradeGrantableLocked(q, trxID, target) {
			own.mode = target
			s.mu.Unlock()
			lm.recordLock(trxID, resource, target)
			return nil
		}
		req := &lockRequest{trxID: trxID, mode: target, upgrade: true,
			waitChan: make(chan error, 1), created: time.Now()}
		// 升级请求插到等待队列头部，避免与新请求互相饿死
		q.waiting = append([]*lockRequest{req}, q.waiting...)
		s.mu.Unlock()
		return lm.waitFor(ctx, s, resource, req)
	}

	// 新请求：FIFO，前面有等待者或与已授予冲突则排队
	if len(q.waiting) == 0 && lm.grantableLocked(q, trxID, mode) {
		req := &lockRequest{trxID: trxID, mode: mode, granted: true, created: time.Now()}
		q.granted = append(q.granted, req)
		s.mu.Unlock()
		atomic.AddUint64(&lm.stats.granted, 1)
		lm.recordLock(trxID, resource, mode)
		return nil
	}

	req := &lockRequest{trxID: trxID, mode: mode, waitChan: make(chan error, 1), created: time.Now()}
	q.waiting = append(q.waiting, req)
	s.mu.Unlock()
	return lm.waitFor(ctx, s, resource, req)
}

// grantableLocked 新请求能否与已授予集合共存
func (lm *LockManager) grantableLocked(q *lockQueue, trxID basic.TrxID, mode LockMode) bool {
	for _, g := range q.granted {
		if g.trxID == trxID {
			continue
		}
		if !isCompatible(g.mode, mode) {
			return false
		}
	}
	return true
}

// upgradeGrantableLocked 升级请求能否立即授予(忽略自身旧条目)
func (lm *LockManager) upgradeGrantableLocked(q *lockQueue, trxID basic.TrxID, target LockMode) bool {
	for _, g := range q.granted {
		if g.trxID == trxID {
			continue
		}
		if !isCompatible(g.mode, target) {
			return false
		}
	}
	return true
}

// waitFor 等待锁授予
func (lm *LockManager) waitFor(ctx context.Context, s *lockShard, resource string, req *lockRequest) error {
	atomic.AddUint64(&lm.stats.waiting, 1)
	defer atomic.AddUint64(&lm.stats.waiting, ^uint64(0))

	// 每次阻塞都同步做一次死锁检测
	lm.detectAndResolve()

	var timeoutC <-chan time.Time
	if lm.config.LockTimeout > 0 {
		timer := time.NewTimer(lm.config.LockTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-req.waitChan:
		if err != nil {
			return err
		}
		atomic.AddUint64(&lm.stats.granted, 1)
		lm.recordLock(req.trxID, resource, req.mode)
		lm.observeWait(time.Since(req.created))
		return nil
	case <-timeoutC:
		if lm.removeWaiter(s, resource, req) {
			atomic.AddUint64(&lm.stats.timeouts, 1)
			return errors.Wrapf(ErrLockTimeout, "trx %d on %s", req.trxID, resource)
		}
		return lm.consumeGrant(req, resource)
	case <-ctx.Done():
		if lm.removeWaiter(s, resource, req) {
			return ctx.Err()
		}
		return lm.consumeGrant(req, resource)
	}
}

// consumeGrant 超时/取消与授予竞争时，请求已不在等待队列，消费结果
func (lm *LockManager) consumeGrant(req *lockRequest, resource string) error {
	err := <-req.waitChan
	if err != nil {
		return err
	}
	atomic.AddUint64(&lm.stats.granted, 1)
	lm.recordLock(req.trxID, resource, req.mode)
	return nil
}

// removeWaiter 从等待队列移除请求，已被授予或牺牲返回false
func (lm *LockManager) removeWaiter(s *lockShard, resource string, req *lockRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[resource]
	if q == nil {
		return false
	}
	for i, w := range q.waiting {
		if w == req {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			lm.grantWaitersLocked(q)
			lm.cleanQueueLocked(s, resource, q)
			return true
		}
	}
	return false
}

// grantWaitersLocked FIFO授予等待队列中可以授予的请求
func (lm *LockManager) grantWaitersLocked(q *lockQueue) {
	for len(q.waiting) > 0 {
		head := q.waiting[0]
		var ok bool
		if head.upgrade {
			ok = lm.upgradeGrantableLocked(q, head.trxID, head.mode)
		} else {
			ok = lm.grantableLocked(q, head.trxID, head.mode)
		}
		if !ok {
			return
		}
		q.waiting = q.waiting[1:]
		if head.upgrade {
			// 升级：提升自身旧的授予条目，不新增条目
			replaced := false
			for _, g := range q.granted {
				if g.trxID == head.trxID {
					g.mode = head.mode
					replaced = true
					break
				}
			}
			if !replaced {
				head.granted = true
				q.granted = append(q.granted, head)
			}
		} else {
			head.granted = true
			q.granted = append(q.granted, head)
		}
		if head.waitChan != nil {
			select {
			case head.waitChan <- nil:
			default:
			}
		}
	}
}

func (lm *LockManager) cleanQueueLocked(s *lockShard, resource string, q *lockQueue) {
	if len(q.granted) == 0 && len(q.waiting) == 0 {
		delete(s.queues, resource)
	}
}

// recordLock 记录事务持有的锁
func (lm *LockManager) recordLock(trxID basic.TrxID, resource string, mode LockMode) {
	lm.txnMu.Lock()
	defer lm.txnMu.Unlock()
	locks := lm.txnLocks[trxID]
	if locks == nil {
		locks = make(map[string]LockMode)
		lm.txnLocks[trxID] = locks
	}
	locks[resource] = mode
	if len(resource) > 2 && resource[0] == 'r' {
		// 行锁计数按表累计
		var tableID uint64
		var rowID uint64
		if n, _ := sscanRow(resource, &tableID, &rowID); n == 2 {
			counts := lm.rowCounts[trxID]
			if counts == nil {
				counts = make(map[uint64]*rowLockCount)
				lm.rowCounts[trxID] = counts
			}
			c := counts[tableID]
			if c == nil {
				c = &rowLockCount{}
				counts[tableID] = c
			}
			c.total++
			if mode == LOCK_X {
				c.exclusive++
			}
		}
	}
}

// Release 释放事务在某个资源上的锁
func (lm *LockManager) Release(trxID basic.TrxID, resource string) error {
	s := lm.shard(resource)
	s.mu.Lock()
	q := s.queues[resource]
	found := false
	if q != nil {
		for i, g := range q.granted {
			if g.trxID == trxID {
				q.granted = append(q.granted[:i], q.granted[i+1:]...)
				found = true
				break
			}
		}
		if found {
			lm.grantWaitersLocked(q)
			lm.cleanQueueLocked(s, resource, q)
		}
	}
	s.mu.Unlock()
	if !found {
		return errors.Wrapf(ErrLockNotHeld, "trx %d on %s", trxID, resource)
	}

	lm.txnMu.Lock()
	delete(lm.txnLocks[trxID], resource)
	lm.txnMu.Unlock()
	return nil
}

// ReleaseAll 释放事务持有的全部锁，提交或回滚时调用
func (lm *LockManager) ReleaseAll(trxID basic.TrxID) {
	lm.txnMu.Lock()
	resources := make([]string, 0, len(lm.txnLocks[trxID]))
	for res := range lm.txnLocks[trxID] {
		resources = append(resources, res)
	}
	delete(lm.txnLocks, trxID)
	delete(lm.rowCounts, trxID)
	lm.txnMu.Unlock()

	for _, resource := range resources {
		s := lm.shard(resource)
		s.mu.Lock()
		if q := s.queues[resource]; q != nil {
			for i := 0; i < len(q.granted); {
				if q.granted[i].trxID == trxID {
					q.granted = append(q.granted[:i], q.granted[i+1:]...)
				} else {
					i++
				}
			}
			// 事务可能还有未决的等待请求(并发回滚)，一并取消
			for i := 0; i < len(q.waiting); {
				if q.waiting[i].trxID == trxID {
					w := q.waiting[i]
					q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
					select {
					case w.waitChan <- ErrManagerClosed:
					default:
					}
				} else {
					i++
				}
			}
			lm.grantWaitersLocked(q)
			lm.cleanQueueLocked(s, resource, q)
		}
		s.mu.Unlock()
	}
}

// HeldLocks 事务当前持有的锁
func (lm *LockManager) HeldLocks(trxID basic.TrxID) map[string]LockMode {
	lm.txnMu.Lock()
	defer lm.txnMu.Unlock()
	out := make(map[string]LockMode, len(lm.txnLocks[trxID]))
	for res, mode := range lm.txnLocks[trxID] {
		out[res] = mode
	}
	return out
}

// maybeEscalate 行锁数量超过阈值时尝试升级为表锁。
// 表锁无法立即授予时放弃本次升级，保持细粒度锁。
func (lm *LockManager) maybeEscalate(ctx context.Context, trxID basic.TrxID, tableID uint64, _ LockMode) {
	threshold := lm.config.EscalationThreshold
	if threshold <= 0 {
		return
	}

	lm.txnMu.Lock()
	c := lm.rowCounts[trxID][tableID]
	if c == nil || c.total < threshold {
		lm.txnMu.Unlock()
		return
	}
	escalated := LOCK_S
	if c.exclusive > 0 {
		escalated = LOCK_X
	}
	lm.txnMu.Unlock()

	tableRes := makeTableResource(tableID)
	s := lm.shard(tableRes)
	s.mu.Lock()
	q := s.queues[tableRes]
	if q == nil || !lm.upgradeGrantableLocked(q, trxID, escalated) {
		s.mu.Unlock()
		return
	}
	upgraded := false
	for _, g := range q.granted {
		if g.trxID == trxID {
			g.mode = escalated
			upgraded = true
			break
		}
	}
	s.mu.Unlock()
	if !upgraded {
		return
	}

	// 表锁已覆盖，释放该表上的所有行锁
	lm.txnMu.Lock()
	rowResources := make([]string, 0)
	for res := range lm.txnLocks[trxID] {
		var tid, rid uint64
		if n, _ := sscanRow(res, &tid, &rid); n == 2 && tid == tableID {
			rowResources = append(rowResources, res)
		}
	}
	lm.txnLocks[trxID][tableRes] = escalated
	for _, res := range rowResources {
		delete(lm.txnLocks[trxID], res)
	}
	delete(lm.rowCounts[trxID], tableID)
	lm.txnMu.Unlock()

	for _, res := range rowResources {
		rs := lm.shard(res)
		rs.mu.Lock()
		if rq := rs.queues[res]; rq != nil {
			for i := 0; i < len(rq.granted); {
				if rq.granted[i].trxID == trxID {
					rq.granted = append(rq.granted[:i], rq.granted[i+1:]...)
				} else {
					i++
				}
			}
			lm.grantWaitersLocked(rq)
			lm.cleanQueueLocked(rs, res, rq)
		}
		rs.mu.Unlock()
	}

	atomic.AddUint64(&lm.stats.escalations, 1)
	logger.Debugf("escalated trx %d to %s table lock on table %d (released %d row locks)",
		trxID, escalated, tableID, len(rowResources))
}

// detectAndResolve 重建等待图并消解所有死锁环
func (lm *LockManager) detectAndResolve() {
	lm.detectMu.Lock()
	defer lm.detectMu.Unlock()

	for round := 0; round < 16; round++ {
		graph := lm.buildWaitGraph()
		cycle := graph.findCycle()
		if cycle == nil {
			return
		}
		victim := lm.chooseVictim(cycle)
		atomic.AddUint64(&lm.stats.deadlocks, 1)
		lm.historyMu.Lock()
		lm.deadlocks = append(lm.deadlocks, DeadlockInfo{
			DetectedAt: time.Now(),
			Cycle:      cycle,
			VictimTxID: victim,
		})
		if len(lm.deadlocks) > 64 {
			lm.deadlocks = lm.deadlocks[1:]
		}
		lm.historyMu.Unlock()
		logger.Warnf("deadlock cycle %v, victim trx %d", cycle, victim)
		lm.abortWaiter(victim)
	}
}

// buildWaitGraph 从锁表全量构建等待图
func (lm *LockManager) buildWaitGraph() *waitGraph {
	graph := newWaitGraph()
	for _, s := range lm.shards {
		s.mu.Lock()
		for _, q := range s.queues {
			for _, w := range q.waiting {
				for _, g := range q.granted {
					if g.trxID == w.trxID {
						continue
					}
					if !isCompatible(g.mode, w.mode) {
						graph.addEdge(w.trxID, g.trxID)
					}
				}
				// FIFO下还会被排在前面的等待者挡住
				for _, prior := range q.waiting {
					if prior == w {
						break
					}
					if prior.trxID != w.trxID && !isCompatible(prior.mode, w.mode) {
						graph.addEdge(w.trxID, prior.trxID)
					}
				}
			}
		}
		s.mu.Unlock()
	}
	return graph
}

// chooseVictim 按配置策略选择牺牲者
func (lm *LockManager) chooseVictim(cycle []basic.TrxID) basic.TrxID {
	switch lm.config.VictimPolicy {
	case VICTIM_OLDEST_WAITING:
		victim := cycle[0]
		oldest := time.Now()
		for _, t := range cycle {
			if created, ok := lm.earliestWait(t); ok && created.Before(oldest) {
				oldest = created
				victim = t
			}
		}
		return victim
	default:
		// youngest：事务ID单调递增，最大者最年轻
		victim := cycle[0]
		for _, t := range cycle {
			if t > victim {
				victim = t
			}
		}
		return victim
	}
}

func (lm *LockManager) earliestWait(trxID basic.TrxID) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, s := range lm.shards {
		s.mu.Lock()
		for _, q := range s.queues {
			for _, w := range q.waiting {
				if w.trxID == trxID && (!found || w.created.Before(earliest)) {
					earliest = w.created
					found = true
				}
			}
		}
		s.mu.Unlock()
	}
	return earliest, found
}

// abortWaiter 取消牺牲者的所有等待请求并唤醒它
func (lm *LockManager) abortWaiter(victim basic.TrxID) {
	for _, s := range lm.shards {
		s.mu.Lock()
		for res, q := range s.queues {
			for i := 0; i < len(q.waiting); {
				if q.waiting[i].trxID == victim {
					w := q.waiting[i]
					q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
					select {
					case w.waitChan <- errors.Wrapf(ErrDeadlockDetected, "trx %d", victim):
					default:
					}
				} else {
					i++
				}
			}
			lm.grantWaitersLocked(q)
			lm.cleanQueueLocked(s, res, q)
		}
		s.mu.Unlock()
	}
}

// deadlockDetection 后台死锁检测循环
func (lm *LockManager) deadlockDetection() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.config.DeadlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lm.detectAndResolve()
		case <-lm.stopChan:
			return
		}
	}
}

func (lm *LockManager) observeWait(d time.Duration) {
	lm.historyMu.Lock()
	if d > lm.maxWait {
		lm.maxWait = d
	}
	lm.historyMu.Unlock()
}

// GetStats 锁统计
func (lm *LockManager) GetStats() LockStats {
	lm.historyMu.Lock()
	maxWait := lm.maxWait
	lm.historyMu.Unlock()
	return LockStats{
		GrantedLocks: atomic.LoadUint64(&lm.stats.granted),
		WaitingLocks: atomic.LoadUint64(&lm.stats.waiting),
		Deadlocks:    atomic.LoadUint64(&lm.stats.deadlocks),
		LockTimeouts: atomic.LoadUint64(&lm.stats.timeouts),
		Escalations:  atomic.LoadUint64(&lm.stats.escalations),
		MaxWaitTime:  maxWait,
	}
}

// RecentDeadlocks 最近的死锁信息
func (lm *LockManager) RecentDeadlocks() []DeadlockInfo {
	lm.historyMu.Lock()
	defer lm.historyMu.Unlock()
	out := make([]DeadlockInfo, len(lm.deadlocks))
	copy(out, lm.deadlocks)
	return out
}

// sscanRow 解析行资源ID
func sscanRow(resource string, tableID, rowID *uint64) (int, error) {
	return fmt.Sscanf(resource, "r_%d_%d", tableID, rowID)
}

// Close 关闭锁管理器，唤醒所有等待者
func (lm *LockManager) Close() {
	if !atomic.CompareAndSwapInt32(&lm.closed, 0, 1) {
		return
	}
	close(lm.stopChan)
	lm.wg.Wait()

	for _, s := range lm.shards {
		s.mu.Lock()
		for _, q := range s.queues {
			for _, w := range q.waiting {
				select {
				case w.waitChan <- ErrManagerClosed:
				default:
				}
			}
			q.waiting = nil
		}
		s.mu.Unlock()
	}
}
