package buffer_pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/zhoumingliang/innostore/logger"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/blocks"
	"github.com/zhoumingliang/innostore/util"
)

const (
	DEFAULT_SHARD_COUNT   = 16
	DEFAULT_POOL_PAGES    = 1024
	WRITE_BACK_RETRIES    = 3 // 驱逐写回重试次数
	WRITE_BACK_RETRY_WAIT = 10 * time.Millisecond
)

// BufferPoolConfig 缓冲池配置
type BufferPoolConfig struct {
	PoolPages      uint32        // 缓冲池容量(页数)
	ShardCount     uint32        // 分片数
	EvictionPolicy string        // 驱逐策略: clock/lru
	FlushInterval  time.Duration // 后台刷脏间隔，0表示不启动

	StorageProvider basic.StorageProvider
	LogFlusher      basic.LogFlusher // 可为空，SetLogFlusher延后注入
}

// poolShard 缓冲池分片，独立加锁
type poolShard struct {
	mu          sync.Mutex
	frames      map[uint64]*BufferPage
	capacity    int
	policy      EvictionPolicy
	quarantined bool // 写回持续失败后整个分片下线
}

// BufferPool 按页面ID哈希分片的缓冲池。
// 同一页面的并发未命中加载由singleflight合并为一次IO。
// 写脏页前先确保对应日志已刷盘(WAL-before-data)。
type BufferPool struct {
	shards   []*poolShard
	provider basic.StorageProvider

	mu         sync.RWMutex
	logFlusher basic.LogFlusher

	loadGroup singleflight.Group

	stats struct {
		hits       uint64
		misses     uint64
		evictions  uint64
		flushes    uint64
		pageReads  uint64
		pageWrites uint64
	}

	flushInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
	closed        int32
}

// NewBufferPool 创建缓冲池
func NewBufferPool(config *BufferPoolConfig) (*BufferPool, error) {
	if config == nil {
		return nil, fmt.Errorf("buffer pool config is required")
	}
	if config.StorageProvider == nil {
		return nil, fmt.Errorf("storage provider is required")
	}
	if config.PoolPages == 0 {
		config.PoolPages = DEFAULT_POOL_PAGES
	}
	if config.ShardCount == 0 {
		config.ShardCount = DEFAULT_SHARD_COUNT
	}
	if config.ShardCount > config.PoolPages {
		config.ShardCount = 1
	}

	perShard := int(config.PoolPages / config.ShardCount)
	if perShard < 1 {
		perShard = 1
	}

	bp := &BufferPool{
		shards:        make([]*poolShard, config.ShardCount),
		provider:      config.StorageProvider,
		logFlusher:    config.LogFlusher,
		flushInterval: config.FlushInterval,
		stopChan:      make(chan struct{}),
	}
	for i := range bp.shards {
		policy, err := NewPolicy(config.EvictionPolicy, perShard)
		if err != nil {
			return nil, err
		}
		bp.shards[i] = &poolShard{
			frames:   make(map[uint64]*BufferPage, perShard),
			capacity: perShard,
			policy:   policy,
		}
	}

	if bp.flushInterval > 0 {
		bp.wg.Add(1)
		go bp.backgroundFlush()
	}

	logger.Infof("buffer pool created: pages=%d shards=%d policy=%s",
		config.PoolPages, config.ShardCount, bp.shards[0].policy.Name())
	return bp, nil
}

// SetLogFlusher 注入WAL刷盘接口。启动顺序上WAL晚于缓冲池创建时使用。
func (bp *BufferPool) SetLogFlusher(f basic.LogFlusher) {
	bp.mu.Lock()
	bp.logFlusher = f
	bp.mu.Unlock()
}

func (bp *BufferPool) flusher() basic.LogFlusher {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.logFlusher
}

func (bp *BufferPool) shard(key uint64) *poolShard {
	return bp.shards[util.HashUint64(key)%uint64(len(bp.shards))]
}

// FetchPage 获取页面并固定。未命中时从页面存储加载。
// 返回的页面必须由调用方UnpinPage释放。
func (bp *BufferPool) FetchPage(id basic.PageID) (*BufferPage, error) {
	if atomic.LoadInt32(&bp.closed) == 1 {
		return nil, ErrPoolClosed
	}
	key := id.Key()
	s := bp.shard(key)

	for attempt := 0; attempt < 3; attempt++ {
		s.mu.Lock()
		if s.quarantined {
			s.mu.Unlock()
			return nil, ErrShardUnavailable
		}
		if p, ok := s.frames[key]; ok {
			p.Pin()
			s.policy.OnAccess(p)
			s.mu.Unlock()
			// 未命中加载后的重查不算命中
			if attempt == 0 {
				atomic.AddUint64(&bp.stats.hits, 1)
			}
			return p, nil
		}
		s.mu.Unlock()

		if attempt == 0 {
			atomic.AddUint64(&bp.stats.misses, 1)
		}
		if _, err, _ := bp.loadGroup.Do(fmt.Sprintf("%d", key), func() (interface{}, error) {
			return nil, bp.loadPage(s, id, key)
		}); err != nil {
			return nil, err
		}
		// 加载与固定之间存在被驱逐的窗口，重试即可
	}
	return nil, ErrBufferPoolExhausted
}

// loadPage 从存储加载页面并插入分片。IO在分片锁外执行。
func (bp *BufferPool) loadPage(s *poolShard, id basic.PageID, key uint64) error {
	s.mu.Lock()
	if _, ok := s.frames[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	data, err := bp.provider.ReadPage(id)
	if err != nil {
		return err
	}
	atomic.AddUint64(&bp.stats.pageReads, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quarantined {
		return ErrShardUnavailable
	}
	if _, ok := s.frames[key]; ok {
		return nil
	}
	if len(s.frames) >= s.capacity {
		if err := bp.evictLocked(s); err != nil {
			return err
		}
	}
	p := newBufferPage(id, data)
	s.frames[key] = p
	s.policy.OnInsert(p)
	return nil
}

// evictLocked 在分片内选择并驱逐一个牺牲页。调用方持有分片锁。
// 脏页先保证日志落盘再写回；写回重试耗尽后隔离整个分片。
func (bp *BufferPool) evictLocked(s *poolShard) error {
	victim := s.policy.PickVictim()
	if victim == nil {
		return ErrBufferPoolExhausted
	}

	if victim.IsDirty() {
		if err := bp.writeBack(victim); err != nil {
			s.quarantined = true
			s.policy.OnInsert(victim) // 放回，分片隔离后页面不再被访问
			logger.Errorf("quarantining buffer pool shard after write-back failure on page %s: %v",
				victim.ID(), err)
			return ErrShardUnavailable
		}
	}
	delete(s.frames, victim.ID().Key())
	atomic.AddUint64(&bp.stats.evictions, 1)
	return nil
}

// writeBack 写回一个脏页，先确保WAL落盘，失败时有限重试
func (bp *BufferPool) writeBack(p *BufferPage) error {
	p.Latch.RLock()
	pageLSN := blocks.PageLSN(p.data)
	data := make([]byte, len(p.data))
	copy(data, p.data)
	p.Latch.RUnlock()

	if f := bp.flusher(); f != nil && f.FlushedLSN() < pageLSN {
		if err := f.Flush(pageLSN); err != nil {
			return err
		}
	}

	var err error
	for i := 0; i < WRITE_BACK_RETRIES; i++ {
		if err = bp.provider.WritePage(p.ID(), data); err == nil {
			p.ClearDirty()
			atomic.AddUint64(&bp.stats.pageWrites, 1)
			return nil
		}
		time.Sleep(WRITE_BACK_RETRY_WAIT)
	}
	return err
}

// UnpinPage 释放页面引用。isDirty为真时以给定LSN标记脏页。
func (bp *BufferPool) UnpinPage(p *BufferPage, isDirty bool, lsn basic.LSN) {
	if isDirty {
		p.MarkDirty(lsn)
	}
	p.Unpin()
}

// NewPage 分配并固定一个新页面
func (bp *BufferPool) NewPage(space basic.SpaceID) (*BufferPage, error) {
	pageNo, err := bp.provider.AllocatePage(space)
	if err != nil {
		return nil, err
	}
	return bp.FetchPage(basic.MakePageID(space, pageNo))
}

// FlushPage 将指定页面写回存储
func (bp *BufferPool) FlushPage(id basic.PageID) error {
	key := id.Key()
	s := bp.shard(key)

	s.mu.Lock()
	p, ok := s.frames[key]
	if ok {
		p.Pin()
	}
	s.mu.Unlock()
	if !ok {
		return ErrPageNotResident
	}
	defer p.Unpin()

	if !p.IsDirty() {
		return nil
	}
	if err := bp.writeBack(p); err != nil {
		return err
	}
	atomic.AddUint64(&bp.stats.flushes, 1)
	return nil
}

// FlushAll 并行刷出所有分片的脏页
func (bp *BufferPool) FlushAll() error {
	var g errgroup.Group
	for _, s := range bp.shards {
		s := s
		g.Go(func() error {
			s.mu.Lock()
			dirty := make([]*BufferPage, 0)
			for _, p := range s.frames {
				if p.IsDirty() {
					p.Pin()
					dirty = append(dirty, p)
				}
			}
			s.mu.Unlock()

			var firstErr error
			for _, p := range dirty {
				if err := bp.writeBack(p); err != nil && firstErr == nil {
					firstErr = err
				}
				p.Unpin()
			}
			return firstErr
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return bp.provider.Sync()
}

// DirtyPageTable 收集脏页表(pageKey -> recLSN)，检查点使用
func (bp *BufferPool) DirtyPageTable() map[uint64]basic.LSN {
	dpt := make(map[uint64]basic.LSN)
	for _, s := range bp.shards {
		s.mu.Lock()
		for key, p := range s.frames {
			if p.IsDirty() {
				dpt[key] = p.RecLSN()
			}
		}
		s.mu.Unlock()
	}
	return dpt
}

// GetStats 缓冲池统计
func (bp *BufferPool) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"hits":        atomic.LoadUint64(&bp.stats.hits),
		"misses":      atomic.LoadUint64(&bp.stats.misses),
		"evictions":   atomic.LoadUint64(&bp.stats.evictions),
		"flushes":     atomic.LoadUint64(&bp.stats.flushes),
		"page_reads":  atomic.LoadUint64(&bp.stats.pageReads),
		"page_writes": atomic.LoadUint64(&bp.stats.pageWrites),
	}
}

// backgroundFlush 后台定期刷脏
func (bp *BufferPool) backgroundFlush() {
	defer bp.wg.Done()
	ticker := time.NewTicker(bp.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bp.FlushAll(); err != nil {
				logger.Errorf("background flush: %v", err)
			}
		case <-bp.stopChan:
			return
		}
	}
}

// Close 关闭缓冲池，刷出所有脏页
func (bp *BufferPool) Close() error {
	if !atomic.CompareAndSwapInt32(&bp.closed, 0, 1) {
		return nil
	}
	close(bp.stopChan)
	bp.wg.Wait()
	return bp.FlushAll()
}
