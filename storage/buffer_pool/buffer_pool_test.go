package buffer_pool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/blocks"
)

const testPageSize = 1024

// recordingFlusher 记录Flush调用，模拟WAL
type recordingFlusher struct {
	flushed uint64
	calls   int32
}

func (f *recordingFlusher) FlushedLSN() basic.LSN {
	return basic.LSN(atomic.LoadUint64(&f.flushed))
}

func (f *recordingFlusher) Flush(upTo basic.LSN) error {
	atomic.AddInt32(&f.calls, 1)
	for {
		cur := atomic.LoadUint64(&f.flushed)
		if basic.LSN(cur) >= upTo || atomic.CompareAndSwapUint64(&f.flushed, cur, uint64(upTo)) {
			return nil
		}
	}
}

func newTestStore(t *testing.T) *blocks.FileStore {
	store := blocks.NewFileStore(t.TempDir(), testPageSize)
	_, err := store.OpenSpace(1)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestPool(t *testing.T, store *blocks.FileStore, pages uint32) *BufferPool {
	pool, err := NewBufferPool(&BufferPoolConfig{
		PoolPages:       pages,
		ShardCount:      1,
		StorageProvider: store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func allocPage(t *testing.T, store *blocks.FileStore) basic.PageID {
	pageNo, err := store.AllocatePage(1)
	require.NoError(t, err)
	return basic.MakePageID(1, pageNo)
}

func TestFetchHitAndMiss(t *testing.T) {
	store := newTestStore(t)
	pool := newTestPool(t, store, 8)
	id := allocPage(t, store)

	p, err := pool.FetchPage(id)
	require.NoError(t, err)
	pool.UnpinPage(p, false, 0)

	p2, err := pool.FetchPage(id)
	require.NoError(t, err)
	assert.Same(t, p, p2, "second fetch must hit the cached frame")
	pool.UnpinPage(p2, false, 0)

	stats := pool.GetStats()
	assert.Equal(t, uint64(1), stats["hits"])
	assert.Equal(t, uint64(1), stats["misses"])
	assert.Equal(t, uint64(1), stats["page_reads"])
}

func TestDirtyWriteBackOnEviction(t *testing.T) {
	store := newTestStore(t)
	pool := newTestPool(t, store, 2)

	id := allocPage(t, store)
	p, err := pool.FetchPage(id)
	require.NoError(t, err)
	p.Latch.Lock()
	copy(p.Data()[blocks.PageDataOffset:], "dirty-bytes")
	blocks.SetPageLSN(p.Data(), 10)
	p.Latch.Unlock()
	pool.UnpinPage(p, true, 10)

	// 塞满缓冲池，逼出脏页
	for i := 0; i < 4; i++ {
		other, err := pool.FetchPage(allocPage(t, store))
		require.NoError(t, err)
		pool.UnpinPage(other, false, 0)
	}

	// 直接从存储读，写回必须已经发生
	raw, err := store.ReadPage(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("dirty-bytes"), raw[blocks.PageDataOffset:blocks.PageDataOffset+11])
	assert.Equal(t, basic.LSN(10), blocks.PageLSN(raw))
}

func TestWALFlushedBeforeDataWrite(t *testing.T) {
	store := newTestStore(t)
	pool := newTestPool(t, store, 8)
	flusher := &recordingFlusher{}
	pool.SetLogFlusher(flusher)

	id := allocPage(t, store)
	p, err := pool.FetchPage(id)
	require.NoError(t, err)
	p.Latch.Lock()
	blocks.SetPageLSN(p.Data(), 99)
	p.Latch.Unlock()
	pool.UnpinPage(p, true, 99)

	require.NoError(t, pool.FlushPage(id))
	assert.GreaterOrEqual(t, flusher.FlushedLSN(), basic.LSN(99),
		"page write must force the log up to the page LSN first")
	assert.Equal(t, int32(1), atomic.LoadInt32(&flusher.calls))

	// 日志已领先时不再触发刷盘
	p, err = pool.FetchPage(id)
	require.NoError(t, err)
	p.Latch.Lock()
	blocks.SetPageLSN(p.Data(), 50)
	p.Latch.Unlock()
	pool.UnpinPage(p, true, 50)
	require.NoError(t, pool.FlushPage(id))
	assert.Equal(t, int32(1), atomic.LoadInt32(&flusher.calls))
}

func TestPinnedPageNotEvicted(t *testing.T) {
	store := newTestStore(t)
	pool := newTestPool(t, store, 2)

	pinned, err := pool.FetchPage(allocPage(t, store))
	require.NoError(t, err)

	// 容量2，固定1页后还能周转1页
	for i := 0; i < 3; i++ {
		p, err := pool.FetchPage(allocPage(t, store))
		require.NoError(t, err)
		pool.UnpinPage(p, false, 0)
	}

	again, err := pool.FetchPage(pinned.ID())
	require.NoError(t, err)
	assert.Same(t, pinned, again, "pinned page must survive eviction pressure")
	pool.UnpinPage(again, false, 0)
	pool.UnpinPage(pinned, false, 0)
}

func TestPoolExhaustedWhenAllPinned(t *testing.T) {
	store := newTestStore(t)
	pool := newTestPool(t, store, 2)

	p1, err := pool.FetchPage(allocPage(t, store))
	require.NoError(t, err)
	p2, err := pool.FetchPage(allocPage(t, store))
	require.NoError(t, err)

	_, err = pool.FetchPage(allocPage(t, store))
	assert.ErrorIs(t, err, ErrBufferPoolExhausted)

	pool.UnpinPage(p1, false, 0)
	pool.UnpinPage(p2, false, 0)
}

func TestDirtyPageTableAndFlushAll(t *testing.T) {
	store := newTestStore(t)
	pool := newTestPool(t, store, 8)

	ids := []basic.PageID{allocPage(t, store), allocPage(t, store)}
	for i, id := range ids {
		p, err := pool.FetchPage(id)
		require.NoError(t, err)
		lsn := basic.LSN(100 + i)
		p.Latch.Lock()
		blocks.SetPageLSN(p.Data(), lsn)
		p.Latch.Unlock()
		pool.UnpinPage(p, true, lsn)
	}

	dpt := pool.DirtyPageTable()
	require.Len(t, dpt, 2)
	assert.Equal(t, basic.LSN(100), dpt[ids[0].Key()])
	assert.Equal(t, basic.LSN(101), dpt[ids[1].Key()])

	require.NoError(t, pool.FlushAll())
	assert.Empty(t, pool.DirtyPageTable(), "flush-all clears the dirty page table")
}

func TestRecLSNKeepsFirstDirtyLSN(t *testing.T) {
	store := newTestStore(t)
	pool := newTestPool(t, store, 8)
	id := allocPage(t, store)

	p, err := pool.FetchPage(id)
	require.NoError(t, err)
	pool.UnpinPage(p, true, 30)

	p, err = pool.FetchPage(id)
	require.NoError(t, err)
	pool.UnpinPage(p, true, 60)

	assert.Equal(t, basic.LSN(30), p.RecLSN(), "recLSN is the LSN that first dirtied the page")
}

func TestConcurrentFetchSamePage(t *testing.T) {
	store := newTestStore(t)
	pool := newTestPool(t, store, 16)
	id := allocPage(t, store)

	const goroutines = 32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				p, err := pool.FetchPage(id)
				assert.NoError(t, err)
				pool.UnpinPage(p, false, 0)
			}
		}()
	}
	wg.Wait()

	stats := pool.GetStats()
	assert.Equal(t, uint64(1), stats["page_reads"], "concurrent misses collapse into a single read")
}

func TestEvictionPolicies(t *testing.T) {
	for _, policy := range []string{"clock", "lru"} {
		t.Run(policy, func(t *testing.T) {
			store := newTestStore(t)
			pool, err := NewBufferPool(&BufferPoolConfig{
				PoolPages:       4,
				ShardCount:      1,
				EvictionPolicy:  policy,
				StorageProvider: store,
			})
			require.NoError(t, err)
			defer pool.Close()

			for i := 0; i < 12; i++ {
				p, err := pool.FetchPage(allocPage(t, store))
				require.NoError(t, err)
				pool.UnpinPage(p, false, 0)
			}
			stats := pool.GetStats()
			assert.Equal(t, uint64(8), stats["evictions"])
		})
	}

	t.Run("未知策略报错", func(t *testing.T) {
		_, err := NewBufferPool(&BufferPoolConfig{
			PoolPages:       4,
			EvictionPolicy:  "random",
			StorageProvider: newTestStore(t),
		})
		assert.Error(t, err)
	})
}
