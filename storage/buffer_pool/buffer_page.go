package buffer_pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/blocks"
)

// BufferPage 缓冲池中的页面控制体(帧)。
// 页面内容的并发访问由Latch保护；pin计数保证被引用的页面不被驱逐。
type BufferPage struct {
	// Latch 页面内容读写锁。修改页面字节前必须持有写Latch。
	Latch sync.RWMutex

	id   basic.PageID
	data []byte

	pinCount int32 // 引用计数(atomic)
	dirty    int32 // 脏标记(atomic)

	// recLSN 页面从干净变脏时的首个LSN，检查点脏页表使用
	recLSN uint64

	// 驱逐策略元数据
	refBit     int32 // clock策略引用位
	insertTime time.Time
	young      bool
	elem       interface{} // 策略私有挂载点
}

func newBufferPage(id basic.PageID, data []byte) *BufferPage {
	return &BufferPage{id: id, data: data, insertTime: time.Now()}
}

// ID 页面标识
func (bp *BufferPage) ID() basic.PageID {
	return bp.id
}

// Data 页面内容。调用方必须持有Latch。
func (bp *BufferPage) Data() []byte {
	return bp.data
}

// Pin 增加引用计数
func (bp *BufferPage) Pin() {
	atomic.AddInt32(&bp.pinCount, 1)
}

// Unpin 减少引用计数
func (bp *BufferPage) Unpin() {
	if atomic.AddInt32(&bp.pinCount, -1) < 0 {
		panic("buffer_pool: unpin below zero")
	}
}

// PinCount 当前引用计数
func (bp *BufferPage) PinCount() int32 {
	return atomic.LoadInt32(&bp.pinCount)
}

// IsDirty 是否为脏页
func (bp *BufferPage) IsDirty() bool {
	return atomic.LoadInt32(&bp.dirty) == 1
}

// MarkDirty 标记为脏页，记录首次弄脏的LSN
func (bp *BufferPage) MarkDirty(lsn basic.LSN) {
	if atomic.CompareAndSwapInt32(&bp.dirty, 0, 1) {
		atomic.StoreUint64(&bp.recLSN, uint64(lsn))
	}
}

// ClearDirty 清除脏标记
func (bp *BufferPage) ClearDirty() {
	atomic.StoreInt32(&bp.dirty, 0)
	atomic.StoreUint64(&bp.recLSN, 0)
}

// RecLSN 脏页表用的recLSN，干净页返回0
func (bp *BufferPage) RecLSN() basic.LSN {
	return basic.LSN(atomic.LoadUint64(&bp.recLSN))
}

// PageLSN 页面头中的LSN。调用方必须持有Latch。
func (bp *BufferPage) PageLSN() basic.LSN {
	return blocks.PageLSN(bp.data)
}

func (bp *BufferPage) setRef() {
	atomic.StoreInt32(&bp.refBit, 1)
}

func (bp *BufferPage) clearRef() {
	atomic.StoreInt32(&bp.refBit, 0)
}

func (bp *BufferPage) referenced() bool {
	return atomic.LoadInt32(&bp.refBit) == 1
}
