package manager

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/blocks"
	"github.com/zhoumingliang/innostore/storage/buffer_pool"
	"github.com/zhoumingliang/innostore/util"
)

// 行槽布局（页面用户数据区内定长槽）：
//
//	[0]     flag   0=空槽 1=有行
//	[1:3)   length 行数据长度
//	[3:)    data   行数据
const (
	slotFlagEmpty   = 0
	slotFlagPresent = 1
	slotHeaderLen   = 3
)

// RowStore 把逻辑行映射到页面槽位。
// 每张表一个表空间，行按rowID定位：页面号=1+rowID/每页行数，
// 槽位=rowID%每页行数。定长槽换取O(1)寻址，行数据不能超过槽长。
type RowStore struct {
	pool     *buffer_pool.BufferPool
	store    *blocks.FileStore
	slotSize int
	perPage  uint64

	mu     sync.Mutex
	opened map[basic.SpaceID]struct{}
}

// NewRowStore 创建行存储
func NewRowStore(pool *buffer_pool.BufferPool, store *blocks.FileStore, slotSize int) *RowStore {
	if slotSize < slotHeaderLen+1 {
		slotSize = 256
	}
	perPage := uint64(store.PageSize()-blocks.PageDataOffset) / uint64(slotSize)
	return &RowStore{
		pool:     pool,
		store:    store,
		slotSize: slotSize,
		perPage:  perPage,
		opened:   make(map[basic.SpaceID]struct{}),
	}
}

// MaxRowSize 单行数据的最大长度
func (rs *RowStore) MaxRowSize() int {
	return rs.slotSize - slotHeaderLen
}

// EnsureTable 打开表对应的表空间
func (rs *RowStore) EnsureTable(tableID uint64) error {
	space := basic.SpaceID(tableID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.opened[space]; ok {
		return nil
	}
	if _, err := rs.store.OpenSpace(space); err != nil {
		return err
	}
	rs.opened[space] = struct{}{}
	return nil
}

// Locate 行所在的页面和槽内偏移
func (rs *RowStore) Locate(tableID uint64, rowID basic.RowID) (basic.PageID, int) {
	pageNo := basic.PageNo(1 + uint64(rowID)/rs.perPage)
	slot := int(uint64(rowID) % rs.perPage)
	offset := blocks.PageDataOffset + slot*rs.slotSize
	return basic.MakePageID(basic.SpaceID(tableID), pageNo), offset
}

// fetch 获取行所在页面，needAlloc为真时按需扩展表空间
func (rs *RowStore) fetch(id basic.PageID, needAlloc bool) (*buffer_pool.BufferPage, error) {
	for {
		p, err := rs.pool.FetchPage(id)
		if err == nil {
			return p, nil
		}
		if !needAlloc || !matches(err, blocks.ErrPageOutOfRange) {
			return nil, err
		}
		pageNo, aerr := rs.store.AllocatePage(id.Space)
		if aerr != nil {
			return nil, aerr
		}
		if pageNo >= id.PageNo {
			// 目标页面已在分配范围内，重新获取
			continue
		}
	}
}

// ReadRow 读取行数据，不存在时返回(nil, false, nil)
func (rs *RowStore) ReadRow(tableID uint64, rowID basic.RowID) ([]byte, bool, error) {
	if err := rs.EnsureTable(tableID); err != nil {
		return nil, false, err
	}
	id, offset := rs.Locate(tableID, rowID)

	p, err := rs.pool.FetchPage(id)
	if err != nil {
		if matches(err, blocks.ErrPageOutOfRange) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer rs.pool.UnpinPage(p, false, 0)

	p.Latch.RLock()
	defer p.Latch.RUnlock()
	data := p.Data()
	if data[offset] != slotFlagPresent {
		return nil, false, nil
	}
	_, length, err := util.ReadUB2(data, offset+1)
	if err != nil || int(length) > rs.MaxRowSize() {
		return nil, false, errors.Errorf("corrupt slot for row %d/%d on page %s", tableID, rowID, id)
	}
	out := make([]byte, length)
	copy(out, data[offset+slotHeaderLen:offset+slotHeaderLen+int(length)])
	return out, true, nil
}

// WriteRow 写入行数据并把页面LSN推进到给定值
func (rs *RowStore) WriteRow(lsn basic.LSN, tableID uint64, rowID basic.RowID, value []byte) error {
	if len(value) > rs.MaxRowSize() {
		return errors.Wrapf(ErrRowTooLarge, "%d bytes, slot holds %d", len(value), rs.MaxRowSize())
	}
	if err := rs.EnsureTable(tableID); err != nil {
		return err
	}
	id, offset := rs.Locate(tableID, rowID)

	p, err := rs.fetch(id, true)
	if err != nil {
		return err
	}
	p.Latch.Lock()
	rs.writeSlot(p.Data(), offset, value)
	blocks.SetPageLSN(p.Data(), lsn)
	p.Latch.Unlock()
	rs.pool.UnpinPage(p, true, lsn)
	return nil
}

// DeleteRow 清空行槽位并把页面LSN推进到给定值
func (rs *RowStore) DeleteRow(lsn basic.LSN, tableID uint64, rowID basic.RowID) error {
	if err := rs.EnsureTable(tableID); err != nil {
		return err
	}
	id, offset := rs.Locate(tableID, rowID)

	p, err := rs.fetch(id, true)
	if err != nil {
		return err
	}
	p.Latch.Lock()
	rs.clearSlot(p.Data(), offset)
	blocks.SetPageLSN(p.Data(), lsn)
	p.Latch.Unlock()
	rs.pool.UnpinPage(p, true, lsn)
	return nil
}

// ApplyImage 恢复重做使用：仅当页面LSN落后于记录LSN时应用镜像。
// after为空表示删除。返回是否实际应用。
func (rs *RowStore) ApplyImage(lsn basic.LSN, tableID uint64, rowID basic.RowID, after []byte) (bool, error) {
	if err := rs.EnsureTable(tableID); err != nil {
		return false, err
	}
	id, offset := rs.Locate(tableID, rowID)

	p, err := rs.fetch(id, true)
	if err != nil {
		return false, err
	}
	p.Latch.Lock()
	if p.PageLSN() >= lsn {
		p.Latch.Unlock()
		rs.pool.UnpinPage(p, false, 0)
		return false, nil
	}
	if len(after) == 0 {
		rs.clearSlot(p.Data(), offset)
	} else {
		rs.writeSlot(p.Data(), offset, after)
	}
	blocks.SetPageLSN(p.Data(), lsn)
	p.Latch.Unlock()
	rs.pool.UnpinPage(p, true, lsn)
	return true, nil
}

// ScanRowIDs 遍历表中页面上存在的所有行ID，按行序
func (rs *RowStore) ScanRowIDs(tableID uint64, fn func(rowID basic.RowID) bool) error {
	if err := rs.EnsureTable(tableID); err != nil {
		return err
	}
	space := basic.SpaceID(tableID)
	sf, err := rs.store.OpenSpace(space)
	if err != nil {
		return err
	}
	count := sf.PageCount()

	for pageNo := basic.PageNo(1); uint32(pageNo) < count; pageNo++ {
		p, err := rs.pool.FetchPage(basic.MakePageID(space, pageNo))
		if err != nil {
			return err
		}
		p.Latch.RLock()
		data := p.Data()
		base := uint64(pageNo-1) * rs.perPage
		for slot := uint64(0); slot < rs.perPage; slot++ {
			offset := blocks.PageDataOffset + int(slot)*rs.slotSize
			if data[offset] != slotFlagPresent {
				continue
			}
			if !fn(basic.RowID(base + slot)) {
				p.Latch.RUnlock()
				rs.pool.UnpinPage(p, false, 0)
				return nil
			}
		}
		p.Latch.RUnlock()
		rs.pool.UnpinPage(p, false, 0)
	}
	return nil
}

func (rs *RowStore) writeSlot(page []byte, offset int, value []byte) {
	page[offset] = slotFlagPresent
	page[offset+1] = byte(len(value) >> 8)
	page[offset+2] = byte(len(value))
	copy(page[offset+slotHeaderLen:], value)
}

func (rs *RowStore) clearSlot(page []byte, offset int) {
	for i := 0; i < rs.slotSize; i++ {
		page[offset+i] = 0
	}
}
