package mvcc

import (
	"sync"

	"github.com/google/btree"

	"github.com/zhoumingliang/innostore/storage/basic"
)

const rowIndexDegree = 32

// indexItem B树中的行标识，按(表,行)排序
type indexItem struct {
	key rowKey
}

func (a indexItem) Less(b btree.Item) bool {
	o := b.(indexItem)
	if a.key.table != o.key.table {
		return a.key.table < o.key.table
	}
	return a.key.row < o.key.row
}

// rowIndex 行有序索引，支撑按行序扫描。
// B树本身非并发安全，读写都在互斥锁内。
type rowIndex struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

func newRowIndex() *rowIndex {
	return &rowIndex{tree: btree.New(rowIndexDegree)}
}

func (idx *rowIndex) insert(k rowKey) {
	idx.mu.Lock()
	idx.tree.ReplaceOrInsert(indexItem{key: k})
	idx.mu.Unlock()
}

func (idx *rowIndex) remove(k rowKey) {
	idx.mu.Lock()
	idx.tree.Delete(indexItem{key: k})
	idx.mu.Unlock()
}

// ascendTable 按行序遍历指定表的行标识。
// 先在锁内收集快照，再在锁外回调，避免与链分片锁交叉。
func (idx *rowIndex) ascendTable(tableID uint64, fn func(k rowKey) bool) {
	idx.mu.RLock()
	keys := make([]rowKey, 0, 64)
	pivot := indexItem{key: rowKey{table: tableID, row: basic.RowID(0)}}
	idx.tree.AscendGreaterOrEqual(pivot, func(it btree.Item) bool {
		item := it.(indexItem)
		if item.key.table != tableID {
			return false
		}
		keys = append(keys, item.key)
		return true
	})
	idx.mu.RUnlock()

	for _, k := range keys {
		if !fn(k) {
			return
		}
	}
}
