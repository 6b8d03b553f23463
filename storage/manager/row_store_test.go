package manager

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/blocks"
	"github.com/zhoumingliang/innostore/storage/buffer_pool"
)

func newTestRowStore(t *testing.T) *RowStore {
	cfg := testCfg(t)
	require.NoError(t, cfg.EnsureDirs())
	store := blocks.NewFileStore(cfg.ResolvedDataDir(), uint32(cfg.PageSize))
	pool, err := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		PoolPages:       64,
		ShardCount:      4,
		StorageProvider: store,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Close()
		store.Close()
	})
	return NewRowStore(pool, store, cfg.RowSlotSize)
}

func TestRowSlotRoundTrip(t *testing.T) {
	rs := newTestRowStore(t)

	require.NoError(t, rs.WriteRow(1, 1, 5, []byte("hello row")))

	data, exists, err := rs.ReadRow(1, 5)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []byte("hello row"), data)

	t.Run("未写入的行不存在", func(t *testing.T) {
		_, exists, err := rs.ReadRow(1, 6)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("未扩展的页面范围不报错", func(t *testing.T) {
		_, exists, err := rs.ReadRow(1, 1_000_000)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	require.NoError(t, rs.DeleteRow(2, 1, 5))
	_, exists, err = rs.ReadRow(1, 5)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRowTooLarge(t *testing.T) {
	rs := newTestRowStore(t)
	err := rs.WriteRow(1, 1, 1, bytes.Repeat([]byte{0xAA}, rs.MaxRowSize()+1))
	assert.ErrorIs(t, err, ErrRowTooLarge)

	// 恰好最大长度可以写入
	max := bytes.Repeat([]byte{0xBB}, rs.MaxRowSize())
	require.NoError(t, rs.WriteRow(1, 1, 1, max))
	data, exists, err := rs.ReadRow(1, 1)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, max, data)
}

func TestRowsSpanPages(t *testing.T) {
	rs := newTestRowStore(t)

	// 跨越多个页面的行号
	ids := []basic.RowID{0, 1, basic.RowID(rs.perPage - 1), basic.RowID(rs.perPage), basic.RowID(3*rs.perPage + 2)}
	for i, rowID := range ids {
		require.NoError(t, rs.WriteRow(basic.LSN(i+1), 2, rowID, rowValue(rowID)))
	}

	pageFirst, _ := rs.Locate(2, 0)
	pageSecond, _ := rs.Locate(2, basic.RowID(rs.perPage))
	assert.NotEqual(t, pageFirst.PageNo, pageSecond.PageNo)

	for _, rowID := range ids {
		data, exists, err := rs.ReadRow(2, rowID)
		require.NoError(t, err)
		require.True(t, exists, "row %d", rowID)
		assert.Equal(t, rowValue(rowID), data)
	}

	var got []basic.RowID
	require.NoError(t, rs.ScanRowIDs(2, func(rowID basic.RowID) bool {
		got = append(got, rowID)
		return true
	}))
	assert.Equal(t, ids, got, "scan yields row ids in order")
}

func TestApplyImageGatedByPageLSN(t *testing.T) {
	rs := newTestRowStore(t)

	require.NoError(t, rs.WriteRow(10, 1, 1, []byte("v10")))

	t.Run("落后的镜像不应用", func(t *testing.T) {
		applied, err := rs.ApplyImage(5, 1, 1, []byte("v5"))
		require.NoError(t, err)
		assert.False(t, applied)
		data, _, err := rs.ReadRow(1, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("v10"), data)
	})

	t.Run("领先的镜像应用并推进页面LSN", func(t *testing.T) {
		applied, err := rs.ApplyImage(20, 1, 1, []byte("v20"))
		require.NoError(t, err)
		assert.True(t, applied)
		data, _, err := rs.ReadRow(1, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("v20"), data)

		// 同一LSN重放是幂等的
		applied, err = rs.ApplyImage(20, 1, 1, []byte("v20"))
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("空镜像表示删除", func(t *testing.T) {
		applied, err := rs.ApplyImage(30, 1, 1, nil)
		require.NoError(t, err)
		assert.True(t, applied)
		_, exists, err := rs.ReadRow(1, 1)
		require.NoError(t, err)
		assert.False(t, exists)
	})
}
