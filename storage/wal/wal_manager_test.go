package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	jujuerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoumingliang/innostore/storage/basic"
)

func openTestWAL(t *testing.T, dir, compression string) *Manager {
	m, err := Open(&LogConfig{LogDir: dir, Compression: compression})
	require.NoError(t, err)
	return m
}

func updateRecord(trxID basic.TrxID, prev basic.LSN, before, after []byte) *LogRecord {
	return &LogRecord{
		PrevLSN: prev,
		TrxID:   trxID,
		Type:    LOG_RECORD_UPDATE,
		PageID:  basic.MakePageID(1, 2),
		RowID:   42,
		Payload: EncodeUpdatePayload(before, after),
	}
}

func TestAppendFlushReadBack(t *testing.T) {
	m := openTestWAL(t, t.TempDir(), "none")
	defer m.Close()

	lsn1, err := m.Append(&LogRecord{TrxID: 1, Type: LOG_RECORD_BEGIN})
	require.NoError(t, err)
	lsn2, err := m.Append(updateRecord(1, lsn1, []byte("old"), []byte("new")))
	require.NoError(t, err)
	lsn3, err := m.Append(&LogRecord{TrxID: 1, Type: LOG_RECORD_COMMIT, PrevLSN: lsn2})
	require.NoError(t, err)

	assert.Equal(t, basic.LSN(1), lsn1)
	assert.Equal(t, basic.LSN(3), lsn3)
	assert.Equal(t, basic.LSN(0), m.FlushedLSN(), "nothing flushed yet")

	require.NoError(t, m.Flush(lsn3))
	assert.Equal(t, lsn3, m.FlushedLSN())

	it, err := m.ReadFrom(1)
	require.NoError(t, err)
	defer it.Close()

	var types []LogRecordType
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, rec.Type)
		if rec.Type == LOG_RECORD_UPDATE {
			img, err := DecodeUpdatePayload(rec.Payload)
			require.NoError(t, err)
			assert.Equal(t, []byte("old"), img.Before)
			assert.Equal(t, []byte("new"), img.After)
			assert.Equal(t, basic.MakePageID(1, 2), rec.PageID)
			assert.Equal(t, basic.RowID(42), rec.RowID)
		}
	}
	assert.Equal(t, []LogRecordType{LOG_RECORD_BEGIN, LOG_RECORD_UPDATE, LOG_RECORD_COMMIT}, types)
}

func TestReadFromSkipsBelow(t *testing.T) {
	m := openTestWAL(t, t.TempDir(), "none")
	defer m.Close()

	for i := 0; i < 10; i++ {
		_, err := m.Append(updateRecord(1, 0, nil, []byte{byte(i)}))
		require.NoError(t, err)
	}
	require.NoError(t, m.Flush(m.AppendedLSN()))

	it, err := m.ReadFrom(7)
	require.NoError(t, err)
	defer it.Close()

	rec, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, basic.LSN(7), rec.LSN)
}

func TestLSNContinuesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	m := openTestWAL(t, dir, "none")
	for i := 0; i < 5; i++ {
		_, err := m.Append(&LogRecord{TrxID: basic.TrxID(i), Type: LOG_RECORD_BEGIN})
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	m2 := openTestWAL(t, dir, "none")
	defer m2.Close()
	assert.Equal(t, basic.LSN(5), m2.FlushedLSN())
	lsn, err := m2.Append(&LogRecord{TrxID: 6, Type: LOG_RECORD_BEGIN})
	require.NoError(t, err)
	assert.Equal(t, basic.LSN(6), lsn)
}

// writeTwoRecords 写两条记录并关闭，返回第一条的LSN和文件大小
func writeTwoRecords(t *testing.T, dir string) (basic.LSN, int64) {
	m := openTestWAL(t, dir, "none")
	good, err := m.Append(updateRecord(1, 0, nil, []byte("good")))
	require.NoError(t, err)
	_, err = m.Append(updateRecord(1, good, nil, []byte("bad")))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	info, err := os.Stat(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	return good, info.Size()
}

func TestTornTailTruncatedOnOpen(t *testing.T) {
	dir := t.TempDir()
	good, size := writeTwoRecords(t, dir)

	// 掐掉第二条记录的尾部，模拟写到一半掉电
	require.NoError(t, os.Truncate(filepath.Join(dir, logFileName), size-3))

	m2 := openTestWAL(t, dir, "none")
	defer m2.Close()

	assert.Equal(t, good, m2.FlushedLSN(), "incomplete tail record must be discarded")
	next, err := m2.Append(&LogRecord{TrxID: 2, Type: LOG_RECORD_BEGIN})
	require.NoError(t, err)
	assert.Equal(t, good+1, next, "LSN sequence restarts after the last good record")
}

func TestCorruptFrameFailsOpen(t *testing.T) {
	dir := t.TempDir()
	_, size := writeTwoRecords(t, dir)

	// 覆写第二条记录的校验和区域，帧仍然完整
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xDE, 0xAD}, size-4)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(&LogConfig{LogDir: dir, Compression: "none"})
	require.Error(t, err, "a damaged complete frame means committed work is lost")
	assert.Equal(t, ErrCorruptLog, jujuerrors.Cause(err))
}

func TestGroupCommitConcurrent(t *testing.T) {
	m := openTestWAL(t, t.TempDir(), "none")
	defer m.Close()

	const writers = 16
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				lsn, err := m.Append(updateRecord(basic.TrxID(id), 0, nil, []byte(fmt.Sprintf("w%d-%d", id, i))))
				assert.NoError(t, err)
				assert.NoError(t, m.Flush(lsn))
				assert.GreaterOrEqual(t, m.FlushedLSN(), lsn)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, basic.LSN(writers*perWriter), m.FlushedLSN())
	stats := m.GetStats()
	assert.Equal(t, uint64(writers*perWriter), stats.TotalRecords)
	assert.Less(t, stats.FlushCount, uint64(writers*perWriter),
		"group commit should merge concurrent flushes into fewer IOs")
	assert.Greater(t, stats.FlushLatency, time.Duration(0))

	// 读回验证LSN严格递增无空洞
	it, err := m.ReadFrom(1)
	require.NoError(t, err)
	defer it.Close()
	want := basic.LSN(1)
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, want, rec.LSN)
		want++
	}
	assert.Equal(t, basic.LSN(writers*perWriter+1), want)
}

func TestCompressionCodecs(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i / 64) // 高度可压缩
	}

	for _, name := range []string{"none", "snappy", "lz4"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			m := openTestWAL(t, dir, name)
			lsn, err := m.Append(updateRecord(1, 0, payload, payload))
			require.NoError(t, err)
			require.NoError(t, m.Flush(lsn))
			require.NoError(t, m.Close())

			m2 := openTestWAL(t, dir, name)
			defer m2.Close()
			it, err := m2.ReadFrom(1)
			require.NoError(t, err)
			defer it.Close()
			rec, err := it.Next()
			require.NoError(t, err)
			img, err := DecodeUpdatePayload(rec.Payload)
			require.NoError(t, err)
			assert.Equal(t, payload, img.Before)
			assert.Equal(t, payload, img.After)
		})
	}

	t.Run("未知编解码报错", func(t *testing.T) {
		_, err := Open(&LogConfig{LogDir: t.TempDir(), Compression: "zstd"})
		assert.Equal(t, ErrUnknownCodec, jujuerrors.Cause(err))
	})
}

func TestCheckpointAndReadFrom(t *testing.T) {
	dir := t.TempDir()
	m := openTestWAL(t, dir, "none")

	for i := 0; i < 20; i++ {
		_, err := m.Append(updateRecord(1, 0, nil, []byte{byte(i)}))
		require.NoError(t, err)
	}
	ckptLSN, err := m.Checkpoint(&CheckpointData{
		ActiveTxns: []ActiveTxnEntry{{TrxID: 1, FirstLSN: 1, LastLSN: 20}},
		DirtyPages: []DirtyPageEntry{{PageKey: basic.MakePageID(1, 2).Key(), RecLSN: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, basic.LSN(21), ckptLSN)
	assert.Equal(t, ckptLSN, m.CheckpointLSN())

	t.Run("从检查点之后读跳过前段", func(t *testing.T) {
		it, err := m.ReadFrom(ckptLSN)
		require.NoError(t, err)
		defer it.Close()
		rec, err := it.Next()
		require.NoError(t, err)
		assert.Equal(t, ckptLSN, rec.LSN)
		assert.Equal(t, LOG_RECORD_CHECKPOINT, rec.Type)

		data, err := DecodeCheckpointData(rec.Payload)
		require.NoError(t, err)
		require.Len(t, data.ActiveTxns, 1)
		assert.Equal(t, basic.TrxID(1), data.ActiveTxns[0].TrxID)
		require.Len(t, data.DirtyPages, 1)
		assert.Equal(t, basic.LSN(5), data.DirtyPages[0].RecLSN)
	})
	require.NoError(t, m.Close())

	t.Run("重新打开后检查点位置保留", func(t *testing.T) {
		m2 := openTestWAL(t, dir, "none")
		defer m2.Close()
		assert.Equal(t, ckptLSN, m2.CheckpointLSN())
	})
}

func TestReclaim(t *testing.T) {
	m := openTestWAL(t, t.TempDir(), "none")
	defer m.Close()

	for i := 0; i < 100; i++ {
		_, err := m.Append(updateRecord(basic.TrxID(i%4), 0, nil, []byte{byte(i)}))
		require.NoError(t, err)
	}
	require.NoError(t, m.Flush(m.AppendedLSN()))

	sizeBefore := m.GetStats().TotalBytes
	require.NoError(t, m.Reclaim(80))

	it, err := m.ReadFrom(1)
	require.NoError(t, err)
	defer it.Close()
	rec, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, basic.LSN(80), rec.LSN, "records below the reclaim point are gone")

	// 回收后还能继续追加
	lsn, err := m.Append(&LogRecord{TrxID: 9, Type: LOG_RECORD_BEGIN})
	require.NoError(t, err)
	assert.Equal(t, basic.LSN(101), lsn)
	require.NoError(t, m.Flush(lsn))
	_ = sizeBefore
}

func TestClosedManagerRejectsAppend(t *testing.T) {
	m := openTestWAL(t, t.TempDir(), "none")
	require.NoError(t, m.Close())
	_, err := m.Append(&LogRecord{TrxID: 1, Type: LOG_RECORD_BEGIN})
	assert.Equal(t, ErrLogClosed, jujuerrors.Cause(err))
}
