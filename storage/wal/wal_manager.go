package wal

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/zhoumingliang/innostore/logger"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/util"
)

const (
	logFileName        = "wal.log"
	checkpointFileName = "wal_checkpoint"
)

// Manager 重做日志管理器。
// 追加串行化，刷盘合并(组提交)：并发的Flush请求由一个leader合并为一次IO。
// 刷盘失败是致命错误，此后所有提交被拒绝。
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	dir   string
	path  string
	file  *os.File
	codec uint8

	nextLSN     basic.LSN // 下一个要分配的LSN
	appendedLSN basic.LSN // 最后一条已追加记录的LSN
	flushedLSN  uint64    // 已刷盘LSN(atomic)

	pending  []byte // 已追加未刷盘的编码帧
	fileSize int64  // 已写入文件的字节数

	flushing bool  // 当前是否有leader在刷盘
	flushErr error // 致命刷盘错误，一旦置位不再清除

	lastCheckpointLSN    basic.LSN
	lastCheckpointOffset int64

	stats struct {
		totalRecords      uint64
		totalBytes        uint64
		flushCount        uint64
		groupedFlushes    uint64
		flushLatencyNanos int64 // 最近一次刷盘耗时
	}

	flushInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
	closed        bool
}

// Open 打开或创建日志
func Open(config *LogConfig) (*Manager, error) {
	codec, err := ParseCodec(config.Compression)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, errors.Annotate(err, "create log dir")
	}

	path := filepath.Join(config.LogDir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "open log file %s", path)
	}

	m := &Manager{
		dir:           config.LogDir,
		path:          path,
		file:          file,
		codec:         codec,
		nextLSN:       1,
		flushInterval: config.FlushInterval,
		stopChan:      make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)

	m.loadCheckpointFile()

	if err := m.scanTail(); err != nil {
		file.Close()
		return nil, err
	}

	if m.flushInterval > 0 {
		m.wg.Add(1)
		go m.backgroundFlush()
	}

	logger.Infof("wal opened: next_lsn=%d flushed_lsn=%d checkpoint_lsn=%d",
		m.nextLSN, atomic.LoadUint64(&m.flushedLSN), m.lastCheckpointLSN)
	return m, nil
}

// loadCheckpointFile 读取检查点侧文件，失败时从头扫描
func (m *Manager) loadCheckpointFile() {
	data, err := os.ReadFile(filepath.Join(m.dir, checkpointFileName))
	if err != nil {
		return
	}
	if len(data) != 24 {
		logger.Warnf("checkpoint file has unexpected size %d, ignoring", len(data))
		return
	}
	body := data[:16]
	_, sum, _ := util.ReadUB8(data, 16)
	if sum != util.Checksum64(body) {
		logger.Warnf("checkpoint file checksum mismatch, ignoring")
		return
	}
	_, lsn, _ := util.ReadUB8(body, 0)
	_, off, _ := util.ReadUB8(body, 8)
	m.lastCheckpointLSN = basic.LSN(lsn)
	m.lastCheckpointOffset = int64(off)
}

// scanTail 从最近检查点扫描到文件尾，确定nextLSN并截断残缺尾部
func (m *Manager) scanTail() error {
	info, err := m.file.Stat()
	if err != nil {
		return errors.Trace(err)
	}
	size := info.Size()

	start := m.lastCheckpointOffset
	if start > size {
		start = 0
	}

	it, err := m.readFromOffset(start)
	if err != nil {
		return err
	}
	defer it.Close()

	lastLSN := basic.LSN(0)
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if errors.Cause(err) == ErrTruncatedTail {
			// 最后一帧没写完整，崩溃后属于正常情况，截断即可
			logger.Warnf("truncating incomplete wal tail at offset %d", it.LastGoodOffset())
			break
		}
		if err != nil {
			// 完整帧损坏意味着已落盘的记录受损，不能静默丢弃
			return errors.Annotatef(err, "wal corrupt at offset %d", it.LastGoodOffset())
		}
		lastLSN = rec.LSN
	}

	good := it.LastGoodOffset()
	if good < size {
		if err := m.file.Truncate(good); err != nil {
			return errors.Annotate(err, "truncate wal tail")
		}
	}
	m.fileSize = good
	if lastLSN > 0 {
		m.nextLSN = lastLSN + 1
		m.appendedLSN = lastLSN
		atomic.StoreUint64(&m.flushedLSN, uint64(lastLSN))
	}
	return nil
}

// Append 追加一条日志记录，分配LSN。线程安全，追加严格按LSN次序。
func (m *Manager) Append(rec *LogRecord) (basic.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.Trace(ErrLogClosed)
	}
	if m.flushErr != nil {
		return 0, errors.Annotate(m.flushErr, "log append rejected")
	}

	rec.LSN = m.nextLSN
	m.nextLSN++
	m.appendedLSN = rec.LSN

	frame := encodeRecord(rec, m.codec)
	if rec.Type == LOG_RECORD_CHECKPOINT {
		m.lastCheckpointLSN = rec.LSN
		m.lastCheckpointOffset = m.fileSize + int64(len(m.pending))
	}
	m.pending = append(m.pending, frame...)

	atomic.AddUint64(&m.stats.totalRecords, 1)
	atomic.AddUint64(&m.stats.totalBytes, uint64(len(frame)))
	return rec.LSN, nil
}

// Flush 刷盘直到给定LSN(含)。并发请求合并为一次IO。
// 刷盘失败后管理器进入致命状态，所有后续追加与刷盘均失败。
func (m *Manager) Flush(upTo basic.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upTo > m.appendedLSN {
		upTo = m.appendedLSN
	}

	for basic.LSN(atomic.LoadUint64(&m.flushedLSN)) < upTo {
		if m.flushErr != nil {
			return errors.Trace(m.flushErr)
		}
		if m.closed {
			return errors.Trace(ErrLogClosed)
		}
		if m.flushing {
			// follower：等待leader完成
			atomic.AddUint64(&m.stats.groupedFlushes, 1)
			m.cond.Wait()
			continue
		}

		// leader：把当前积压一次性刷出
		m.flushing = true
		target := m.appendedLSN
		buf := m.pending
		m.pending = nil
		m.mu.Unlock()

		start := time.Now()
		err := m.writeAndSync(buf)

		m.mu.Lock()
		m.flushing = false
		if err != nil {
			// 持久性无法保证，进入致命状态
			m.flushErr = errors.Annotate(ErrFlushFailed, err.Error())
			logger.Errorf("wal flush failed, halting commits: %v", err)
		} else {
			m.fileSize += int64(len(buf))
			atomic.StoreUint64(&m.flushedLSN, uint64(target))
			atomic.AddUint64(&m.stats.flushCount, 1)
			atomic.StoreInt64(&m.stats.flushLatencyNanos, int64(time.Since(start)))
			logger.Debugf("wal flushed through lsn=%d (%d bytes, %v)", target, len(buf), time.Since(start))
		}
		m.cond.Broadcast()
	}
	return nil
}

func (m *Manager) writeAndSync(buf []byte) error {
	if len(buf) > 0 {
		if _, err := m.file.Write(buf); err != nil {
			return err
		}
	}
	return m.file.Sync()
}

// FlushedLSN 已持久化的最大LSN
func (m *Manager) FlushedLSN() basic.LSN {
	return basic.LSN(atomic.LoadUint64(&m.flushedLSN))
}

// AppendedLSN 最后一条已追加记录的LSN
func (m *Manager) AppendedLSN() basic.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendedLSN
}

// CheckpointLSN 最近一次检查点的LSN
func (m *Manager) CheckpointLSN() basic.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckpointLSN
}

// Checkpoint 写入检查点记录并刷盘，随后更新检查点侧文件。
// 检查点之前且早于最老活跃事务首记录的日志此后可被回收。
func (m *Manager) Checkpoint(data *CheckpointData) (basic.LSN, error) {
	rec := &LogRecord{
		Type:    LOG_RECORD_CHECKPOINT,
		Payload: data.Encode(),
	}
	lsn, err := m.Append(rec)
	if err != nil {
		return 0, err
	}
	if err := m.Flush(lsn); err != nil {
		return 0, err
	}

	m.mu.Lock()
	off := m.lastCheckpointOffset
	m.mu.Unlock()

	if err := m.writeCheckpointFile(lsn, off); err != nil {
		return 0, err
	}
	logger.Infof("checkpoint written at lsn=%d offset=%d (att=%d dpt=%d)",
		lsn, off, len(data.ActiveTxns), len(data.DirtyPages))
	return lsn, nil
}

func (m *Manager) writeCheckpointFile(lsn basic.LSN, offset int64) error {
	buf := make([]byte, 0, 24)
	buf = util.WriteUB8(buf, uint64(lsn))
	buf = util.WriteUB8(buf, uint64(offset))
	buf = util.WriteUB8(buf, util.Checksum64(buf))

	tmp := filepath.Join(m.dir, checkpointFileName+".tmp")
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return errors.Annotate(err, "write checkpoint file")
	}
	return errors.Trace(os.Rename(tmp, filepath.Join(m.dir, checkpointFileName)))
}

// ReadFrom 从给定LSN开始读取日志，返回可重启的前向迭代器。
// 只能看到已刷盘的记录。
func (m *Manager) ReadFrom(from basic.LSN) (*Iterator, error) {
	m.mu.Lock()
	start := int64(0)
	if m.lastCheckpointOffset > 0 && from >= m.lastCheckpointLSN {
		start = m.lastCheckpointOffset
	}
	limit := m.fileSize
	m.mu.Unlock()

	it, err := m.readFromOffset(start)
	if err != nil {
		return nil, err
	}
	it.limit = limit
	it.skipBelow = from
	return it, nil
}

func (m *Manager) readFromOffset(offset int64) (*Iterator, error) {
	file, err := os.Open(m.path)
	if err != nil {
		return nil, errors.Annotate(err, "open log for read")
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, errors.Trace(err)
	}
	return &Iterator{file: file, offset: offset, lastGood: offset, limit: -1}, nil
}

// Reclaim 物理回收早于给定LSN的日志。
// 调用方负责保证被回收区间不再被恢复或复制消费。
func (m *Manager) Reclaim(before basic.LSN) error {
	if err := m.Flush(m.AppendedLSN()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Trace(ErrLogClosed)
	}

	it, err := m.readFromOffset(0)
	if err != nil {
		return err
	}
	it.limit = m.fileSize

	tmpPath := m.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		it.Close()
		return errors.Trace(err)
	}

	var newSize int64
	var newCkptOffset int64 = -1
	for {
		rec, rerr := it.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			it.Close()
			tmp.Close()
			os.Remove(tmpPath)
			return errors.Trace(rerr)
		}
		if rec.LSN < before {
			continue
		}
		if rec.LSN == m.lastCheckpointLSN {
			newCkptOffset = newSize
		}
		frame := encodeRecord(rec, m.codec)
		// 重编码保持LSN不变
		if _, err := tmp.Write(frame); err != nil {
			it.Close()
			tmp.Close()
			os.Remove(tmpPath)
			return errors.Trace(err)
		}
		newSize += int64(len(frame))
	}
	it.Close()

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Trace(err)
	}
	tmp.Close()

	if err := m.file.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return errors.Trace(err)
	}
	file, err := os.OpenFile(m.path, os.O_RDWR, 0644)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return errors.Trace(err)
	}
	m.file = file
	m.fileSize = newSize
	if newCkptOffset >= 0 {
		m.lastCheckpointOffset = newCkptOffset
		if err := m.writeCheckpointFile(m.lastCheckpointLSN, newCkptOffset); err != nil {
			return err
		}
	}
	logger.Infof("wal reclaimed before lsn=%d, new size %d bytes", before, newSize)
	return nil
}

// TruncateTo 截断到给定物理偏移，恢复流程在发现日志损坏时调用
func (m *Manager) TruncateTo(offset int64, lastLSN basic.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.Trace(ErrLogClosed)
	}
	if err := m.file.Truncate(offset); err != nil {
		return errors.Annotate(err, "truncate log")
	}
	if _, err := m.file.Seek(0, io.SeekEnd); err != nil {
		return errors.Trace(err)
	}
	m.fileSize = offset
	m.pending = nil
	m.nextLSN = lastLSN + 1
	m.appendedLSN = lastLSN
	atomic.StoreUint64(&m.flushedLSN, uint64(lastLSN))
	logger.Warnf("wal truncated to offset %d, last_lsn=%d", offset, lastLSN)
	return nil
}

// GetStats 日志统计
func (m *Manager) GetStats() LogStats {
	return LogStats{
		TotalRecords:   atomic.LoadUint64(&m.stats.totalRecords),
		TotalBytes:     atomic.LoadUint64(&m.stats.totalBytes),
		FlushCount:     atomic.LoadUint64(&m.stats.flushCount),
		GroupedFlushes: atomic.LoadUint64(&m.stats.groupedFlushes),
		FlushLatency:   time.Duration(atomic.LoadInt64(&m.stats.flushLatencyNanos)),
	}
}

// backgroundFlush 后台定期刷盘
func (m *Manager) backgroundFlush() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Flush(m.AppendedLSN()); err != nil {
				return
			}
		case <-m.stopChan:
			return
		}
	}
}

// Close 关闭日志管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()

	flushErr := m.Flush(m.AppendedLSN())

	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	err := m.file.Close()
	m.mu.Unlock()

	if flushErr != nil {
		return flushErr
	}
	return errors.Trace(err)
}
