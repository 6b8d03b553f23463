package wal

import (
	"io"
	"os"

	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/util"
)

// Iterator 前向日志迭代器。恢复流程和复制消费者使用。
// 文件在一帧中间结束(写入被掐断)返回ErrTruncatedTail，可以安全截断；
// 完整帧校验失败返回ErrCorruptLog，意味着已落盘的记录受损。
// LastGoodOffset给出最后一个完整帧的结束偏移，供调用方决定截断点。
type Iterator struct {
	file      *os.File
	offset    int64
	lastGood  int64
	limit     int64 // -1表示读到文件尾
	skipBelow basic.LSN
	done      bool
}

// Next 返回下一条记录，读完返回io.EOF
func (it *Iterator) Next() (*LogRecord, error) {
	for {
		rec, err := it.next()
		if err != nil {
			return nil, err
		}
		if rec.LSN < it.skipBelow {
			continue
		}
		return rec, nil
	}
}

func (it *Iterator) next() (*LogRecord, error) {
	if it.done {
		return nil, io.EOF
	}
	if it.limit >= 0 && it.offset >= it.limit {
		it.done = true
		return nil, io.EOF
	}

	var lenBuf [frameLenSize]byte
	_, err := io.ReadFull(it.file, lenBuf[:])
	if err == io.EOF {
		it.done = true
		return nil, io.EOF
	}
	if err != nil {
		it.done = true
		if err == io.ErrUnexpectedEOF {
			// 长度前缀只写了一半，典型的掉电掐断
			return nil, ErrTruncatedTail
		}
		return nil, err
	}
	_, frameLen, _ := util.ReadUB4(lenBuf[:], 0)
	if frameLen < recordHeaderLen+checksumLen || frameLen > 1<<30 {
		it.done = true
		return nil, ErrCorruptLog
	}
	if it.limit >= 0 && it.offset+int64(frameLenSize)+int64(frameLen) > it.limit {
		it.done = true
		return nil, ErrTruncatedTail
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(it.file, frame); err != nil {
		it.done = true
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedTail
		}
		return nil, err
	}

	rec, err := decodeRecord(frame)
	if err != nil {
		it.done = true
		return nil, err
	}

	it.offset += int64(frameLenSize) + int64(frameLen)
	it.lastGood = it.offset
	return rec, nil
}

// LastGoodOffset 最后一个完整帧的结束偏移
func (it *Iterator) LastGoodOffset() int64 {
	return it.lastGood
}

// Close 关闭迭代器
func (it *Iterator) Close() error {
	return it.file.Close()
}
