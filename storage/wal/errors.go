package wal

import "errors"

// 日志管理器错误
var (
	ErrBadRecord     = errors.New("malformed log record")
	ErrCorruptLog    = errors.New("log checksum mismatch")
	ErrTruncatedTail = errors.New("incomplete log record at end of file")
	ErrLogClosed     = errors.New("log manager closed")
	ErrFlushFailed   = errors.New("log flush failed, commits halted")
	ErrUnknownCodec  = errors.New("unknown log compression codec")
)
