package mvcc

import "errors"

// 版本存储错误
var (
	ErrKeyNotFound          = errors.New("no visible version for row")
	ErrWriteConflict        = errors.New("row has pending modification by another transaction")
	ErrSerializationFailure = errors.New("serialization failure, transaction must retry")
	ErrStoreClosed          = errors.New("version store closed")
)
