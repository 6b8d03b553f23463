package buffer_pool

import "errors"

// 缓冲池错误
var (
	ErrBufferPoolExhausted = errors.New("buffer pool exhausted: no evictable frame")
	ErrPageNotResident     = errors.New("page not resident in buffer pool")
	ErrShardUnavailable    = errors.New("buffer pool shard unavailable after write-back failure")
	ErrPoolClosed          = errors.New("buffer pool closed")
	ErrUnknownPolicy       = errors.New("unknown eviction policy")
)
