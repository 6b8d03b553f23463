package blocks

import "errors"

// 页面存储错误
var (
	ErrCorruptPage      = errors.New("page checksum mismatch")
	ErrPageOutOfRange   = errors.New("page number out of range")
	ErrInvalidPageSize  = errors.New("invalid page size")
	ErrSpaceMismatch    = errors.New("space id mismatch")
	ErrSpaceNotFound    = errors.New("space not found")
	ErrSpaceExists      = errors.New("space already exists")
	ErrInvalidSpaceFile = errors.New("invalid space file")
	ErrPageNotAllocated = errors.New("page not allocated")
	ErrStoreClosed      = errors.New("page store closed")
)
