package util

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashUint64 对64位整数键进行Hash，用于分片选择
func HashUint64(key uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], key)
	return HashCode(buf[:])
}

// Checksum64 计算页面或日志记录的校验和
func Checksum64(data []byte) uint64 {
	return xxhash.Checksum64(data)
}
