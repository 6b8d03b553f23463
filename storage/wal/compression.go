package wal

import (
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// 压缩编解码，作用于日志记录payload。
// 编号写入记录头，持久化格式的一部分。
const (
	CODEC_NONE   uint8 = 0
	CODEC_SNAPPY uint8 = 1
	CODEC_LZ4    uint8 = 2
)

// ParseCodec 解析配置中的编解码名称
func ParseCodec(name string) (uint8, error) {
	switch name {
	case "", "none":
		return CODEC_NONE, nil
	case "snappy":
		return CODEC_SNAPPY, nil
	case "lz4":
		return CODEC_LZ4, nil
	default:
		return 0, ErrUnknownCodec
	}
}

// compressPayload 压缩payload，压缩无收益时退回不压缩
func compressPayload(codec uint8, payload []byte) (uint8, []byte) {
	if len(payload) == 0 {
		return CODEC_NONE, payload
	}
	switch codec {
	case CODEC_SNAPPY:
		out := snappy.Encode(nil, payload)
		if len(out) >= len(payload) {
			return CODEC_NONE, payload
		}
		return CODEC_SNAPPY, out
	case CODEC_LZ4:
		out := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, out, nil)
		if err != nil || n == 0 || n >= len(payload) {
			return CODEC_NONE, payload
		}
		return CODEC_LZ4, out[:n]
	default:
		return CODEC_NONE, payload
	}
}

// decompressPayload 解压payload
func decompressPayload(codec uint8, stored []byte, rawLen uint32) ([]byte, error) {
	switch codec {
	case CODEC_NONE:
		return stored, nil
	case CODEC_SNAPPY:
		out, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, ErrBadRecord
		}
		return out, nil
	case CODEC_LZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, ErrBadRecord
		}
		return out[:n], nil
	default:
		return nil, ErrUnknownCodec
	}
}
