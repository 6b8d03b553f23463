package util

import "errors"

// ErrShortBuffer 缓冲区长度不足
var ErrShortBuffer = errors.New("util: short buffer")

// 大端序游标式读取工具，与buffer_writer.go对称。

func ReadByte(buff []byte, cursor int) (int, byte, error) {
	if cursor+1 > len(buff) {
		return cursor, 0, ErrShortBuffer
	}
	return cursor + 1, buff[cursor], nil
}

func ReadUB2(buff []byte, cursor int) (int, uint16, error) {
	if cursor+2 > len(buff) {
		return cursor, 0, ErrShortBuffer
	}
	i := uint16(buff[cursor])<<8 | uint16(buff[cursor+1])
	return cursor + 2, i, nil
}

func ReadUB4(buff []byte, cursor int) (int, uint32, error) {
	if cursor+4 > len(buff) {
		return cursor, 0, ErrShortBuffer
	}
	i := uint32(buff[cursor])<<24 | uint32(buff[cursor+1])<<16 |
		uint32(buff[cursor+2])<<8 | uint32(buff[cursor+3])
	return cursor + 4, i, nil
}

func ReadUB8(buff []byte, cursor int) (int, uint64, error) {
	if cursor+8 > len(buff) {
		return cursor, 0, ErrShortBuffer
	}
	var i uint64
	for k := 0; k < 8; k++ {
		i = i<<8 | uint64(buff[cursor+k])
	}
	return cursor + 8, i, nil
}

func ReadUB8Long(buff []byte, cursor int) (int, int64, error) {
	cursor, v, err := ReadUB8(buff, cursor)
	return cursor, int64(v), err
}

func ReadBytes(buff []byte, cursor int, length int) (int, []byte, error) {
	if length < 0 || cursor+length > len(buff) {
		return cursor, nil, ErrShortBuffer
	}
	return cursor + length, buff[cursor : cursor+length], nil
}

// ReadBytesWithLen 读取4字节长度前缀和内容
func ReadBytesWithLen(buff []byte, cursor int) (int, []byte, error) {
	cursor, n, err := ReadUB4(buff, cursor)
	if err != nil {
		return cursor, nil, err
	}
	return ReadBytes(buff, cursor, int(n))
}
