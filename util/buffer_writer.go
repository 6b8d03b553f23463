package util

// 大端序追加写工具，用于日志记录和页面的序列化。
// 所有持久化格式都依赖这里的字节序，不能更改。

func WriteByte(buff []byte, b byte) []byte {
	return append(buff, b)
}

func WriteUB2(buff []byte, v uint16) []byte {
	return append(buff, byte(v>>8), byte(v))
}

func WriteUB4(buff []byte, v uint32) []byte {
	return append(buff, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func WriteUB8(buff []byte, v uint64) []byte {
	return append(buff,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func WriteUB8Long(buff []byte, v int64) []byte {
	return WriteUB8(buff, uint64(v))
}

// WriteBytesWithLen 写入4字节长度前缀和内容
func WriteBytesWithLen(buff []byte, data []byte) []byte {
	buff = WriteUB4(buff, uint32(len(data)))
	return append(buff, data...)
}
