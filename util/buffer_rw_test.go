package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	buf := make([]byte, 0, 64)
	buf = WriteByte(buf, 0xAB)
	buf = WriteUB2(buf, 0xBEEF)
	buf = WriteUB4(buf, 0xDEADBEEF)
	buf = WriteUB8(buf, 0x0123456789ABCDEF)
	buf = WriteUB8Long(buf, -42)
	buf = WriteBytesWithLen(buf, []byte("payload"))
	buf = WriteBytesWithLen(buf, nil)

	cursor := 0
	var b byte
	var u2 uint16
	var u4 uint32
	var u8 uint64
	var i8 int64
	var data []byte
	var err error

	cursor, b, err = ReadByte(buf, cursor)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), b)

	cursor, u2, err = ReadUB2(buf, cursor)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), u2)

	cursor, u4, err = ReadUB4(buf, cursor)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u4)

	cursor, u8, err = ReadUB8(buf, cursor)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0123456789ABCDEF), u8)

	cursor, i8, err = ReadUB8Long(buf, cursor)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), i8)

	cursor, data, err = ReadBytesWithLen(buf, cursor)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	cursor, data, err = ReadBytesWithLen(buf, cursor)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, len(buf), cursor)
}

func TestBigEndianLayout(t *testing.T) {
	buf := WriteUB4(nil, 0x01020304)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf, "persistent format is big-endian")
}

func TestShortBuffer(t *testing.T) {
	short := []byte{0x01}

	_, _, err := ReadUB4(short, 0)
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, _, err = ReadUB8(short, 0)
	assert.ErrorIs(t, err, ErrShortBuffer)

	// 游标不因失败而移动
	cursor, _, err := ReadUB2(short, 0)
	assert.ErrorIs(t, err, ErrShortBuffer)
	assert.Equal(t, 0, cursor)

	t.Run("长度前缀越界", func(t *testing.T) {
		bad := WriteUB4(nil, 1000)
		_, _, err := ReadBytesWithLen(bad, 0)
		assert.ErrorIs(t, err, ErrShortBuffer)
	})
}

func TestChecksumStability(t *testing.T) {
	data := []byte("the quick brown fox")
	assert.Equal(t, Checksum64(data), Checksum64(data))
	assert.NotEqual(t, Checksum64(data), Checksum64([]byte("the quick brown foz")))
	assert.Equal(t, HashCode(data), Checksum64(data))
}

func TestHashUint64Spread(t *testing.T) {
	// 相邻键落到不同分片
	const shards = 16
	seen := make(map[uint64]bool)
	for i := uint64(0); i < 64; i++ {
		seen[HashUint64(i)%shards] = true
	}
	assert.Greater(t, len(seen), shards/2, "sequential keys should spread across shards")
}
