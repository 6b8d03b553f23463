package wal

import (
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/util"
)

// 日志记录磁盘格式（持久化格式，不能更改）：
//
//	frameLen  uint32  后续字节数(头+payload+校验和)
//	LSN       uint64
//	PrevLSN   uint64
//	TrxID     int64
//	Type      byte
//	Codec     byte    payload压缩编解码
//	PageKey   uint64  space<<32|pageNo
//	RowID     uint64
//	RawLen    uint32  payload未压缩长度
//	StoredLen uint32  payload存储长度
//	Payload   [StoredLen]byte
//	Checksum  uint64  LSN..Payload末尾的xxhash64
const (
	frameLenSize    = 4
	recordHeaderLen = 8 + 8 + 8 + 1 + 1 + 8 + 8 + 4 + 4
	checksumLen     = 8
)

// encodeRecord 编码一条日志记录为完整帧
func encodeRecord(rec *LogRecord, codec uint8) []byte {
	usedCodec, stored := compressPayload(codec, rec.Payload)

	frameLen := recordHeaderLen + len(stored) + checksumLen
	buf := make([]byte, 0, frameLenSize+frameLen)
	buf = util.WriteUB4(buf, uint32(frameLen))
	buf = util.WriteUB8(buf, uint64(rec.LSN))
	buf = util.WriteUB8(buf, uint64(rec.PrevLSN))
	buf = util.WriteUB8Long(buf, int64(rec.TrxID))
	buf = util.WriteByte(buf, byte(rec.Type))
	buf = util.WriteByte(buf, usedCodec)
	buf = util.WriteUB8(buf, rec.PageID.Key())
	buf = util.WriteUB8(buf, uint64(rec.RowID))
	buf = util.WriteUB4(buf, uint32(len(rec.Payload)))
	buf = util.WriteUB4(buf, uint32(len(stored)))
	buf = append(buf, stored...)

	sum := util.Checksum64(buf[frameLenSize:])
	buf = util.WriteUB8(buf, sum)
	return buf
}

// decodeRecord 解码一帧(不含frameLen前缀)，校验失败返回ErrCorruptLog
func decodeRecord(frame []byte) (*LogRecord, error) {
	if len(frame) < recordHeaderLen+checksumLen {
		return nil, ErrCorruptLog
	}

	body := frame[:len(frame)-checksumLen]
	_, stored, err := util.ReadUB8(frame, len(frame)-checksumLen)
	if err != nil || stored != util.Checksum64(body) {
		return nil, ErrCorruptLog
	}

	rec := &LogRecord{}
	cursor := 0
	var v uint64
	var trxID int64
	var b byte

	cursor, v, _ = util.ReadUB8(body, cursor)
	rec.LSN = basic.LSN(v)
	cursor, v, _ = util.ReadUB8(body, cursor)
	rec.PrevLSN = basic.LSN(v)
	cursor, trxID, _ = util.ReadUB8Long(body, cursor)
	rec.TrxID = basic.TrxID(trxID)
	cursor, b, _ = util.ReadByte(body, cursor)
	rec.Type = LogRecordType(b)
	var codec byte
	cursor, codec, _ = util.ReadByte(body, cursor)
	cursor, v, _ = util.ReadUB8(body, cursor)
	rec.PageID = basic.PageIDFromKey(v)
	cursor, v, _ = util.ReadUB8(body, cursor)
	rec.RowID = basic.RowID(v)

	var rawLen, storedLen uint32
	cursor, rawLen, _ = util.ReadUB4(body, cursor)
	cursor, storedLen, err = util.ReadUB4(body, cursor)
	if err != nil || cursor+int(storedLen) != len(body) {
		return nil, ErrCorruptLog
	}

	payload, err := decompressPayload(codec, body[cursor:], rawLen)
	if err != nil {
		return nil, ErrCorruptLog
	}
	if uint32(len(payload)) != rawLen {
		return nil, ErrCorruptLog
	}
	rec.Payload = payload

	if rec.Type < LOG_RECORD_BEGIN || rec.Type > LOG_RECORD_CHECKPOINT {
		return nil, ErrCorruptLog
	}
	return rec, nil
}
