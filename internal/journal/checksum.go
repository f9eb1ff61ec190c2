package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌紀錄的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 演算法：
// - 將 Seq、JobID、From、To、Node、Timestamp 以 '|' 串接
// - 使用 CRC32-IEEE 多項式計算
func CalculateChecksum(e Entry) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.JobID))
	b.WriteByte('|')
	b.WriteString(string(e.From))
	b.WriteByte('|')
	b.WriteString(string(e.To))
	b.WriteByte('|')
	b.WriteString(e.Node)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證紀錄的校驗和是否正確
func VerifyChecksum(e Entry) bool {
	return e.Checksum == CalculateChecksum(e)
}
