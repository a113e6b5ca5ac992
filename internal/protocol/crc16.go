package protocol

import (
	"encoding/hex"
	"fmt"
)

// CRC16 computes CRC-16/Modbus over data: polynomial 0xA001 (reflected
// 0x8005), seed 0xFFFF, right-shift convention.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC decodes the hex instruction, appends the Modbus CRC low byte
// first then high byte, and returns the full hex string. Malformed hex is
// reported rather than silently truncated.
func appendCRC(hexStr string) (string, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", fmt.Errorf("decode instruction %q: %w", hexStr, err)
	}
	crc := CRC16(raw)
	return fmt.Sprintf("%s%02x%02x", hexStr, crc&0xff, crc>>8), nil
}
