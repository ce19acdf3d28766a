package util

// Fixed-width big-endian conversions for the on-flash page layouts.
// Adapted from the teacher's buffer_writer.go UB4/UB8 helpers.

func ConvertUInt4Bytes(i uint32) []byte {
	return []byte{
		byte(i >> 24),
		byte(i >> 16),
		byte(i >> 8),
		byte(i),
	}
}

func ConvertUInt2Bytes(i uint16) []byte {
	return []byte{
		byte(i >> 8),
		byte(i),
	}
}

func ReadUB4Byte2UInt32(buf []byte) uint32 {
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}

func ReadUB2Byte2UInt16(buf []byte) uint16 {
	return uint16(buf[0])<<8 | uint16(buf[1])
}
