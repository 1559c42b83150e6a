package util

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum and record framing helpers shared by the spill files and the
// replication frames. All checksums are CRC32 (IEEE), little endian.

const (
	// ChecksumSize is the length of an encoded checksum
	ChecksumSize = 4
	// RecordHeaderSize is the length of a record header: [size u32][crc u32]
	RecordHeaderSize = 8
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum returns data followed by its 4-byte checksum
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data)+ChecksumSize)
	copy(result, data)
	binary.LittleEndian.PutUint32(result[len(data):], ComputeChecksum(data))
	return result
}

// ValidateAndStripChecksum splits [data][checksum] and reports whether the
// checksum matches
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, bool) {
	if len(dataWithChecksum) < ChecksumSize {
		return nil, false
	}
	dataLen := len(dataWithChecksum) - ChecksumSize
	data := dataWithChecksum[:dataLen]
	expected := binary.LittleEndian.Uint32(dataWithChecksum[dataLen:])
	return data, ValidateChecksum(data, expected)
}

// EncodeRecord frames a payload as [size u32][crc u32][payload]
func EncodeRecord(payload []byte) []byte {
	record := make([]byte, RecordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(record[4:8], ComputeChecksum(payload))
	copy(record[RecordHeaderSize:], payload)
	return record
}

// DecodeRecordHeader returns the payload size and checksum of a record header
func DecodeRecordHeader(header []byte) (size uint32, checksum uint32, ok bool) {
	if len(header) < RecordHeaderSize {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(header[0:4]), binary.LittleEndian.Uint32(header[4:8]), true
}
