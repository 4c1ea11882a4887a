package util

import "hash/crc32"

// Checksum utilities for sector and metadata integrity.
// Uses CRC32C (Castagnoli polynomial); the table selects the hardware
// implementation where the CPU has one.

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)
)

// ComputeChecksum computes the CRC32C of data in one shot.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// UpdateChecksum extends a running CRC32C with data.
// Start from 0; UpdateChecksum(UpdateChecksum(0, a), b) == ComputeChecksum(a ‖ b).
func UpdateChecksum(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32cTable, data)
}

// ChecksumParts computes the CRC32C over the concatenation of parts
// without copying them into one buffer.
func ChecksumParts(parts ...[]byte) uint32 {
	var crc uint32
	for _, p := range parts {
		crc = UpdateChecksum(crc, p)
	}
	return crc
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
