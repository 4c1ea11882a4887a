package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum_KnownVector(t *testing.T) {
	// Standard CRC-32C check value.
	assert.Equal(t, uint32(0xE3069283), ComputeChecksum([]byte("123456789")))
	assert.Equal(t, uint32(0), ComputeChecksum(nil))
}

func TestComputeChecksum_Deterministic(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ComputeChecksum(tt.data), ComputeChecksum(tt.data))
		})
	}
}

func TestUpdateChecksum_MatchesOneShot(t *testing.T) {
	data := []byte("sector header followed by a payload of records")

	for split := 0; split <= len(data); split++ {
		crc := UpdateChecksum(0, data[:split])
		crc = UpdateChecksum(crc, data[split:])
		require.Equal(t, ComputeChecksum(data), crc, "split at %d", split)
	}

	assert.Equal(t, ComputeChecksum(data), ChecksumParts(data[:7], data[7:20], data[20:]))
}

func TestValidateChecksum_SingleBitFlip(t *testing.T) {
	data := []byte("test data for checksum validation")
	checksum := ComputeChecksum(data)
	require.True(t, ValidateChecksum(data, checksum))
	assert.False(t, ValidateChecksum(data, checksum+1))

	for i := 0; i < len(data)*8; i++ {
		corrupted := append([]byte{}, data...)
		corrupted[i/8] ^= 1 << (i % 8)
		assert.False(t, ValidateChecksum(corrupted, checksum), "bit %d flip not detected", i)
	}
}
