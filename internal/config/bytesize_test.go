package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected ByteSize
		wantErr  bool
	}{
		{"bytes", "1024", 1024, false},
		{"kilobytes", "5KB", 5 * 1024, false},
		{"megabytes", "10MB", 10 * 1024 * 1024, false},
		{"gigabytes", "2GB", 2 * 1024 * 1024 * 1024, false},
		{"with space", "5 MB", 5 * 1024 * 1024, false},
		{"lowercase", "5mb", 5 * 1024 * 1024, false},
		{"iec suffix", "512KiB", 512 * 1024, false},
		{"float", "1.5MB", ByteSize(1.5 * 1024 * 1024), false},
		{"zero", "0", 0, false},
		{"invalid", "invalid", 0, true},
		{"unknown unit", "5parsecs", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size)
		})
	}
}

func TestByteSize_UnmarshalText(t *testing.T) {
	var b ByteSize
	err := b.UnmarshalText([]byte("4MB"))
	require.NoError(t, err)
	assert.Equal(t, 4*MB, b)
}

func TestByteSize_UnmarshalJSON(t *testing.T) {
	var b ByteSize
	require.NoError(t, json.Unmarshal([]byte(`"512KB"`), &b))
	assert.Equal(t, 512*KB, b)

	// Raw byte counts still work.
	require.NoError(t, json.Unmarshal([]byte(`524288`), &b))
	assert.Equal(t, ByteSize(524288), b)
}

func TestByteSize_String(t *testing.T) {
	assert.Equal(t, "4MB", (4 * MB).String())
	assert.Equal(t, "512KB", (512 * KB).String())
	assert.Equal(t, "1000", ByteSize(1000).String())
}
