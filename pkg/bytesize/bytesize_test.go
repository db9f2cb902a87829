package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "1024", want: 1024},
		{in: "10B", want: 10},
		{in: "1KB", want: KB},
		{in: "256MB", want: 256 * MB},
		{in: "1.5 GB", want: GB + GB/2},
		{in: "2gi", want: 2 * GB},
		{in: " 1T ", want: TB},
		{in: "", wantErr: true},
		{in: "-1MB", wantErr: true},
		{in: "10XB", wantErr: true},
		{in: "MB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "1.50 MB", Format(MB+MB/2))
	assert.Equal(t, "256.00 MB", Format(256*MB))
	assert.Equal(t, "2.00 TB", Format(2*TB))
}

func TestSizeUnmarshal(t *testing.T) {
	var cfg struct {
		Limit Size `yaml:"limit"`
		Raw   Size `yaml:"raw"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("limit: 64MB\nraw: 2048\n"), &cfg))
	assert.Equal(t, 64*MB, cfg.Limit.Bytes())
	assert.Equal(t, int64(2048), cfg.Raw.Bytes())
	assert.Equal(t, "64.00 MB", cfg.Limit.String())

	err := yaml.Unmarshal([]byte("limit: lots\n"), &cfg)
	assert.ErrorContains(t, err, "line 1")

	var s Size
	require.NoError(t, s.UnmarshalText([]byte("1k")))
	assert.Equal(t, Size(KB), s)
}
