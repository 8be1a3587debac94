package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"0", 0},
		{"64B", 64},
		{"64KB", 64 << 10},
		{"4Gi", 4 << 30},
		{"4 GiB", 4 << 30},
		{"1.5Mi", 3 << 19},
		{"2t", 2 << 40},
		{" 512mb ", 512 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "10XB", "1e9"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

func TestMustParsePanics(t *testing.T) {
	assert.Equal(t, uint64(1<<20), MustParse("1Mi"))
	assert.Panics(t, func() { MustParse("nope") })
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0", Format(0))
	assert.Equal(t, "1000", Format(1000))
	assert.Equal(t, "1Ki", Format(1024))
	assert.Equal(t, "1025", Format(1025))
	assert.Equal(t, "1536Ki", Format(3<<19))
	assert.Equal(t, "4Gi", Format(4<<30))
	assert.Equal(t, "3Ti", Format(3<<40))
}

func TestSizeYAML(t *testing.T) {
	var cfg struct {
		Capacity Size `yaml:"capacity"`
		Chunk    Size `yaml:"chunk"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("capacity: 4Gi\nchunk: 65536\n"), &cfg))
	assert.Equal(t, uint64(4<<30), cfg.Capacity.Bytes())
	assert.Equal(t, Size(64<<10), cfg.Chunk)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t, "capacity: 4Gi\nchunk: 64Ki\n", string(out))
}

func TestSizeYAMLErrors(t *testing.T) {
	var cfg struct {
		Capacity Size `yaml:"capacity"`
	}
	assert.Error(t, yaml.Unmarshal([]byte("capacity: lots\n"), &cfg))
	assert.Error(t, yaml.Unmarshal([]byte("capacity: [1, 2]\n"), &cfg))
}
