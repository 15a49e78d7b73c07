package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimCRProcessor(t *testing.T) {
	p := &TrimCRProcessor{}
	result, err := p.Process([]string{"hello\r", "world", " keep spaces \r\r"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world", " keep spaces "}, result)
}

func TestProcessorChain(t *testing.T) {
	pc := NewProcessorChain()
	result, err := pc.Process([]string{"a\r\nb\r", "c"}, ProcessorTypeSplitLines, ProcessorTypeTrimCR)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, result)

	_, err = pc.Process([]string{"x"}, "missing")
	assert.Error(t, err)
}

func TestLineFilter(t *testing.T) {
	tests := []struct {
		name     string
		include  []string
		exclude  []string
		input    []string
		expected []string
	}{
		{
			name:     "no patterns",
			input:    []string{"one", "two\r"},
			expected: []string{"one", "two"},
		},
		{
			name:     "include only",
			include:  []string{"ERROR", "WARN"},
			input:    []string{"INFO start", "WARN disk", "ERROR boom"},
			expected: []string{"WARN disk", "ERROR boom"},
		},
		{
			name:     "exclude wins after include",
			include:  []string{"ERROR"},
			exclude:  []string{"healthz"},
			input:    []string{"ERROR /healthz", "ERROR /api"},
			expected: []string{"ERROR /api"},
		},
		{
			name:     "everything filtered",
			exclude:  []string{".*"},
			input:    []string{"a", "b"},
			expected: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewLineFilter(tt.include, tt.exclude)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, f.Apply(tt.input))
		})
	}
}

func TestLineFilterBadPattern(t *testing.T) {
	_, err := NewLineFilter([]string{"("}, nil)
	assert.Error(t, err)
}

func TestParseKeyValues(t *testing.T) {
	kv, err := ParseKeyValues([]string{"  code: 200\n  time_total: 0.120  \nnoise"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"code": "200", "time_total": "0.120"}, kv)

	_, err = ParseKeyValues([]string{": value", "x: y"})
	assert.Error(t, err)
}
