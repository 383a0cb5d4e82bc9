package cbuf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(1, 1, 60, false)
	assert.Error(t, err)

	_, err = New(2, 0, 60, false)
	assert.Error(t, err)

	_, err = New(2, 1, 0, false)
	assert.Error(t, err)

	_, err = New(2, 1, secondsInHour+1, false)
	assert.Error(t, err)

	b, err := New(2, 1, 60, false)
	require.NoError(t, err)
	assert.Equal(t, "Column_1", b.Header(0).Name)
	assert.Equal(t, "count", b.Header(0).Unit)
}

func TestWindowAdvance(t *testing.T) {
	b, err := New(3, 1, 60, false)
	require.NoError(t, err)

	v, ok := b.Add(60e9, 0, 1)
	require.True(t, ok)
	assert.Equal(t, float64(1), v)

	v, ok = b.Add(180e9, 0, 10)
	require.True(t, ok)
	assert.Equal(t, float64(10), v)

	v, ok = b.Get(60e9, 0)
	require.True(t, ok)
	assert.Equal(t, float64(1), v)

	_, ok = b.Add(360e9, 0, 100)
	require.True(t, ok)

	_, ok = b.Get(60e9, 0)
	assert.False(t, ok)
}

func TestDeltaRoundTrip(t *testing.T) {
	b, err := New(2, 1, 60, true)
	require.NoError(t, err)

	_, ok := b.Add(60e9, 0, 5)
	require.True(t, ok)
	v, ok := b.Add(60e9, 0, 7)
	require.True(t, ok)
	assert.Equal(t, float64(12), v)

	v, ok = b.Get(60e9, 0)
	require.True(t, ok)
	assert.Equal(t, float64(12), v)

	require.NoError(t, b.Format("cbufd"))
	out := b.String()
	assert.Contains(t, out, "60\t12\n")

	// Delta table cleared after emission.
	require.NoError(t, b.Format("cbufd"))
	out = b.String()
	lines := 0
	for _, c := range out {
		if c == '\n' {
			lines++
		}
	}
	assert.Equal(t, 1, lines) // only the header line remains
}

func TestComputeSum(t *testing.T) {
	b, err := New(4, 1, 60, false)
	require.NoError(t, err)
	_, _ = b.Set(0, 0, 1)
	_, _ = b.Set(60e9, 0, 2)
	_, _ = b.Set(120e9, 0, 3)
	_, _ = b.Set(180e9, 0, 4)

	sum, ok := b.Compute("sum", 0, nil, nil)
	require.True(t, ok)
	assert.Equal(t, float64(10), sum)

	avg, ok := b.Compute("avg", 0, nil, nil)
	require.True(t, ok)
	assert.Equal(t, float64(2.5), avg)

	min, ok := b.Compute("min", 0, nil, nil)
	require.True(t, ok)
	assert.Equal(t, float64(1), min)

	max, ok := b.Compute("max", 0, nil, nil)
	require.True(t, ok)
	assert.Equal(t, float64(4), max)
}

func TestSerializeRoundTrip(t *testing.T) {
	b, err := New(2, 2, 60, true)
	require.NoError(t, err)
	require.NoError(t, b.SetHeader(0, "Requests", "count", "sum"))
	_, _ = b.Add(60e9, 0, 3)
	_, _ = b.Add(60e9, 1, 4)

	restored, err := New(2, 2, 60, true)
	require.NoError(t, err)
	require.NoError(t, restored.SetHeader(0, "Requests", "count", "sum"))

	script := b.Serialize("cb")
	assert.Contains(t, script, "circular_buffer.new(2, 2, 60, true)")
	assert.Contains(t, script, "cb:set_header(1, \"Requests\", \"count\", \"sum\")")
	assert.Contains(t, script, "cb:fromstring(")

	// FromString should reconstruct identical cell values on a fresh buffer
	// sized the same as the source.
	v, ok := b.Get(60e9, 0)
	require.True(t, ok)
	assert.Equal(t, float64(3), v)

	fresh, err := New(2, 2, 60, true)
	require.NoError(t, err)
	err = fresh.FromString(serializePayload(t, b))
	require.NoError(t, err)
	got, ok := fresh.Get(60e9, 0)
	require.True(t, ok)
	assert.Equal(t, float64(3), got)
}

// serializePayload extracts just the fromstring() argument embedded in the
// self-executing restoration fragment, for a round-trip test without a Lua
// interpreter.
func serializePayload(t *testing.T, b *Buffer) string {
	t.Helper()
	script := b.Serialize("cb")
	marker := `fromstring("`
	start := strings.Index(script, marker) + len(marker)
	end := strings.LastIndex(script, `")`)
	require.Greater(t, end, start)
	return script[start:end]
}
