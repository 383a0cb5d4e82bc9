package protobuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jbli/lua-sandbox/sandbox/lua/obuf"
)

func obufNew(t *testing.T, limit uint) *obuf.Buffer {
	t.Helper()
	return obuf.New(limit)
}

func TestEncodeFixedFieldOrder(t *testing.T) {
	buf := obufNew(t, 4096)
	m := &Message{
		Uuid:       make([]byte, 16),
		Timestamp:  123,
		Type:       "logfile",
		Logger:     "tail",
		Severity:   6,
		Payload:    "hello",
		EnvVersion: "0.8",
		Pid:        42,
		Hostname:   "host1",
	}
	require.NoError(t, Encode(buf, m))

	b := buf.Bytes()
	num, typ, n := protowire.ConsumeTag(b)
	require.Greater(t, n, 0)
	assert.EqualValues(t, fieldUuid, num)
	assert.Equal(t, protowire.BytesType, typ)
}

func TestEncodeLongStringBackPatch(t *testing.T) {
	buf := obufNew(t, 1<<20)
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	m := &Message{
		Uuid:    make([]byte, 16),
		Payload: string(long),
	}
	require.NoError(t, Encode(buf, m))

	b := buf.Bytes()
	// Walk fields until we hit tag 6 (Payload) and confirm its decoded
	// length matches, proving the widened back-patch placed the right
	// multi-byte varint rather than truncating at one byte.
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.Greater(t, n, 0)
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			require.Greater(t, n, 0)
			if num == fieldPayload {
				assert.Equal(t, 300, len(val))
				return
			}
			b = b[n:]
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			require.Greater(t, n, 0)
			b = b[n:]
		}
	}
	t.Fatal("payload field not found")
}

func TestEncodeFieldRejectsMixedValueTypes(t *testing.T) {
	buf := obufNew(t, 4096)
	m := &Message{
		Uuid: make([]byte, 16),
		Fields: []Field{
			{Name: "bad", ValueString: []string{"x"}, ValueInteger: []int64{1}},
		},
	}
	assert.Error(t, Encode(buf, m))
}

func TestEncodeFieldAcceptsDoubles(t *testing.T) {
	buf := obufNew(t, 4096)
	m := &Message{
		Uuid: make([]byte, 16),
		Fields: []Field{
			{Name: "rate", ValueType: TypeDouble, ValueDouble: []float64{3.5, 7.25}},
		},
	}
	require.NoError(t, Encode(buf, m))
	assert.NotEmpty(t, buf.Bytes())
}
