package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotFiles(t *testing.T) {
	t.Parallel()

	for _, compress := range []bool{false, true} {
		name := "Plain"
		if compress {
			name = "Compressed"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			require.NoError(t, WriteSnapshot(&buf, sampleSnapshot(), compress))
			assert.Equal(t, compress, bytes.HasPrefix(buf.Bytes(), zstdMagic))

			got, err := ReadSnapshot(&buf)
			require.NoError(t, err)
			assert.Equal(t, sampleSnapshot(), got)
		})
	}

	t.Run("Garbage", func(t *testing.T) {
		t.Parallel()
		_, err := ReadSnapshot(bytes.NewReader([]byte("not json")))
		assert.Error(t, err)
	})
}

func TestCodec(t *testing.T) {
	t.Parallel()

	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	data, err := c.marshal(sampleSnapshot().Nodes[0])
	require.NoError(t, err)

	var got = sampleSnapshot().Nodes[1]
	require.NoError(t, c.unmarshal(data, &got))
	assert.Equal(t, "loc", got.ID)

	assert.Error(t, c.unmarshal([]byte("plain"), &got))
}
