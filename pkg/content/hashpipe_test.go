package content

import (
	"bytes"
	"compress/zlib"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// deflate compresses plaintext the way clients do on the wire.
func deflate(t *testing.T, plaintext []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHashPipelineComputesDigests(t *testing.T) {
	plaintext := bytes.Repeat([]byte("filerift hash pipeline test data\n"), 4096)
	deflated := deflate(t, plaintext)

	p := NewHashPipeline()
	// Feed in uneven chunks to exercise partial-frame decompression.
	for len(deflated) > 0 {
		n := 1000
		if n > len(deflated) {
			n = len(deflated)
		}
		require.NoError(t, p.AddData(deflated[:n]))
		deflated = deflated[n:]
	}
	require.NoError(t, p.Finish())

	snap := p.Snapshot()
	assert.Equal(t, ComputeContentHash(plaintext), snap.ContentHash)
	assert.Equal(t, ComputeMagicHash(plaintext), snap.MagicHash)
	assert.Equal(t, crc32.ChecksumIEEE(plaintext), snap.CRC32)
	assert.Equal(t, uint64(len(plaintext)), snap.InflatedSize)
	assert.Equal(t, uint64(len(deflate(t, plaintext))), snap.DeflatedSize)
}

func TestHashPipelineEmptyPlaintext(t *testing.T) {
	p := NewHashPipeline()
	require.NoError(t, p.AddData(deflate(t, nil)))
	require.NoError(t, p.Finish())

	snap := p.Snapshot()
	assert.Equal(t, EmptyFileHash, snap.ContentHash)
	assert.Equal(t, uint64(0), snap.InflatedSize)
	assert.Equal(t, uint32(0), snap.CRC32)
}

func TestHashPipelineBadDeflate(t *testing.T) {
	p := NewHashPipeline()

	err := p.AddData([]byte("this is not a zlib stream at all"))
	if err == nil {
		err = p.Finish()
	}
	require.Error(t, err)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrUploadCorrupt))
}

func TestHashPipelineTrailingGarbage(t *testing.T) {
	p := NewHashPipeline()
	require.NoError(t, p.AddData(deflate(t, []byte("payload"))))

	// Bytes after the end of the deflate stream are corruption, even if
	// the stream itself decoded cleanly.
	err := p.AddData([]byte("trailing"))
	if err == nil {
		err = p.Finish()
	}
	require.Error(t, err)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrUploadCorrupt))
}

func TestHashPipelineFinishIdempotent(t *testing.T) {
	p := NewHashPipeline()
	require.NoError(t, p.AddData(deflate(t, []byte("x"))))
	require.NoError(t, p.Finish())
	require.NoError(t, p.Finish())
}

func TestHashPipelineAbort(t *testing.T) {
	p := NewHashPipeline()
	require.NoError(t, p.AddData(deflate(t, []byte("abandoned"))[:4]))
	// Abort must not hang even with the deflate stream incomplete.
	p.Abort()
}

func TestComputeContentHashFormat(t *testing.T) {
	h := ComputeContentHash([]byte("hello"))
	assert.Len(t, h, len(ContentHashPrefix)+40)
	assert.Contains(t, h, ContentHashPrefix)
	assert.NotEqual(t, h, ComputeMagicHash([]byte("hello")))
}
