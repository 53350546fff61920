package wire

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

var ErrDecompressionFailed = errors.New("wire: decompression failed")

// lz4 writers and readers are pooled; the data path calls these per packet.
var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// MaybeCompress compresses payload with LZ4 when it helps. The second
// return value reports whether the result is compressed, feeding the
// FlagCompressed bit of the data frame. Incompressible payloads come back
// untouched.
func MaybeCompress(payload []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)
	_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))

	if _, err := w.Write(payload); err != nil {
		return payload, false
	}
	if err := w.Close(); err != nil {
		return payload, false
	}
	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}

// Decompress undoes MaybeCompress for frames carrying FlagCompressed.
// maxSize bounds the decompressed output since the input is untrusted.
func Decompress(data []byte, maxSize int) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, ErrDecompressionFailed
	}
	if n > int64(maxSize) {
		return nil, ErrDecompressionFailed
	}
	return buf.Bytes(), nil
}
