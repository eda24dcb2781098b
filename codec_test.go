package xdom

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecBlocks(t *testing.T) {
	src := bytes.Repeat([]byte("page data with some repetition "), 300)

	for name, c := range Codecs {
		t.Run(name, func(t *testing.T) {
			var buf []byte
			var err error

			for i := 0; i < 3; i++ {
				buf, err = EncodeBlock(buf, c, src[:len(src)-i*100])
				require.NoError(t, err)
			}

			buf, err = EncodeBlock(buf, c, nil)
			require.NoError(t, err)

			if name != "none" {
				assert.Less(t, len(buf), len(src), "not compressed")
			}

			r := bytes.NewReader(buf)

			for i := 0; i < 3; i++ {
				got, err := ReadBlock(r, nil)
				require.NoError(t, err)
				assert.Equal(t, src[:len(src)-i*100], got)
			}

			got, err := ReadBlock(r, []byte("prefix"))
			require.NoError(t, err)
			assert.Equal(t, "prefix", string(got))

			_, err = ReadBlock(r, nil)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestCodecBlockErrors(t *testing.T) {
	buf, err := EncodeBlock(nil, SnappyCodec{}, []byte("some data to encode"))
	require.NoError(t, err)

	_, err = ReadBlock(bytes.NewReader(buf[:len(buf)-2]), nil)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	bad := append([]byte{}, buf...)
	bad[1] = 'X'

	_, err = ReadBlock(bytes.NewReader(bad), nil)
	assert.ErrorIs(t, err, ErrUnknownCodec)

	bad = append([]byte{}, buf...)
	bad[len("snappy")+4]++ // decoded size

	_, err = ReadBlock(bytes.NewReader(bad), nil)
	assert.Error(t, err)
}
