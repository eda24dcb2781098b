package xdom

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"tlog.app/go/errors"
)

type (
	// Codec compresses blocks of backup data.
	Codec interface {
		CodecName() string
		Encode(dst, src []byte) ([]byte, error)
		Decode(dst, src []byte) ([]byte, error)
	}

	NoCodec     struct{}
	SnappyCodec struct{}
	LZ4Codec    struct{}
)

var ErrUnknownCodec = errors.New("unknown codec")

var Codecs = map[string]Codec{}

func init() {
	for _, c := range []Codec{
		NoCodec{},
		SnappyCodec{},
		LZ4Codec{},
	} {
		Codecs[c.CodecName()] = c
	}
}

/*
	Block

	NN name[NN]          // codec name
	LL LL LL LL          // decoded size
	EE EE EE EE          // encoded size
	data[EE]
*/

// EncodeBlock appends src encoded with c in a self-describing block.
func EncodeBlock(dst []byte, c Codec, src []byte) ([]byte, error) {
	n := c.CodecName()
	if len(n) > 0xff {
		return dst, errors.New("too long codec name: %v", n)
	}

	dst = append(dst, byte(len(n)))
	dst = append(dst, n...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(src)))

	sz := len(dst)
	dst = append(dst, 0, 0, 0, 0)

	st := len(dst)

	dst, err := c.Encode(dst, src)
	if err != nil {
		return dst, errors.Wrap(err, "%v: encode", n)
	}

	binary.BigEndian.PutUint32(dst[sz:], uint32(len(dst)-st))

	return dst, nil
}

// ReadBlock reads and decodes one block. It returns io.EOF at a clean end.
func ReadBlock(r io.Reader, dst []byte) ([]byte, error) {
	var nl [1]byte

	_, err := io.ReadFull(r, nl[:])
	if err != nil {
		return dst, err
	}

	hdr := make([]byte, int(nl[0])+8)

	_, err = io.ReadFull(r, hdr)
	if err != nil {
		return dst, errors.Wrap(noEOF(err), "block header")
	}

	name := string(hdr[:nl[0]])

	c := Codecs[name]
	if c == nil {
		return dst, errors.Wrap(ErrUnknownCodec, "%q", name)
	}

	size := int(binary.BigEndian.Uint32(hdr[nl[0]:]))
	enc := make([]byte, binary.BigEndian.Uint32(hdr[nl[0]+4:]))

	_, err = io.ReadFull(r, enc)
	if err != nil {
		return dst, errors.Wrap(noEOF(err), "block data")
	}

	st := len(dst)

	dst, err = c.Decode(dst, enc)
	if err != nil {
		return dst, errors.Wrap(err, "%v: decode", name)
	}

	if len(dst)-st != size {
		return dst, errors.New("%v: decoded %d bytes, want %d", name, len(dst)-st, size)
	}

	return dst, nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}

	return err
}

func (NoCodec) CodecName() string { return "none" }

func (NoCodec) Encode(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }
func (NoCodec) Decode(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }

func (SnappyCodec) CodecName() string { return "snappy" }

func (SnappyCodec) Encode(dst, src []byte) ([]byte, error) {
	return append(dst, snappy.Encode(nil, src)...), nil
}

func (SnappyCodec) Decode(dst, src []byte) ([]byte, error) {
	d, err := snappy.Decode(nil, src)
	if err != nil {
		return dst, err
	}

	return append(dst, d...), nil
}

func (LZ4Codec) CodecName() string { return "lz4" }

func (LZ4Codec) Encode(dst, src []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)

	_, err := w.Write(src)
	if err != nil {
		return dst, err
	}

	err = w.Close()
	if err != nil {
		return dst, err
	}

	return append(dst, buf.Bytes()...), nil
}

func (LZ4Codec) Decode(dst, src []byte) ([]byte, error) {
	d, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	if err != nil {
		return dst, err
	}

	return append(dst, d...), nil
}
