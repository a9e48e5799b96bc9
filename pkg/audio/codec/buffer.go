package codec

import (
	"errors"
	"io"
)

// writeSeekerBuffer is an in-memory io.WriteSeeker. The WAV encoder seeks back
// to patch chunk sizes on Close, which bytes.Buffer cannot do.
type writeSeekerBuffer struct {
	buf []byte
	pos int
}

func (b *writeSeekerBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.buf) {
		b.buf = append(b.buf, make([]byte, need-len(b.buf))...)
	}
	n := copy(b.buf[b.pos:], p)
	b.pos += n
	return n, nil
}

func (b *writeSeekerBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.pos) + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("codec: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("codec: negative position")
	}
	b.pos = int(abs)
	return abs, nil
}

func (b *writeSeekerBuffer) Bytes() []byte { return b.buf }
