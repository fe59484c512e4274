package signaling

import (
	"Flute_demux/pkg/lct"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// MaxDecompressedSize 单个信令文档解压后的上限
const MaxDecompressedSize = 16 << 20

var ErrTooLarge = errors.New("signaling: decompressed payload too large")

// Decompressor 把 src 解压到 dst（调用方复用的暂存区），返回 dst 中的数据
type Decompressor func(dst *bytes.Buffer, src []byte) ([]byte, error)

var _ Decompressor = Decompress

// Decompress 按魔数识别 gzip / zlib，否则按原始 deflate 处理
func Decompress(dst *bytes.Buffer, src []byte) ([]byte, error) {
	dst.Reset()

	var r io.ReadCloser
	var err error
	switch {
	case len(src) >= 2 && src[0] == 0x1f && src[1] == 0x8b:
		r, err = gzip.NewReader(bytes.NewReader(src))
	case isZlib(src):
		r, err = zlib.NewReader(bytes.NewReader(src))
	default:
		r = flate.NewReader(bytes.NewReader(src))
	}
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer r.Close()

	n, err := dst.ReadFrom(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if n > MaxDecompressedSize {
		return nil, ErrTooLarge
	}
	return dst.Bytes(), nil
}

// isZlib RFC 1950 头：CM=8 且 CMF/FLG 校验为 31 的倍数
func isZlib(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

// Compress 按内容编码压缩，用于构造信令包与回放工具
func Compress(data []byte, cenc lct.Cenc) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch cenc {
	case lct.CencZlib:
		w = zlib.NewWriter(&buf)
	case lct.CencDeflate:
		w, err = flate.NewWriter(&buf, flate.DefaultCompression)
	case lct.CencGzip:
		w = gzip.NewWriter(&buf)
	case lct.CencNull:
		return nil, errors.New("compress: null content encoding")
	default:
		return nil, fmt.Errorf("compress: unsupported content encoding %d", cenc)
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
