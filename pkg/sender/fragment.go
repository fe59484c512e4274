package sender

import (
	"Flute_demux/pkg/lct"
)

// Fragment 把对象切成 ALC 包，每个包都带 EXT_TOL，
// hdr 提供 TSI / TOI / codepoint，StartOffset 与 TotalLength 由这里填写
func Fragment(hdr lct.Header, data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultFragmentSize
	}
	total := uint32(len(data))
	hdr.TotalLength = &total

	if len(data) == 0 {
		hdr.StartOffset = 0
		return [][]byte{lct.AppendHeader(nil, &hdr)}
	}

	pkts := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		hdr.StartOffset = uint32(off)
		pkt := lct.AppendHeader(make([]byte, 0, 32+end-off), &hdr)
		pkts = append(pkts, append(pkt, data[off:end]...))
	}
	return pkts
}

// CloseSessionPacket 只含 LCT 头、置 A 位的包
func CloseSessionPacket(tsi, toi uint32) []byte {
	return lct.AppendHeader(nil, &lct.Header{Tsi: tsi, Toi: toi, CloseSession: true})
}
