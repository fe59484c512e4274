package signaling

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
)

var ErrEmptyBundle = errors.New("signaling: empty bundle")

// Kind 信令子文档类型
type Kind uint8

const (
	KindUnknown Kind = iota
	KindManifest
	KindSTSID
	KindUSBD
	KindEnvelope
)

func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindSTSID:
		return "s-tsid"
	case KindUSBD:
		return "usbd"
	case KindEnvelope:
		return "envelope"
	default:
		return "unknown"
	}
}

var contentTypes = map[string]Kind{
	"application/dash+xml":                          KindManifest,
	"application/route-s-tsid+xml":                  KindSTSID,
	"application/s-tsid":                            KindSTSID,
	"application/route-usd+xml":                     KindUSBD,
	"application/mbms-user-service-description+xml": KindUSBD,
	"application/mbms-envelope+xml":                 KindEnvelope,
}

var rootElements = map[string]Kind{
	"MPD":                    KindManifest,
	"S-TSID":                 KindSTSID,
	"BundleDescriptionROUTE": KindUSBD,
	"BundleDescription":      KindUSBD,
	"UserServiceDescription": KindUSBD,
	"metadataEnvelope":       KindEnvelope,
}

// Part 信令包中的一个子文档
type Part struct {
	ContentType     string
	ContentLocation string
	Body            []byte
}

// Kind 优先按 Content-Type 判断，缺失时按 XML 根元素判断
func (p Part) Kind() Kind {
	if p.ContentType != "" {
		mt, _, err := mime.ParseMediaType(p.ContentType)
		if err == nil {
			if k, ok := contentTypes[mt]; ok {
				return k
			}
		}
		return KindUnknown
	}
	return sniffKind(p.Body)
}

func sniffKind(body []byte) Kind {
	return rootElements[sniffRoot(body)]
}

// sniffRoot 返回 XML 根元素的本地名
func sniffRoot(body []byte) string {
	d := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local
		}
	}
}

// SplitBundle 拆分信令包。
// multipart/related（带头部或直接以 --boundary 开头）按边界拆分；
// 否则整个负载视为一个子文档，存在头部时读取头部。
func SplitBundle(payload []byte) ([]Part, error) {
	payload = bytes.TrimLeft(payload, " \t\r\n")
	if len(payload) == 0 {
		return nil, ErrEmptyBundle
	}

	if bytes.HasPrefix(payload, []byte("--")) {
		line, _, _ := bytes.Cut(payload, []byte("\n"))
		boundary := strings.TrimSpace(string(line[2:]))
		if boundary == "" {
			return nil, fmt.Errorf("signaling: empty multipart boundary")
		}
		return splitMultipart(payload, boundary)
	}

	if !looksLikeHeader(payload) {
		return []Part{{Body: payload}}, nil
	}

	hdr, body, err := readHeader(payload)
	if err != nil {
		return nil, err
	}
	ct := hdr.Get("Content-Type")
	if mt, params, err := mime.ParseMediaType(ct); err == nil && strings.HasPrefix(mt, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("signaling: multipart without boundary")
		}
		return splitMultipart(body, boundary)
	}
	return []Part{{
		ContentType:     ct,
		ContentLocation: hdr.Get("Content-Location"),
		Body:            body,
	}}, nil
}

func splitMultipart(body []byte, boundary string) ([]Part, error) {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var parts []Part
	for {
		p, err := mr.NextRawPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// 截断的尾部不影响已拆出的部分
			if len(parts) > 0 {
				break
			}
			return nil, fmt.Errorf("signaling: split multipart: %w", err)
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("signaling: read part: %w", err)
		}
		parts = append(parts, Part{
			ContentType:     p.Header.Get("Content-Type"),
			ContentLocation: p.Header.Get("Content-Location"),
			Body:            data,
		})
	}
	if len(parts) == 0 {
		return nil, ErrEmptyBundle
	}
	return parts, nil
}

// readHeader 读取以空行结束的头部块
func readHeader(payload []byte) (textproto.MIMEHeader, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(payload))
	hdr, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("signaling: read header: %w", err)
	}
	rest, _ := io.ReadAll(br)
	return hdr, rest, nil
}

// looksLikeHeader 首行形如 "Name: value"
func looksLikeHeader(b []byte) bool {
	line, _, _ := bytes.Cut(b, []byte("\n"))
	name, _, ok := bytes.Cut(line, []byte(":"))
	if !ok || len(name) == 0 {
		return false
	}
	for _, c := range name {
		if !(c == '-' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
