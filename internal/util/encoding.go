package util

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// 自动探测时依次尝试的编码，国产网络设备常见 GBK/GB18030 输出
var fallbackEncodings = []encoding.Encoding{
	simplifiedchinese.GB18030,
	simplifiedchinese.GBK,
	simplifiedchinese.HZGB2312,
	traditionalchinese.Big5,
	charmap.Windows1252,
	charmap.ISO8859_1,
}

// Charset 设备输出字符集；空串或 auto 表示自动探测
type Charset struct {
	name string
	enc  encoding.Encoding
}

// ParseCharset 解析字符集名称（utf-8、gbk、gb18030、big5、latin1...）
func ParseCharset(name string) (Charset, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || n == "auto" {
		return Charset{name: "auto"}, nil
	}
	enc, err := htmlindex.Get(n)
	if err != nil {
		return Charset{}, fmt.Errorf("unknown charset %q: %w", name, err)
	}
	return Charset{name: n, enc: enc}, nil
}

// Name 字符集名称
func (c Charset) Name() string {
	if c.name == "" {
		return "auto"
	}
	return c.name
}

// Decode 将设备输出转换为 UTF-8 文本
func (c Charset) Decode(b []byte) string {
	if c.enc == nil {
		return EnsureUTF8Bytes(b)
	}
	if s, ok := tryDecode(c.enc, b); ok {
		return s
	}
	return EnsureUTF8Bytes(b)
}

// EnsureUTF8Bytes 已是合法 UTF-8 时原样返回，否则按常见编码依次尝试解码
func EnsureUTF8Bytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	for _, enc := range fallbackEncodings {
		if s, ok := tryDecode(enc, b); ok {
			return s
		}
	}
	return string(b)
}

// EnsureUTF8 字符串版本
func EnsureUTF8(s string) string {
	return EnsureUTF8Bytes([]byte(s))
}

func tryDecode(enc encoding.Encoding, b []byte) (string, bool) {
	reader := transform.NewReader(bytes.NewReader(b), enc.NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", false
	}
	if utf8.Valid(decoded) {
		return string(decoded), true
	}
	return "", false
}
