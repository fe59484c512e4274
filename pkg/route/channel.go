package route

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxCodepoints 每个 Channel 最多登记的 codepoint 个数
const MaxCodepoints = 8

var ErrTooManyCodepoints = errors.New("route: too many codepoints on channel")

// Codepoint LCT codepoint 到负载格式的映射
type Codepoint struct {
	Value    uint8
	FormatID uint8
}

// Channel 一个 TSI 对应的文件命名模板、初始化对象与 codepoint 登记
type Channel struct {
	TSI      uint32
	Template string // printf 形式，见 RewriteTemplate
	InitTOI  uint32
	HasInit  bool
	InitName string
	// InitLength FDT 为初始化对象声明的长度，0 表示未声明
	InitLength uint32

	tokens     int
	codepoints [MaxCodepoints]Codepoint
	n          int
}

// NewChannel template 为 S-TSID 中的原始 fileTemplate
func NewChannel(tsi uint32, template string) *Channel {
	tpl, tokens := rewriteTemplate(template)
	return &Channel{TSI: tsi, Template: tpl, tokens: tokens}
}

// SetInit 登记初始化对象
func (c *Channel) SetInit(toi uint32, name string) {
	c.InitTOI = toi
	c.InitName = name
	c.HasInit = true
}

func (c *Channel) IsInit(toi uint32) bool {
	return c.HasInit && c.InitTOI == toi
}

// LengthHint 对象头未携带长度时，初始化对象使用 FDT 声明的长度
func (c *Channel) LengthHint(toi uint32) *uint32 {
	if !c.IsInit(toi) || c.InitLength == 0 {
		return nil
	}
	n := c.InitLength
	return &n
}

// AddCodepoint 登记 codepoint，已存在时更新格式
func (c *Channel) AddCodepoint(cp, formatID uint8) error {
	for i := 0; i < c.n; i++ {
		if c.codepoints[i].Value == cp {
			c.codepoints[i].FormatID = formatID
			return nil
		}
	}
	if c.n == MaxCodepoints {
		return fmt.Errorf("%w: tsi %d codepoint %d", ErrTooManyCodepoints, c.TSI, cp)
	}
	c.codepoints[c.n] = Codepoint{Value: cp, FormatID: formatID}
	c.n++
	return nil
}

func (c *Channel) Format(cp uint8) (uint8, bool) {
	for i := 0; i < c.n; i++ {
		if c.codepoints[i].Value == cp {
			return c.codepoints[i].FormatID, true
		}
	}
	return 0, false
}

func (c *Channel) Codepoints() []Codepoint {
	return c.codepoints[:c.n]
}

// ObjectName 初始化对象返回其文件名，其余按模板展开 TOI
func (c *Channel) ObjectName(toi uint32) string {
	if c.IsInit(toi) && c.InitName != "" {
		return c.InitName
	}
	if c.Template == "" {
		return strconv.FormatUint(uint64(toi), 10)
	}
	if c.tokens == 0 {
		return strings.ReplaceAll(c.Template, "%%", "%")
	}
	args := make([]any, c.tokens)
	for i := range args {
		args[i] = toi
	}
	return fmt.Sprintf(c.Template, args...)
}

// RewriteTemplate 把 $TOI$ 改写为 %d，$TOI%0Nd$ 改写为 %0Nd，
// $$ 还原为 $，字面 % 转义为 %%
func RewriteTemplate(tpl string) string {
	out, _ := rewriteTemplate(tpl)
	return out
}

func rewriteTemplate(tpl string) (string, int) {
	var b strings.Builder
	tokens := 0
	for i := 0; i < len(tpl); {
		switch tpl[i] {
		case '%':
			b.WriteString("%%")
			i++
		case '$':
			if strings.HasPrefix(tpl[i:], "$$") {
				b.WriteByte('$')
				i += 2
				continue
			}
			end := strings.IndexByte(tpl[i+1:], '$')
			if end < 0 {
				b.WriteString(strings.ReplaceAll(tpl[i:], "%", "%%"))
				return b.String(), tokens
			}
			ident := tpl[i+1 : i+1+end]
			if f, ok := toiFormat(ident); ok {
				b.WriteString(f)
				tokens++
			} else {
				// 其它标识符原样保留
				b.WriteString(strings.ReplaceAll(tpl[i:i+end+2], "%", "%%"))
			}
			i += end + 2
		default:
			b.WriteByte(tpl[i])
			i++
		}
	}
	return b.String(), tokens
}

// toiFormat "TOI" -> %d, "TOI%05d" -> %05d
func toiFormat(ident string) (string, bool) {
	if ident == "TOI" {
		return "%d", true
	}
	f, ok := strings.CutPrefix(ident, "TOI%")
	if !ok || len(f) < 2 || f[len(f)-1] != 'd' {
		return "", false
	}
	width := f[:len(f)-1]
	if width[0] != '0' {
		return "", false
	}
	if _, err := strconv.ParseUint(width, 10, 8); err != nil {
		return "", false
	}
	return "%" + width + "d", true
}
