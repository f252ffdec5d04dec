package expect

// 终端输出清洗：移除 ANSI/VT100 控制序列与不可见控制字符
// 序列可能跨读取块，因此状态保存在 ansiFilter 中

const (
	stText = iota
	stEsc
	stEscInter
	stCSI
	stOSC
)

type ansiFilter struct {
	state int
}

// appendTo 将清洗后的 src 追加到 dst；保留 \n 与 \t，丢弃 \r，退格删除前一个字符
func (f *ansiFilter) appendTo(dst, src []byte) []byte {
	for _, ch := range src {
		switch f.state {
		case stEsc:
			switch {
			case ch == '[':
				f.state = stCSI
			case ch == ']':
				f.state = stOSC
			case ch >= 0x20 && ch <= 0x2f:
				f.state = stEscInter
			default:
				f.state = stText
			}
			continue
		case stEscInter:
			if ch >= 0x30 && ch <= 0x7e {
				f.state = stText
			}
			continue
		case stCSI:
			if ch >= 0x40 && ch <= 0x7e {
				f.state = stText
			}
			continue
		case stOSC:
			if ch == 0x07 {
				f.state = stText
			} else if ch == 0x1b {
				f.state = stEsc
			}
			continue
		}

		switch {
		case ch == 0x1b:
			f.state = stEsc
		case ch == '\n' || ch == '\t':
			dst = append(dst, ch)
		case ch == 0x08:
			dst = backspace(dst)
		case ch < 0x20 || ch == 0x7f:
		default:
			dst = append(dst, ch)
		}
	}
	return dst
}

func backspace(b []byte) []byte {
	if len(b) == 0 || b[len(b)-1] == '\n' {
		return b
	}
	i := len(b) - 1
	for i > 0 && b[i]&0xc0 == 0x80 {
		i--
	}
	return b[:i]
}
