package embedding

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// text-embedding-3-* 的单条输入上限
const defaultMaxInputTokens = 8191

type tokenCodec interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

// inputLimiter 将超长输入截断到 token 上限.
// BPE 每个 token 至少覆盖一个字节，所以字节数不超过上限的输入无需编码，
// 编码表只在遇到长输入时才加载。
type inputLimiter struct {
	encoding  string
	maxTokens int
	load      func(encoding string) (tokenCodec, error)

	once  sync.Once
	codec tokenCodec
}

func newInputLimiter(encoding string, maxTokens int) *inputLimiter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxInputTokens
	}
	return &inputLimiter{
		encoding:  encoding,
		maxTokens: maxTokens,
		load: func(name string) (tokenCodec, error) {
			return tiktoken.GetEncoding(name)
		},
	}
}

// Truncate 返回不超过 maxTokens 的文本前缀.
func (l *inputLimiter) Truncate(text string) string {
	if len(text) <= l.maxTokens {
		return text
	}
	l.once.Do(func() {
		codec, err := l.load(l.encoding)
		if err == nil {
			l.codec = codec
		}
	})
	if l.codec == nil {
		// 编码表不可用时按字节截断，仍满足上限
		return truncateUTF8(text, l.maxTokens)
	}
	tokens := l.codec.Encode(text, nil, nil)
	if len(tokens) <= l.maxTokens {
		return text
	}
	return l.codec.Decode(tokens[:l.maxTokens])
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// 回退到 rune 边界
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// TruncateAll 对每条输入应用 Truncate，不修改原切片.
func (l *inputLimiter) TruncateAll(inputs []string) []string {
	out := make([]string, len(inputs))
	for i, s := range inputs {
		out[i] = l.Truncate(s)
	}
	return out
}
