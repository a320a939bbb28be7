package embedding

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

// wordCodec 以空格分词，便于断言截断位置
type wordCodec struct{}

func (wordCodec) Encode(text string, _ []string, _ []string) []int {
	words := strings.Fields(text)
	out := make([]int, len(words))
	for i, w := range words {
		out[i] = len(w)
	}
	return out
}

func (wordCodec) Decode(tokens []int) string {
	parts := make([]string, len(tokens))
	for i, n := range tokens {
		parts[i] = strings.Repeat("w", n)
	}
	return strings.Join(parts, " ")
}

func TestInputLimiter_ShortInputSkipsEncoding(t *testing.T) {
	l := newInputLimiter("cl100k_base", 16)
	loads := 0
	l.load = func(string) (tokenCodec, error) {
		loads++
		return wordCodec{}, nil
	}

	assert.Equal(t, "short text", l.Truncate("short text"))
	assert.Equal(t, 0, loads)
}

func TestInputLimiter_TruncatesLongInput(t *testing.T) {
	l := newInputLimiter("cl100k_base", 3)
	l.load = func(string) (tokenCodec, error) { return wordCodec{}, nil }

	assert.Equal(t, "www ww w", l.Truncate("abc de f ghij klm"))
	// 字节超限但 token 未超限时原样返回
	assert.Equal(t, "aaaa bbbb", l.Truncate("aaaa bbbb"))
}

func TestInputLimiter_FallbackWithoutEncoding(t *testing.T) {
	l := newInputLimiter("cl100k_base", 5)
	l.load = func(string) (tokenCodec, error) { return nil, errors.New("offline") }

	assert.Equal(t, "abcde", l.Truncate("abcdefgh"))

	// 不在多字节字符中间截断
	out := l.Truncate("ab你好")
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "ab你", out)
}

func TestInputLimiter_TruncateAllKeepsOriginal(t *testing.T) {
	l := newInputLimiter("", 0)
	in := []string{"a", "b"}
	out := l.TruncateAll(in)
	assert.Equal(t, in, out)
	assert.Equal(t, defaultMaxInputTokens, l.maxTokens)
	assert.Equal(t, "cl100k_base", l.encoding)
}
