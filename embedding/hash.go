package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"
)

// HashProvider 是离线确定性嵌入器：对词元做特征哈希后 L2 归一化.
// 相同输入永远得到相同向量，共享词元越多的文本余弦相似度越高.
// 没有词元的输入（如纯二进制摘要）退化为 SHA-256 展开.
type HashProvider struct {
	dims int
}

// NewHashProvider 创建哈希嵌入器，dims <= 0 时使用 512.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 512
	}
	return &HashProvider{dims: dims}
}

func (p *HashProvider) Name() string    { return "hash" }
func (p *HashProvider) Dimensions() int { return p.dims }

func (p *HashProvider) Embed(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(req.Input))
	for i, text := range req.Input {
		out[i] = p.vector(text)
	}
	return &Response{
		Provider:   p.Name(),
		Model:      "feature-hash",
		Embeddings: out,
		CreatedAt:  time.Now(),
	}, nil
}

func (p *HashProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.vector(query), nil
}

func (p *HashProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	resp, err := p.Embed(ctx, &Request{Input: documents})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

func (p *HashProvider) vector(text string) []float64 {
	vec := make([]float64, p.dims)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(tokens) == 0 {
		return p.digestVector(text)
	}

	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dims))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	return normalize(vec)
}

// digestVector 把 SHA-256 摘要链式展开到 dims 维，取值 [-1, 1].
func (p *HashProvider) digestVector(text string) []float64 {
	vec := make([]float64, 0, p.dims)
	block := sha256.Sum256([]byte(text))
	for len(vec) < p.dims {
		for i := 0; i+2 <= len(block) && len(vec) < p.dims; i += 2 {
			v := binary.BigEndian.Uint16(block[i : i+2])
			vec = append(vec, float64(v)/math.MaxUint16*2-1)
		}
		block = sha256.Sum256(block[:])
	}
	return normalize(vec)
}

func normalize(vec []float64) []float64 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
