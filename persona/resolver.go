package persona

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/types"
	"github.com/BaSui01/cinegen/vectorstore"
)

// DefaultPolicy 决定 prompt 中未检测到人设时的处理方式
type DefaultPolicy string

const (
	// PolicyNone 不使用人设，纯文本生成
	PolicyNone DefaultPolicy = "none"
	// PolicyFirstAvailable 使用目录中的第一个人设
	PolicyFirstAvailable DefaultPolicy = "first_available"
	// PolicyRequire 必须命中人设，否则返回 PersonaNotFound
	PolicyRequire DefaultPolicy = "require"
)

// Valid reports whether p is a known policy. Empty is treated as none.
func (p DefaultPolicy) Valid() bool {
	switch p {
	case "", PolicyNone, PolicyFirstAvailable, PolicyRequire:
		return true
	}
	return false
}

// DefaultReferenceCount 每次解析最多选取的参考图数量
const DefaultReferenceCount = 3

// Reference 选中的参考图
type Reference struct {
	ID        string  `json:"id"`
	PersonaID string  `json:"persona_id"`
	Emotion   Emotion `json:"emotion"`
	Location  string  `json:"location,omitempty"`
	Caption   string  `json:"caption,omitempty"`
}

// ResolvedContext 人设解析结果
type ResolvedContext struct {
	PersonaID         string      `json:"persona_id,omitempty"`
	PersonaIDs        []string    `json:"persona_ids"`
	PersonaNames      []string    `json:"persona_names,omitempty"`
	Emotion           Emotion     `json:"emotion"`
	EmotionLabel      string      `json:"emotion_label"`
	ReferenceImageIDs []string    `json:"reference_image_ids"`
	References        []Reference `json:"references"`
	// NeutralFallback 表示至少一个人设因缺少目标情绪参考图而改用 neutral
	NeutralFallback bool `json:"neutral_fallback,omitempty"`
}

// HasPersona reports whether any persona was resolved.
func (c *ResolvedContext) HasPersona() bool {
	return c != nil && len(c.PersonaIDs) > 0
}

// ResolveOptions 单次解析参数
type ResolveOptions struct {
	// RequestedPersonas 显式指定的人设（ID 或名称），优先于自动检测
	RequestedPersonas []string
	DefaultPolicy     DefaultPolicy
	// Emotion 非空时跳过情绪分类
	Emotion Emotion
	// References 参考图总预算，0 表示 DefaultReferenceCount
	References int
}

// Recorder 接收解析结果统计
type Recorder interface {
	RecordResolution(outcome string, emotion string)
}

// Resolver 把 prompt 解析为人设、情绪和参考图
type Resolver struct {
	registry Registry
	store    vectorstore.Store
	recorder Recorder
	logger   *zap.Logger
}

// NewResolver 创建人设解析器
func NewResolver(registry Registry, store vectorstore.Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		registry: registry,
		store:    store,
		logger:   logger.With(zap.String("component", "persona_resolver")),
	}
}

// SetRecorder 设置统计接收者
func (r *Resolver) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// Resolve 解析 prompt.
func (r *Resolver) Resolve(ctx context.Context, prompt string, opts ResolveOptions) (*ResolvedContext, error) {
	if !opts.DefaultPolicy.Valid() {
		return nil, types.Validation("unknown default persona policy %q", opts.DefaultPolicy)
	}

	emotion := opts.Emotion
	if emotion == "" {
		emotion = ClassifyEmotion(prompt)
	} else if !emotion.Valid() {
		return nil, types.Validation("unknown emotion %q", emotion)
	}

	rc := &ResolvedContext{
		PersonaIDs:        []string{},
		Emotion:           emotion,
		EmotionLabel:      emotion.Label(),
		ReferenceImageIDs: []string{},
		References:        []Reference{},
	}

	catalog, err := r.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	selected, outcome, err := r.selectPersonas(prompt, catalog, opts)
	if err != nil {
		r.record("not_found", emotion)
		return nil, err
	}
	if len(selected) == 0 {
		r.record(outcome, emotion)
		return rc, nil
	}

	budget := opts.References
	if budget <= 0 {
		budget = DefaultReferenceCount
	}
	shares := splitBudget(budget, len(selected))

	for i, p := range selected {
		rc.PersonaIDs = append(rc.PersonaIDs, p.ID)
		rc.PersonaNames = append(rc.PersonaNames, p.Name)

		refs, fellBack, err := r.references(ctx, p.ID, emotion, shares[i])
		if err != nil {
			return nil, err
		}
		rc.NeutralFallback = rc.NeutralFallback || fellBack
		for _, ref := range refs {
			rc.ReferenceImageIDs = append(rc.ReferenceImageIDs, ref.ID)
			rc.References = append(rc.References, ref)
		}
	}
	rc.PersonaID = rc.PersonaIDs[0]

	r.logger.Debug("prompt resolved",
		zap.Strings("persona_ids", rc.PersonaIDs),
		zap.String("emotion", string(emotion)),
		zap.Int("references", len(rc.References)),
		zap.Bool("neutral_fallback", rc.NeutralFallback))
	r.record(outcome, emotion)
	return rc, nil
}

func (r *Resolver) selectPersonas(prompt string, catalog []Persona, opts ResolveOptions) ([]Persona, string, error) {
	if len(opts.RequestedPersonas) > 0 {
		out := make([]Persona, 0, len(opts.RequestedPersonas))
		seen := make(map[string]bool)
		for _, ref := range opts.RequestedPersonas {
			p, ok := Lookup(catalog, ref)
			if !ok {
				return nil, "", types.Errorf(types.ErrPersonaNotFound, "persona %q not found", strings.TrimSpace(ref))
			}
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, *p)
		}
		return out, "requested", nil
	}

	if len(catalog) == 0 {
		return nil, "empty_catalog", nil
	}

	if detected := DetectPersonas(prompt, catalog); len(detected) > 0 {
		return detected, "detected", nil
	}

	switch opts.DefaultPolicy {
	case PolicyFirstAvailable:
		return []Persona{catalog[0]}, "default", nil
	case PolicyRequire:
		return nil, "", types.NewError(types.ErrPersonaNotFound, "no persona mentioned in prompt")
	default:
		return nil, "none", nil
	}
}

// references 查询目标情绪的参考图，为空时回退到 neutral
func (r *Resolver) references(ctx context.Context, personaID string, emotion Emotion, k int) ([]Reference, bool, error) {
	if r.store == nil {
		return nil, false, nil
	}

	records, err := r.store.Query(ctx, personaID, string(emotion), k)
	if err != nil {
		return nil, false, err
	}
	fellBack := false
	if len(records) == 0 && emotion != Neutral {
		records, err = r.store.Query(ctx, personaID, string(Neutral), k)
		if err != nil {
			return nil, false, err
		}
		fellBack = true
	}

	out := make([]Reference, len(records))
	for i, rec := range records {
		out[i] = Reference{
			ID:        rec.ID,
			PersonaID: rec.PersonaID,
			Emotion:   Emotion(rec.Emotion),
			Location:  rec.Location,
			Caption:   rec.Caption,
		}
	}
	return out, fellBack, nil
}

func (r *Resolver) record(outcome string, emotion Emotion) {
	if r.recorder != nil {
		r.recorder.RecordResolution(outcome, string(emotion))
	}
}

// splitBudget 把 k 平均分给 n 个人设，每个至少 1，余数给靠前者
func splitBudget(k, n int) []int {
	shares := make([]int, n)
	base, rem := k/n, k%n
	for i := range shares {
		shares[i] = base
		if i < rem {
			shares[i]++
		}
		if shares[i] < 1 {
			shares[i] = 1
		}
	}
	return shares
}
