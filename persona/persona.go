package persona

import (
	"strings"
	"time"
)

// ConsentStatus 人设使用授权状态
type ConsentStatus string

const (
	ConsentPending  ConsentStatus = "pending"
	ConsentApproved ConsentStatus = "approved"
	ConsentDenied   ConsentStatus = "denied"
)

// Valid reports whether s is a known consent status.
func (s ConsentStatus) Valid() bool {
	switch s {
	case ConsentPending, ConsentApproved, ConsentDenied:
		return true
	}
	return false
}

// Persona 可复用的人物身份，带按情绪分组的参考图
type Persona struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Aliases       []string      `json:"aliases,omitempty"`
	Description   string        `json:"description,omitempty"`
	ConsentStatus ConsentStatus `json:"consent_status"`
	Seq           int64         `json:"-"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Names 返回用于匹配的全部名称（名称 + 别名），已去重、去空白
func (p *Persona) Names() []string {
	seen := make(map[string]struct{}, len(p.Aliases)+1)
	out := make([]string, 0, len(p.Aliases)+1)
	for _, n := range append([]string{p.Name}, p.Aliases...) {
		n = strings.TrimSpace(n)
		key := strings.ToLower(n)
		if n == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Emotion 情绪标签，封闭集合
type Emotion string

const (
	Neutral    Emotion = "neutral"
	Inspired   Emotion = "inspired"
	Reflective Emotion = "reflective"
	Angry      Emotion = "angry"
	Relief     Emotion = "relief"
)

// Emotions 全部情绪标签
var Emotions = []Emotion{Neutral, Inspired, Reflective, Angry, Relief}

var emotionLabels = map[Emotion]string{
	Neutral:    "calm, natural expression, everyday scenarios",
	Inspired:   "showing excitement, enthusiasm, breakthrough moments",
	Reflective: "thoughtful, contemplative, introspective moments",
	Angry:      "expressing anger, intense emotions, dramatic tension",
	Relief:     "satisfaction, accomplishment, peaceful resolution",
}

// Label 返回情绪的可读描述
func (e Emotion) Label() string {
	return emotionLabels[e]
}

// Valid reports whether e belongs to the closed emotion set.
func (e Emotion) Valid() bool {
	_, ok := emotionLabels[e]
	return ok
}

// ParseEmotion 解析情绪标签（大小写不敏感）
func ParseEmotion(s string) (Emotion, bool) {
	e := Emotion(strings.ToLower(strings.TrimSpace(s)))
	return e, e.Valid()
}
