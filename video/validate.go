package video

import (
	"math"
	"strings"
)

// 脚本校验阈值
const (
	MinPromptLength       = 10
	LongPromptLength      = 500
	defaultCostPerSecond  = 0.10
	minEstimatedDuration  = 5.0
	maxEstimatedDuration  = 60.0
	charsPerSecondOfVideo = 10.0
)

// Scene 分镜
type Scene struct {
	Description string `json:"description"`
	Duration    int    `json:"duration,omitempty"`
}

// Script 待校验的生成脚本，至少包含 prompt 或 scenes
type Script struct {
	Prompt        string   `json:"prompt,omitempty"`
	Scenes        []Scene  `json:"scenes,omitempty"`
	PersonaIDs    []string `json:"persona_ids,omitempty"`
	HasReferences bool     `json:"-"`
}

// ProviderCompatibility 单个服务商对脚本的评估
type ProviderCompatibility struct {
	Valid             bool     `json:"valid"`
	Configured        bool     `json:"configured"`
	Issues            []string `json:"issues"`
	EstimatedDuration float64  `json:"estimated_duration"`
	EstimatedCost     float64  `json:"estimated_cost"`
}

// ScriptValidation 校验结果
type ScriptValidation struct {
	Valid                 bool                             `json:"valid"`
	Issues                []string                         `json:"issues"`
	Warnings              []string                         `json:"warnings"`
	Suggestions           []string                         `json:"suggestions"`
	EstimatedDuration     float64                          `json:"estimated_duration"`
	EstimatedCost         float64                          `json:"estimated_cost"`
	ProviderCompatibility map[string]ProviderCompatibility `json:"provider_compatibility"`
}

// EffectivePrompt 首个分镜描述优先，否则使用 prompt
func (s *Script) EffectivePrompt() string {
	if len(s.Scenes) > 0 && strings.TrimSpace(s.Scenes[0].Description) != "" {
		return s.Scenes[0].Description
	}
	return s.Prompt
}

// EstimateDuration 按提示词长度估算时长，范围 5 到 60 秒
func EstimateDuration(prompt string) float64 {
	d := float64(len(prompt)) / charsPerSecondOfVideo
	return math.Min(math.Max(d, minEstimatedDuration), maxEstimatedDuration)
}

// ValidateScript 试运行校验，不入队也不调用服务商
func (c *Client) ValidateScript(script Script) *ScriptValidation {
	out := &ScriptValidation{
		Valid:                 true,
		Issues:                []string{},
		Warnings:              []string{},
		Suggestions:           []string{},
		ProviderCompatibility: make(map[string]ProviderCompatibility),
	}

	if strings.TrimSpace(script.Prompt) == "" && len(script.Scenes) == 0 {
		out.Valid = false
		out.Issues = append(out.Issues, "Script must contain either 'scenes' or 'prompt'")
		return out
	}

	prompt := script.EffectivePrompt()
	issues, warnings := promptIssues(prompt)
	out.Issues = append(out.Issues, issues...)
	out.Warnings = append(out.Warnings, warnings...)
	if len(issues) > 0 {
		out.Valid = false
	}
	out.Suggestions = promptSuggestions(prompt)
	out.EstimatedDuration = EstimateDuration(prompt)
	out.EstimatedCost = roundCents(out.EstimatedDuration * defaultCostPerSecond)

	req := &Request{Prompt: prompt}
	if script.HasReferences {
		req.References = []Reference{{ID: "reference"}}
	}
	for _, info := range c.Providers() {
		a := c.adapters[info.Name]
		caps := a.Capabilities()
		pc := ProviderCompatibility{
			Valid:             len(issues) == 0,
			Configured:        info.Configured,
			Issues:            []string{},
			EstimatedDuration: out.EstimatedDuration,
		}
		if caps.MaxDurationSeconds > 0 && pc.EstimatedDuration > float64(caps.MaxDurationSeconds) {
			pc.EstimatedDuration = float64(caps.MaxDurationSeconds)
		}
		pc.EstimatedCost = roundCents(pc.EstimatedDuration * caps.CostPerSecond)
		if !info.Configured {
			pc.Valid = false
			pc.Issues = append(pc.Issues, "provider is not configured")
		}
		if caps.RequiresReferenceImage && len(req.References) == 0 {
			pc.Valid = false
			pc.Issues = append(pc.Issues, "provider requires a persona reference image")
		}
		if info.Name == MockName && !c.cfg.MockFallback {
			pc.Valid = false
			pc.Issues = append(pc.Issues, "mock fallback is disabled")
		}
		out.ProviderCompatibility[info.Name] = pc
	}
	return out
}

func promptIssues(prompt string) (issues, warnings []string) {
	if len(strings.TrimSpace(prompt)) < MinPromptLength {
		issues = append(issues, "Prompt too short (minimum 10 characters)")
	}
	if len(prompt) > LongPromptLength {
		warnings = append(warnings, "Prompt quite long - consider shortening for better results")
	}
	return issues, warnings
}

func promptSuggestions(prompt string) []string {
	lower := strings.ToLower(prompt)
	out := []string{}
	if !strings.Contains(lower, "high quality") {
		out = append(out, "Consider adding 'high quality' for better results")
	}
	descriptive := false
	for _, w := range []string{"cinematic", "professional", "detailed"} {
		if strings.Contains(lower, w) {
			descriptive = true
			break
		}
	}
	if !descriptive {
		out = append(out, "Adding descriptive terms like 'cinematic' can improve quality")
	}
	return out
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
