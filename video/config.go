package video

import "time"

// VeoConfig 配置 Google Veo 视频生成服务商.
type VeoConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"` // veo-3.1-generate-preview
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// PersonGeneration 透传给 Veo 的人物生成策略
	PersonGeneration string `json:"person_generation,omitempty" yaml:"person_generation,omitempty"`
}

// RunwayConfig 配置 Runway ML 视频生成服务商.
type RunwayConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"` // gen4_turbo
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// MockConfig 配置确定性的本地服务商.
type MockConfig struct {
	// Async 为 true 时 Generate 只返回操作 ID，GetStatus 先报告 PendingPolls 次 pending
	Async        bool `json:"async" yaml:"async"`
	PendingPolls int  `json:"pending_polls" yaml:"pending_polls"`
}

// DefaultVeoConfig 返回默认 Veo 配置.
func DefaultVeoConfig() VeoConfig {
	return VeoConfig{
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Model:   "veo-3.1-generate-preview",
		Timeout: 120 * time.Second,
	}
}

// DefaultRunwayConfig 返回默认 Runway 配置.
func DefaultRunwayConfig() RunwayConfig {
	return RunwayConfig{
		BaseURL: "https://api.runwayml.com",
		Model:   "gen4_turbo",
		Timeout: 120 * time.Second,
	}
}
