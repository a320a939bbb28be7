package embedding

import "fmt"

// Config 选择并配置嵌入提供者.
type Config struct {
	Provider   string       `yaml:"provider" json:"provider" env:"PROVIDER"`
	Dimensions int          `yaml:"dimensions" json:"dimensions" env:"DIMENSIONS"`
	OpenAI     OpenAIConfig `yaml:"openai" json:"openai"`
}

// New 根据配置创建 Provider. Provider 为空时使用 hash.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashProvider(cfg.Dimensions), nil
	case "openai":
		oc := cfg.OpenAI
		if oc.Dimensions == 0 {
			oc.Dimensions = cfg.Dimensions
		}
		if oc.APIKey == "" {
			return nil, fmt.Errorf("embedding provider openai requires an api key")
		}
		return NewOpenAIProvider(oc), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
