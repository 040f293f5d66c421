package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Video     VideoConfig     `yaml:"video"`
	Paths     PathsConfig     `yaml:"paths"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// ProvidersConfig selects and parameterizes the generative backends. API keys
// come from the environment (GEMINI_API_KEY, OPENAI_API_KEY), never from this
// file.
type ProvidersConfig struct {
	// Language picks the text backend: "gemini" (multimodal, vision +
	// structured output) or "chat" (generic chat-completion endpoint).
	Language string       `yaml:"language"`
	Gemini   GeminiConfig `yaml:"gemini"`
	Chat     ChatConfig   `yaml:"chat"`
}

type GeminiConfig struct {
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	ImageModel string `yaml:"image_model"`
}

type ChatConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type VideoConfig struct {
	ComfyURL     string `yaml:"comfy_url"`
	WorkflowPath string `yaml:"workflow_path"`
	// Resolution in "WxH" form, substituted into every matching workflow field.
	Resolution string `yaml:"resolution"`
}

type PathsConfig struct {
	Work   string `yaml:"work"`
	Output string `yaml:"output"`
}

// Load reads and parses the YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Providers.Language == "" {
		cfg.Providers.Language = "gemini"
	}
	if cfg.Video.Resolution == "" {
		cfg.Video.Resolution = "1280x720"
	}
	if cfg.Paths.Work == "" {
		cfg.Paths.Work = "work"
	}
	if cfg.Paths.Output == "" {
		cfg.Paths.Output = "output"
	}

	return &cfg, nil
}
