package config

import (
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token string `toml:"token"`
	Host  string `toml:"host"`
	Port  string `toml:"port"`

	// ModelsDir is the root holding one subdirectory per model id.
	ModelsDir string `toml:"models_dir"`
	// ActiveModel selects the initially active model id; empty picks
	// the first discovered one.
	ActiveModel string `toml:"active_model"`
	// UseGPU asks for a CUDA execution provider, falling back to CPU.
	UseGPU bool `toml:"use_gpu"`
	// Threshold filters the ranked suggestions served over HTTP;
	// clients may override it per request.
	Threshold float32 `toml:"threshold"`
	// AllowUpscale lets preprocessing grow images beyond their natural
	// resolution.
	AllowUpscale bool `toml:"allow_upscale"`
	// Workers sizes the shared load/inference pool; 0 means one per CPU.
	Workers int `toml:"workers"`

	Libonnx string `toml:"libonnx"`
}

var (
	cfg = Config{
		Host:      "0.0.0.0",
		Port:      "8000",
		ModelsDir: "models",
		Threshold: 0.4,
	}
	loadOnce sync.Once
)

func C() Config {
	loadOnce.Do(func() {
		if _, err := os.Stat("config.toml"); err == nil {
			data, err := os.ReadFile("config.toml")
			if err != nil {
				panic(err)
			}
			if err := toml.Unmarshal(data, &cfg); err != nil {
				panic(err)
			}
		}
	})
	return cfg
}
