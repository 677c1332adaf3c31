// Package config loads service settings from the environment and an optional .env file
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DefaultModelPaths lists the checkpoints tried at startup, highest priority first
var DefaultModelPaths = []string{
	"models/deeplabv3p_best.onnx",
	"models/spillguard_enhanced_final.onnx",
}

// Config holds everything main needs to wire the service
type Config struct {
	Addr            string        `validate:"required,hostname_port"`
	ModelPaths      []string      `validate:"required,min=1,dive,required"`
	OnnxLibPath     string
	PoolSize        int           `validate:"gte=1,lte=64"`
	Threshold       float64       `validate:"gt=0,lte=1"`
	DatabaseURL     string        `validate:"omitempty,url"`
	WeatherAPIKey   string
	MapboxToken     string
	RapidAPIKey     string
	ProviderTimeout time.Duration `validate:"gt=0"`
	CORSOrigins     []string      `validate:"required,min=1,dive,required"`
	Debug           bool
}

// Load reads the .env file when present, then the process environment
func Load() (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()
	return FromEnv(NewEnv())
}

// FromEnv builds and validates a Config from env
func FromEnv(env Env) (*Config, error) {
	cfg := &Config{
		Addr:            env.Get("HTTP_ADDR", "0.0.0.0:7860"),
		ModelPaths:      env.GetList("MODEL_PATHS", DefaultModelPaths),
		OnnxLibPath:     env.Get("ONNXRUNTIME_LIB", ""),
		PoolSize:        env.GetInt("POOL_SIZE", 4),
		Threshold:       env.GetFloat("THRESHOLD", 0.65),
		DatabaseURL:     env.Get("DATABASE_URL", ""),
		WeatherAPIKey:   env.Get("WEATHER_API_KEY", ""),
		MapboxToken:     env.Get("MAPBOX_ACCESS_TOKEN", ""),
		RapidAPIKey:     env.Get("RAPIDAPI_KEY", ""),
		ProviderTimeout: env.GetDuration("PROVIDER_TIMEOUT", 10*time.Second),
		CORSOrigins:     env.GetList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Debug:           env.GetBool("DEBUG", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and reports every offending field at once
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
