package types

import "github.com/rfbdl/rfbdl/internal/config"

// ConvertRuntimeConfig converts the app-level RuntimeConfig to the engine-level RuntimeConfig.
func ConvertRuntimeConfig(rc *config.RuntimeConfig) *RuntimeConfig {
	if rc == nil {
		return &RuntimeConfig{}
	}
	return &RuntimeConfig{
		MaxConcurrent:  rc.MaxConcurrent,
		UserAgent:      rc.UserAgent,
		ProxyURL:       rc.ProxyURL,
		ChunkSize:      rc.ChunkSize,
		ChunkTimeout:   rc.ChunkTimeout,
		ConnectTimeout: rc.ConnectTimeout,
		MaxAttempts:    rc.MaxAttempts,
		BackoffMin:     rc.BackoffMin,
		BackoffMax:     rc.BackoffMax,
	}
}
