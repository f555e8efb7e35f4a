package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chirp/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server Server `toml:"server"`
	Call   Call   `toml:"call"`
}

// Server holds backend endpoints and STOMP destinations.
type Server struct {
	// WebSocketURL is the STOMP-over-WebSocket endpoint, e.g. wss://host/ws.
	WebSocketURL string `toml:"websocket_url"`
	// RESTBaseURL is the base URL of the REST collaborator.
	RESTBaseURL string `toml:"rest_base_url"`
	// VirtualHost is the STOMP host header. Empty means derive from the URL.
	VirtualHost string `toml:"virtual_host"`
}

// Call holds WebRTC settings.
type Call struct {
	// STUNServers are ICE server URLs, e.g. stun:stun.l.google.com:19302.
	STUNServers []string `toml:"stun_servers"`
	// AudioPath is an Ogg opus file looped as the microphone input on
	// headless hosts. Empty sends silence.
	AudioPath string `toml:"audio_path"`
	// VideoPath is an IVF VP8 file looped as the camera input. Empty makes
	// video calls fail with a media error.
	VideoPath string `toml:"video_path"`
}

// Default returns the config used when no file exists yet.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: Server{
			WebSocketURL: "wss://localhost:8443/ws",
			RESTBaseURL:  "https://localhost:8443/api",
		},
		Call: Call{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
