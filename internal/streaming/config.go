package streaming

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lightnvr/lightnvr/internal/config"
)

// Go2RTCConfig represents the go2rtc configuration file structure
type Go2RTCConfig struct {
	API     APIConfig           `yaml:"api,omitempty"`
	RTSP    RTSPConfig          `yaml:"rtsp,omitempty"`
	WebRTC  WebRTCConfig        `yaml:"webrtc,omitempty"`
	Streams map[string][]string `yaml:"streams,omitempty"`
	Log     LogConfig           `yaml:"log,omitempty"`
}

// APIConfig represents go2rtc API configuration
type APIConfig struct {
	Listen    string `yaml:"listen,omitempty"`
	BasePath  string `yaml:"base_path,omitempty"`
	Origin    string `yaml:"origin,omitempty"`
	TLSListen string `yaml:"tls_listen,omitempty"`
}

// RTSPConfig represents go2rtc RTSP configuration
type RTSPConfig struct {
	Listen       string `yaml:"listen,omitempty"`
	DefaultQuery string `yaml:"default_query,omitempty"`
}

// WebRTCConfig represents go2rtc WebRTC configuration
type WebRTCConfig struct {
	Listen     string   `yaml:"listen,omitempty"`
	Candidates []string `yaml:"candidates,omitempty"`
}

// LogConfig represents go2rtc logging configuration
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// ConfigGenerator renders the relay config for a set of configured streams.
// It takes config.Stream directly rather than a relay-specific camera type:
// a Stream's URL already carries any embedded credentials (config.Load
// decrypts config.Stream.EncryptedPassword back into the URL's userinfo
// before handing streams to callers), so there is nothing left to rebuild
// here.
type ConfigGenerator struct {
	apiPort    int
	rtspPort   int
	webrtcPort int
}

// NewConfigGenerator creates a new config generator
func NewConfigGenerator() *ConfigGenerator {
	return &ConfigGenerator{
		apiPort:    DefaultGo2RTCPort,
		rtspPort:   DefaultRTSPPort,
		webrtcPort: DefaultWebRTCPort,
	}
}

// WithPorts sets custom ports for the generator
func (g *ConfigGenerator) WithPorts(api, rtsp, webrtc int) *ConfigGenerator {
	g.apiPort = api
	g.rtspPort = rtsp
	g.webrtcPort = webrtc
	return g
}

// Generate generates a go2rtc config from the recording core's configured
// streams. Only streams with StreamingEnabled set get a relay entry —
// recording-only streams never need a live-view path.
func (g *ConfigGenerator) Generate(streams []config.Stream) *Go2RTCConfig {
	cfg := &Go2RTCConfig{
		API: APIConfig{
			Listen:   fmt.Sprintf(":%d", g.apiPort),
			BasePath: "",
			// go2rtc requires "*" to allow cross-origin WebSocket connections
			// from the web UI's own origin.
			Origin: "*",
		},
		RTSP: RTSPConfig{
			Listen:       fmt.Sprintf(":%d", g.rtspPort),
			DefaultQuery: "video&audio",
		},
		WebRTC: WebRTCConfig{
			Listen: fmt.Sprintf(":%d/tcp", g.webrtcPort),
			Candidates: []string{
				"stun:stun.l.google.com:19302",
			},
		},
		Streams: make(map[string][]string),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}

	for _, s := range streams {
		if !s.StreamingEnabled {
			continue
		}

		streamName := sanitizeStreamName(s.Name)
		rawStreamName := streamName + "_raw"

		// go2rtc stream configuration for audio transcoding:
		//
		// Many cameras output AAC at non-standard sample rates (e.g. 16kHz);
		// browsers expect 44.1kHz or 48kHz. Two streams handle this:
		// 1. Raw stream (_raw suffix): direct RTSP connection to the camera.
		// 2. Main stream: ffmpeg transcodes the raw stream's audio to 48kHz,
		//    with a second Opus-tagged source for WebRTC consumers, which
		//    don't support AAC at all.
		cfg.Streams[rawStreamName] = []string{s.URL}

		cfg.Streams[streamName] = []string{
			fmt.Sprintf("exec:ffmpeg -hide_banner -v error -fflags nobuffer -flags low_delay -rtsp_transport tcp -i rtsp://localhost:%d/%s -c:v copy -c:a aac -ar 48000 -f rtsp {output}", g.rtspPort, rawStreamName),
			fmt.Sprintf("ffmpeg:%s#audio=opus", streamName),
		}
	}

	return cfg
}

// WriteToFile writes the configuration to a YAML file
func (g *ConfigGenerator) WriteToFile(cfg *Go2RTCConfig, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# go2rtc configuration\n# Auto-generated by lightnvr - manual edits may be overwritten\n\n"
	data = append([]byte(header), data...)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// sanitizeStreamName ensures the stream name is valid for go2rtc
func sanitizeStreamName(name string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		"-", "_",
		".", "_",
		"/", "_",
		"\\", "_",
	)
	return strings.ToLower(replacer.Replace(name))
}

// GetStreamURL returns the go2rtc stream URL for a camera
func GetStreamURL(streamName string, format string, apiPort int) string {
	name := sanitizeStreamName(streamName)
	baseURL := fmt.Sprintf("http://localhost:%d", apiPort)

	switch format {
	case "rtsp":
		return fmt.Sprintf("rtsp://localhost:%d/%s", DefaultRTSPPort, name)
	case "webrtc":
		return fmt.Sprintf("%s/api/webrtc?src=%s", baseURL, name)
	case "hls":
		return fmt.Sprintf("%s/api/stream.m3u8?src=%s", baseURL, name)
	case "mse":
		return fmt.Sprintf("%s/api/ws?src=%s", baseURL, name)
	case "mjpeg":
		return fmt.Sprintf("%s/api/frame.jpeg?src=%s", baseURL, name)
	default:
		return fmt.Sprintf("%s/api/stream.m3u8?src=%s", baseURL, name)
	}
}
