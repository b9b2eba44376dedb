// Package config provides the recording core's configuration: per-stream
// settings loaded from YAML, watched for live reload, and exposed to readers
// as an immutable read-copy-update snapshot.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"
)

// Stream is a configured recording source, matching the data model in
// SPEC_FULL.md §3.
type Stream struct {
	Name              string `yaml:"name" json:"name"`
	URL               string `yaml:"url" json:"url"`
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	StreamingEnabled  bool   `yaml:"streaming_enabled" json:"streaming_enabled"`
	CodecHint         string `yaml:"codec_hint,omitempty" json:"codec_hint,omitempty"`
	Width             int    `yaml:"width,omitempty" json:"width,omitempty"`
	Height            int    `yaml:"height,omitempty" json:"height,omitempty"`
	FPS               int    `yaml:"fps,omitempty" json:"fps,omitempty"`
	Priority          int    `yaml:"priority" json:"priority"` // 1-10
	SegmentDurationS  int    `yaml:"segment_duration_seconds" json:"segment_duration_seconds"`
	RetentionDays     int    `yaml:"retention_days" json:"retention_days"`
	MotionRecording   bool   `yaml:"motion_recording" json:"motion_recording"`
	RecordMP4Directly bool   `yaml:"record_mp4_directly" json:"record_mp4_directly"`
	PreBufferSeconds  int    `yaml:"pre_buffer_seconds" json:"pre_buffer_seconds"`   // 0-30
	PostBufferSeconds int    `yaml:"post_buffer_seconds" json:"post_buffer_seconds"` // 0-30
	DetectionModel    string `yaml:"detection_model,omitempty" json:"detection_model,omitempty"`
	StorageTier       string `yaml:"storage_tier,omitempty" json:"storage_tier,omitempty"` // hot (default) | warm | cold

	// EncryptedPassword stores a stream URL's credential component encrypted
	// at rest, mirroring the teacher's Stream.Password handling. Empty when
	// the URL carries no userinfo.
	EncryptedPassword string `yaml:"encrypted_password,omitempty" json:"-"`
}

// Validate checks the invariants named in SPEC_FULL.md §3 that are cheap to
// check outside the supervisor (name shape, buffer ranges, priority range).
func (s Stream) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stream name must not be empty")
	}
	if len(s.Name) > 63 {
		return fmt.Errorf("stream name %q exceeds 63 bytes", s.Name)
	}
	for _, r := range s.Name {
		if r < 0x20 || r > 0x7e {
			return fmt.Errorf("stream name %q must be printable ASCII", s.Name)
		}
	}
	if s.Priority < 1 || s.Priority > 10 {
		return fmt.Errorf("stream %q priority %d out of range [1,10]", s.Name, s.Priority)
	}
	if s.PreBufferSeconds < 0 || s.PreBufferSeconds > 30 {
		return fmt.Errorf("stream %q pre_buffer_seconds %d out of range [0,30]", s.Name, s.PreBufferSeconds)
	}
	if s.PostBufferSeconds < 0 || s.PostBufferSeconds > 30 {
		return fmt.Errorf("stream %q post_buffer_seconds %d out of range [0,30]", s.Name, s.PostBufferSeconds)
	}
	return nil
}

// StorageConfig holds the disk-pressure parameters RetentionGC acts on.
type StorageConfig struct {
	RecordingsPath string  `yaml:"recordings_path" json:"recordings_path"`
	LowWaterPct    float64 `yaml:"low_water_pct" json:"low_water_pct"`   // default 0.85
	HighWaterPct   float64 `yaml:"high_water_pct" json:"high_water_pct"` // default 0.90
	GCIntervalSec  int     `yaml:"gc_interval_seconds" json:"gc_interval_seconds"`
}

// MotionBufferConfig holds the process-wide pool budget from §4.3.
type MotionBufferConfig struct {
	PoolBudgetBytes int64 `yaml:"pool_budget_bytes" json:"pool_budget_bytes"` // default 50 MiB
}

// DatabaseConfig holds the embedded relational store's location.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LoggingConfig controls the ambient slog transport's level.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // debug, info, warn, error
}

// Root is the full on-disk configuration document.
type Root struct {
	Version      string             `yaml:"version"`
	Streams      []Stream           `yaml:"streams"`
	Storage      StorageConfig      `yaml:"storage"`
	MotionBuffer MotionBufferConfig `yaml:"motion_buffer"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
}

func setDefaults(r *Root) {
	if r.Version == "" {
		r.Version = "1.0"
	}
	if r.Storage.RecordingsPath == "" {
		r.Storage.RecordingsPath = "/data/recordings"
	}
	if r.Storage.LowWaterPct == 0 {
		r.Storage.LowWaterPct = 0.85
	}
	if r.Storage.HighWaterPct == 0 {
		r.Storage.HighWaterPct = 0.90
	}
	if r.Storage.GCIntervalSec == 0 {
		r.Storage.GCIntervalSec = 60
	}
	if r.MotionBuffer.PoolBudgetBytes == 0 {
		r.MotionBuffer.PoolBudgetBytes = 50 * 1024 * 1024
	}
	if r.Database.Path == "" {
		r.Database.Path = "/data/lightnvr.db"
	}
	if r.Logging.Level == "" {
		r.Logging.Level = "info"
	}
	for i := range r.Streams {
		if r.Streams[i].Priority == 0 {
			r.Streams[i].Priority = 5
		}
		if r.Streams[i].SegmentDurationS == 0 {
			r.Streams[i].SegmentDurationS = 900
		}
		if r.Streams[i].RetentionDays == 0 {
			r.Streams[i].RetentionDays = 7
		}
		if r.Streams[i].StorageTier == "" {
			r.Streams[i].StorageTier = "hot"
		}
	}
}

// Config is the live, mutable configuration handle. Readers call Snapshot to
// obtain an immutable *Root; writers call Reload or UpsertStream, which
// clone-mutate-atomically-swap a fresh snapshot per SPEC_FULL.md §9.
type Config struct {
	path     string
	snapshot atomic.Pointer[Root]
	encKey   []byte

	mu       sync.Mutex // serializes writers only; readers never take this
	watchers []func(*Root)

	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// Load reads path, decrypts any encrypted stream credentials, and returns a
// ready-to-use Config holding the first snapshot.
func Load(path string) (*Config, error) {
	c := &Config{
		path:   path,
		encKey: deriveKey(getEncryptionPassphrase()),
		logger: slog.Default().With("component", "config"),
	}
	root, err := c.readFile()
	if err != nil {
		return nil, err
	}
	c.snapshot.Store(root)
	return c, nil
}

func (c *Config) readFile() (*Root, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", c.path, err)
	}
	var root Root
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", c.path, err)
	}
	setDefaults(&root)
	for i := range root.Streams {
		if err := c.decryptStreamCredential(&root.Streams[i]); err != nil {
			return nil, fmt.Errorf("decrypt credentials for stream %q: %w", root.Streams[i].Name, err)
		}
		if err := root.Streams[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &root, nil
}

// Snapshot returns the current immutable configuration. Callers keep the
// returned pointer for the duration of a packet batch rather than re-reading
// it per packet, per SPEC_FULL.md §9.
func (c *Config) Snapshot() *Root {
	return c.snapshot.Load()
}

// OnChange registers a callback invoked with the new snapshot after every
// successful reload, UpsertStream or RemoveStream.
func (c *Config) OnChange(fn func(*Root)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Reload re-reads the file from disk and swaps in a new snapshot if it
// parses successfully. A bad edit on disk leaves the previous snapshot live.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	root, err := c.readFile()
	if err != nil {
		c.logger.Error("config reload failed, keeping previous snapshot", "error", err)
		return err
	}
	c.snapshot.Store(root)
	for _, w := range c.watchers {
		w(root)
	}
	c.logger.Info("config reloaded", "streams", len(root.Streams))
	return nil
}

// Watch starts an fsnotify watcher on the config file's directory and
// debounces Write events into Reload calls, matching the teacher's
// 100ms-debounced fsnotify pattern.
func (c *Config) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}
	c.watcher = w

	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != c.path || ev.Op&fsnotify.Write == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					_ = c.Reload()
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the fsnotify watcher if one was started.
func (c *Config) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// UpsertStream clone-mutates the current snapshot with a new or replaced
// stream entry, persists it, and swaps in the result.
func (c *Config) UpsertStream(s Stream) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snapshot.Load()
	next := &Root{
		Version:      cur.Version,
		Storage:      cur.Storage,
		MotionBuffer: cur.MotionBuffer,
		Database:     cur.Database,
		Logging:      cur.Logging,
		Streams:      make([]Stream, 0, len(cur.Streams)+1),
	}
	replaced := false
	for _, existing := range cur.Streams {
		if existing.Name == s.Name {
			next.Streams = append(next.Streams, s)
			replaced = true
			continue
		}
		next.Streams = append(next.Streams, existing)
	}
	if !replaced {
		next.Streams = append(next.Streams, s)
	}

	if err := c.writeFile(next); err != nil {
		return err
	}
	c.snapshot.Store(next)
	for _, w := range c.watchers {
		w(next)
	}
	return nil
}

// RemoveStream clone-mutates the snapshot to drop a stream by name.
func (c *Config) RemoveStream(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snapshot.Load()
	next := &Root{
		Version:      cur.Version,
		Storage:      cur.Storage,
		MotionBuffer: cur.MotionBuffer,
		Database:     cur.Database,
		Logging:      cur.Logging,
		Streams:      make([]Stream, 0, len(cur.Streams)),
	}
	found := false
	for _, existing := range cur.Streams {
		if existing.Name == name {
			found = true
			continue
		}
		next.Streams = append(next.Streams, existing)
	}
	if !found {
		return fmt.Errorf("stream %q not found", name)
	}

	if err := c.writeFile(next); err != nil {
		return err
	}
	c.snapshot.Store(next)
	for _, w := range c.watchers {
		w(next)
	}
	return nil
}

// writeFile persists root to disk atomically (write-to-temp, rename),
// matching the teacher's Save pattern, with credentials re-encrypted.
func (c *Config) writeFile(root *Root) error {
	out := *root
	out.Streams = make([]Stream, len(root.Streams))
	copy(out.Streams, root.Streams)
	for i := range out.Streams {
		if err := c.encryptStreamCredential(&out.Streams[i]); err != nil {
			return fmt.Errorf("encrypt credentials for stream %q: %w", out.Streams[i].Name, err)
		}
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}
	return nil
}

const encryptedPrefix = "encrypted:"

// encryptStreamCredential extracts the userinfo password from a stream's
// source URL (if any) and stores it AES-GCM-encrypted in EncryptedPassword,
// stripping it from the URL that gets persisted to disk.
func (c *Config) encryptStreamCredential(s *Stream) error {
	user, pass, hasAuth := splitUserinfo(s.URL)
	if !hasAuth || pass == "" {
		return nil
	}
	ciphertext, err := encrypt(c.encKey, []byte(pass))
	if err != nil {
		return err
	}
	s.EncryptedPassword = encryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext)
	s.URL = stripPassword(s.URL, user)
	return nil
}

// decryptStreamCredential reconstitutes the userinfo password into the URL
// in memory only; the on-disk/YAML representation never carries it.
func (c *Config) decryptStreamCredential(s *Stream) error {
	if s.EncryptedPassword == "" {
		return nil
	}
	enc := strings.TrimPrefix(s.EncryptedPassword, encryptedPrefix)
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return err
	}
	plain, err := decrypt(c.encKey, raw)
	if err != nil {
		return err
	}
	s.URL = injectPassword(s.URL, string(plain))
	return nil
}

func splitUserinfo(rawURL string) (user, pass string, ok bool) {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return "", "", false
	}
	rest := rawURL[idx+3:]
	at := strings.Index(rest, "@")
	if at < 0 {
		return "", "", false
	}
	userinfo := rest[:at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return userinfo, "", true
	}
	return userinfo[:colon], userinfo[colon+1:], true
}

func stripPassword(rawURL, user string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return rawURL
	}
	rest := rawURL[idx+3:]
	at := strings.Index(rest, "@")
	if at < 0 {
		return rawURL
	}
	return rawURL[:idx+3] + user + rest[at:]
}

func injectPassword(rawURL, pass string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return rawURL
	}
	rest := rawURL[idx+3:]
	at := strings.Index(rest, "@")
	if at < 0 {
		return rawURL
	}
	userinfo := rest[:at]
	if strings.Contains(userinfo, ":") {
		return rawURL
	}
	return rawURL[:idx+3] + userinfo + ":" + pass + rest[at:]
}

// getEncryptionPassphrase reads the operator-supplied passphrase, matching
// the teacher's NVR_ENCRYPTION_KEY env var pattern.
func getEncryptionPassphrase() string {
	if v := os.Getenv("LIGHTNVR_ENCRYPTION_KEY"); v != "" {
		return v
	}
	return "lightnvr-default-passphrase-change-in-prod"
}

// deriveKey runs the configured passphrase through HKDF-SHA256 to obtain a
// 32-byte AES-256 key, strengthening the teacher's fixed-size-slice approach
// with a proper KDF (golang.org/x/crypto/hkdf).
func deriveKey(passphrase string) []byte {
	h := hkdf.New(sha256.New, []byte(passphrase), []byte("lightnvr-config-salt"), []byte("stream-credential"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		// hkdf.Read only fails if more bytes are requested than the hash
		// can expand to, which cannot happen for SHA-256 output here.
		panic(err)
	}
	return key
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, data := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}
