// Package config manages the storage node's settings using koanf/v2.
//
// Settings load from a JSON file on disk, layered with environment
// variable overrides, per spec.md Section 6. A missing file is created
// with zero-value defaults and reported as a configuration-required
// error so the operator can fill in signaling servers and storage
// paths before the daemon will run.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Settings Structures
// -------------------------------------------------------------------------

// Settings holds the complete node-settings.json document (spec.md Section 6).
type Settings struct {
	SignalingServers []string      `koanf:"signaling_servers" json:"signaling_servers"`
	WebRTC           WebRTCConfig  `koanf:"webrtc"             json:"webrtc"`
	Info             NodeInfo      `koanf:"info"               json:"info"`
	Paths            []StoragePath `koanf:"paths"              json:"paths"`
}

// WebRTCConfig holds the ICE server list handed to every peer connection.
type WebRTCConfig struct {
	ICEServers []ICEServer `koanf:"iceServers" json:"iceServers"`
}

// ICEServer mirrors one entry of the WebRTC RTCIceServer dictionary.
// URLs may be a single string or an array on the wire; UnmarshalJSON
// normalizes both into URLs.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// UnmarshalJSON accepts either a single URL string or an array of URLs
// for the "urls" field, matching the RTCIceServer wire dictionary.
func (s *ICEServer) UnmarshalJSON(data []byte) error {
	type alias struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username,omitempty"`
		Credential string          `json:"credential,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("unmarshal ice server: %w", err)
	}
	s.Username = a.Username
	s.Credential = a.Credential

	if len(a.URLs) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(a.URLs, &single); err == nil {
		s.URLs = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(a.URLs, &many); err != nil {
		return fmt.Errorf("unmarshal ice server urls: %w", err)
	}
	s.URLs = many
	return nil
}

// NodeInfo holds the node's identity, persisted after sign-up.
type NodeInfo struct {
	ID        string `koanf:"id"         json:"id"`
	AuthToken string `koanf:"auth_token" json:"auth_token"`
}

// HasCredentials reports whether the node has a persisted identity.
func (n NodeInfo) HasCredentials() bool {
	return n.ID != "" && n.AuthToken != ""
}

// StoragePath is one configured storage mount (spec.md Section 3).
type StoragePath struct {
	Path      string `koanf:"path"      json:"path"`
	Threshold int    `koanf:"threshold" json:"threshold"`
}

// RemoteDir returns the derived fragment directory for this path
// (spec.md Section 3: "<path>/p2p-node-remote").
func (p StoragePath) RemoteDir() string {
	return filepath.Join(p.Path, "p2p-node-remote")
}

// -------------------------------------------------------------------------
// Validation errors
// -------------------------------------------------------------------------

var (
	// ErrConfigRequired indicates the settings file did not exist and a
	// default one was created; the process should exit so the operator
	// can fill it in.
	ErrConfigRequired = errors.New("settings file created with defaults; edit it and restart")

	// ErrMountCollision indicates two configured storage paths resolve
	// to the same filesystem mount.
	ErrMountCollision = errors.New("storage paths must resolve to distinct filesystem mounts")

	// ErrInvalidThreshold indicates a threshold is outside [0,100].
	ErrInvalidThreshold = errors.New("storage path threshold must be between 0 and 100")

	// ErrNoStoragePaths indicates no storage paths were configured.
	ErrNoStoragePaths = errors.New("at least one storage path must be configured")

	// ErrNoSignalingServers indicates the signaling server list is empty.
	ErrNoSignalingServers = errors.New("at least one signaling server must be configured")
)

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for settings overrides.
// Variables are named P2PNODE_<section>_<key>, e.g. P2PNODE_INFO_ID.
const envPrefix = "P2PNODE_"

// mountResolver resolves a path to an opaque "same filesystem" key.
// Overridable in tests; production uses the OS device id.
var mountResolver = defaultMountResolver

// Load reads settings from a JSON file at path, overlays environment
// variable overrides, and validates the result.
//
// If path does not exist, a zero-value-defaulted file is written and
// ErrConfigRequired is returned (spec.md Section 6: "Absent file ->
// create with defaults and exit with a configuration-required error").
func Load(path string) (*Settings, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if werr := (&Settings{}).Persist(path); werr != nil {
			return nil, fmt.Errorf("write default settings to %s: %w", path, werr)
		}
		return nil, fmt.Errorf("%s: %w", path, ErrConfigRequired)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), koanfjson.Parser()); err != nil {
		return nil, fmt.Errorf("load settings from %s: %w", path, err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	s := &Settings{}
	if err := k.Unmarshal("", s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(s); err != nil {
		return nil, fmt.Errorf("validate settings from %s: %w", path, err)
	}

	return s, nil
}

// envKeyMapper transforms P2PNODE_INFO_ID -> info.id and
// P2PNODE_INFO_AUTH_TOKEN -> info.auth_token: only the underscore after
// the section name becomes a dot.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// Persist re-marshals the Settings and writes them to path atomically:
// write to a temp file in the same directory, then rename into place.
// koanf has no writer counterpart to file.Provider, so this uses
// encoding/json directly — the one place Settings round-trips by hand.
func (s *Settings) Persist(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".node-settings-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // best-effort cleanup if rename fails

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing; report the write error
		return fmt.Errorf("write temp settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp settings file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename settings file into place: %w", err)
	}
	return nil
}

// PersistCredentials updates Info with freshly issued credentials and
// persists the whole Settings document to path. Called once, after a
// successful sign-up.
func (s *Settings) PersistCredentials(path, nodeID, authToken string) error {
	s.Info.ID = nodeID
	s.Info.AuthToken = authToken
	return s.Persist(path)
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validate checks the settings for logical errors, including the
// distinct-filesystem-mount invariant of spec.md Section 3.
func Validate(s *Settings) error {
	if len(s.SignalingServers) == 0 {
		return ErrNoSignalingServers
	}
	if len(s.Paths) == 0 {
		return ErrNoStoragePaths
	}

	seenMounts := make(map[uint64]string, len(s.Paths))
	for i, p := range s.Paths {
		if p.Threshold < 0 || p.Threshold > 100 {
			return fmt.Errorf("paths[%d] threshold %d: %w", i, p.Threshold, ErrInvalidThreshold)
		}

		mount, err := mountResolver(p.Path)
		if err != nil {
			return fmt.Errorf("paths[%d] resolve mount for %s: %w", i, p.Path, err)
		}
		if prior, dup := seenMounts[mount]; dup {
			return fmt.Errorf("paths[%d] %s shares a mount with %s: %w", i, p.Path, prior, ErrMountCollision)
		}
		seenMounts[mount] = p.Path
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a level string to the corresponding slog.Level.
// Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
