package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
)

// Config is the fully resolved, layered configuration for a single
// workspace root.
type Config struct {
	FollowSymlinks bool     `json:"follow_symlinks"`
	MaxDepth       int      `json:"max_depth"`
	IncludeExt     []string `json:"include_ext"`
	IncludeNames   []string `json:"include_names"`
	ExcludeDirs    []string `json:"exclude_dirs"`
	ExcludeGlobs   []string `json:"exclude_globs"`

	IncludeAdd    []string `json:"include_add,omitempty"`
	ExcludeAdd    []string `json:"exclude_add,omitempty"`
	IncludeRemove []string `json:"include_remove,omitempty"`
	ExcludeRemove []string `json:"exclude_remove,omitempty"`

	MaxParseBytes int `json:"max_parse_bytes"`
	MaxASTBytes   int `json:"max_ast_bytes"`

	StoreContent    bool `json:"store_content"`
	StoreCompress   bool `json:"store_compress"`
	CompressLevel   int  `json:"compress_level"`
	RedactEnabled   bool `json:"redact_enabled"`

	IndexWorkers     int `json:"index_workers"`
	IndexMemMB       int `json:"index_mem_mb"`
	IndexL1BatchSize int `json:"index_l1_batch_size"`

	StorageOverlaySize int `json:"storage_overlay_size"`

	SnippetMaxBytes    int `json:"snippet_max_bytes"`
	SnippetCacheSize   int `json:"snippet_cache_size"`

	EngineMode        string `json:"engine_mode"`
	EngineIndexPolicy string `json:"engine_index_policy"`
	EngineIndexMemMB  int    `json:"engine_index_mem_mb"`
	EngineReloadMS    int    `json:"engine_reload_ms"`

	GitCheckoutDebounceSec float64 `json:"git_checkout_debounce_sec"`

	// ActiveProfiles records which auto-detected profiles contributed
	// to this merge, for doctor/status reporting.
	ActiveProfiles []string `json:"active_profiles,omitempty"`
}

// CoreProfile is the built-in profile, always active (layer 1 of
// spec §4.1's ordered merge).
func CoreProfile() Config {
	return Config{
		FollowSymlinks: false,
		MaxDepth:       64,
		IncludeExt: []string{
			".go", ".py", ".rs", ".ts", ".tsx", ".js", ".jsx",
			".java", ".c", ".h", ".cc", ".cpp", ".hpp", ".md", ".txt",
		},
		IncludeNames: []string{
			"Dockerfile", "Makefile", "CMakeLists.txt", "go.mod", "go.sum",
			"package.json", "Cargo.toml", "requirements.txt", "pyproject.toml",
		},
		ExcludeDirs:  []string{".git", ".sari", "node_modules", "vendor", "dist", "build", ".venv", "__pycache__"},
		ExcludeGlobs: []string{"*.min.js", "*.lock", "*.pb.go"},

		MaxParseBytes: 2 << 20, // 2 MiB
		MaxASTBytes:   2 << 20,

		StoreContent:  true,
		StoreCompress: false,
		CompressLevel: 6,
		RedactEnabled: true,

		IndexWorkers:     8,
		IndexMemMB:       4096,
		IndexL1BatchSize: 200,

		StorageOverlaySize: 2000,

		SnippetMaxBytes:  4096,
		SnippetCacheSize: 1000,

		EngineMode:        "embedded",
		EngineIndexPolicy: "global",
		EngineIndexMemMB:  256,
		EngineReloadMS:    1000,

		GitCheckoutDebounceSec: 1.5,
	}
}

// profileMarker associates a profile name with its detection marker
// filename and the additive config it contributes when the marker is
// found within the first three directory levels of the workspace.
type profileMarker struct {
	name    string
	marker  string
	additive Config
}

var profileMarkers = []profileMarker{
	{name: "go", marker: "go.mod", additive: Config{IncludeExt: []string{".go"}}},
	{name: "python", marker: "pyproject.toml", additive: Config{IncludeExt: []string{".py"}}},
	{name: "python", marker: "requirements.txt", additive: Config{IncludeExt: []string{".py"}}},
	{name: "web", marker: "package.json", additive: Config{ExcludeDirs: []string{"node_modules", "dist", "build"}}},
	{name: "rust", marker: "Cargo.toml", additive: Config{IncludeExt: []string{".rs"}}},
}

// DetectProfiles walks the first three directory levels under root
// looking for profile marker files, filtered by the .sariignore
// patterns already in effect. Returns the additive configs to merge,
// in the deterministic order the depth-first walk finds their markers
// (directory entries visited by name).
func DetectProfiles(root string, ignored func(relPath string) bool) ([]profileMarker, error) {
	seen := map[string]bool{}
	var found []profileMarker

	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		if depth > 3 {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil // unreadable subtree: skip, not fatal
		}
		for _, e := range entries {
			rel, _ := filepath.Rel(root, filepath.Join(dir, e.Name()))
			if ignored != nil && ignored(rel) {
				continue
			}
			if e.IsDir() {
				if depth < 3 {
					_ = walk(filepath.Join(dir, e.Name()), depth+1)
				}
				continue
			}
			for _, pm := range profileMarkers {
				if e.Name() == pm.marker && !seen[pm.name+pm.marker] {
					seen[pm.name+pm.marker] = true
					found = append(found, pm)
				}
			}
		}
		return nil
	}
	if err := walk(root, 0); err != nil {
		return nil, err
	}
	return found, nil
}

// Merge performs the ordered layered merge of spec §4.1:
// (1) core profile, (2) auto-detected profiles, (3) global config,
// (4) workspace config, (5) additive include/exclude unions,
// (6) strict include/exclude removals. Deterministic and idempotent.
func Merge(profiles []profileMarker, global, workspace *Config) (Config, error) {
	merged := CoreProfile()

	for _, p := range profiles {
		if err := mergo.Merge(&merged, p.additive, mergo.WithAppendSlice); err != nil {
			return Config{}, fmt.Errorf("merging profile %s: %w", p.name, err)
		}
		merged.ActiveProfiles = appendUnique(merged.ActiveProfiles, p.name)
	}

	if global != nil {
		if err := mergo.Merge(&merged, *global, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			return Config{}, fmt.Errorf("merging global config: %w", err)
		}
	}

	if workspace != nil {
		if err := mergo.Merge(&merged, *workspace, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			return Config{}, fmt.Errorf("merging workspace config: %w", err)
		}
		// mergo's append-slice option only concatenates same-named slice
		// fields; it does not fold include_add/exclude_add into the base
		// lists. The explicit union/removal passes below express layers
		// (5) and (6), which mergo has no primitive for (set union with
		// de-dup, then set subtraction).
		merged.IncludeExt = unionStrings(merged.IncludeExt, workspace.IncludeAdd)
		merged.ExcludeGlobs = unionStrings(merged.ExcludeGlobs, workspace.ExcludeAdd)
		merged.IncludeExt = subtractStrings(merged.IncludeExt, workspace.IncludeRemove)
		merged.ExcludeGlobs = subtractStrings(merged.ExcludeGlobs, workspace.ExcludeRemove)
	}

	return merged, nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func unionStrings(base, add []string) []string {
	out := append([]string(nil), base...)
	for _, a := range add {
		out = appendUnique(out, a)
	}
	return out
}

func subtractStrings(base, remove []string) []string {
	if len(remove) == 0 {
		return base
	}
	rm := make(map[string]bool, len(remove))
	for _, r := range remove {
		rm[r] = true
	}
	out := base[:0:0]
	for _, b := range base {
		if !rm[b] {
			out = append(out, b)
		}
	}
	return out
}

// ErrSQLiteMagic is returned when a JSON config file's first bytes
// are sniffed and match the SQLite header, per the §4.1 schema
// safeguard.
var ErrSQLiteMagic = fmt.Errorf("config path contains a SQLite database, not JSON")

var sqliteMagic = []byte("SQLite format 3\x00")

// LoadJSONConfig reads a JSON config file at path, sniffing the first
// 16 bytes for the SQLite header before attempting to parse. Returns
// (nil, nil) if the file does not exist — callers treat that as "no
// layer at this level", not an error.
func LoadJSONConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	head := data
	if len(head) > 16 {
		head = head[:16]
	}
	if bytes.Equal(head, sqliteMagic[:len(head)]) {
		return nil, ErrSQLiteMagic
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveJSONConfig writes cfg to path as pretty-printed JSON, creating
// parent directories as needed.
func SaveJSONConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// MigrateLegacyWorkspaceConfig migrates <root>/.sari/config.json (the
// legacy path) into <root>/.sari/mcp-config.json on first read, but
// only when the legacy file is JSON-shaped; a SQLite-magic legacy file
// is left untouched (it belongs to some other, unrelated tool).
func MigrateLegacyWorkspaceConfig(root string) error {
	legacy := filepath.Join(root, ".sari", "config.json")
	current := filepath.Join(root, ".sari", "mcp-config.json")

	if _, err := os.Stat(current); err == nil {
		return nil // already migrated
	}
	data, err := os.ReadFile(legacy)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	head := data
	if len(head) > 16 {
		head = head[:16]
	}
	if bytes.Equal(head, sqliteMagic[:len(head)]) {
		return nil // not JSON-shaped, do not migrate
	}
	var probe Config
	if json.Unmarshal(data, &probe) != nil {
		return nil // not JSON-shaped
	}
	return os.WriteFile(current, data, 0o644)
}

// GlobalConfigPath returns ~/.config/sari/config.json.
func GlobalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "sari", "config.json"), nil
}

// DataDir returns ~/.local/share/sari, the root of all persisted
// state (index.db, full-text index directory, server.json, pid file,
// HMAC key file).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "sari"), nil
}

// DBPath returns the single global database path, ~/.local/share/sari/index.db.
func DBPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "index.db"), nil
}

// env reads string/int/bool/duration values with the SARI_ prefix,
// grounding the §6 environment variable table.
func envString(name, def string) string {
	if v := os.Getenv("SARI_" + name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv("SARI_" + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(name string, def bool) bool {
	if v := os.Getenv("SARI_" + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv("SARI_" + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// ApplyEnvOverrides overlays SARI_-prefixed environment variables onto
// an already-merged config, for the subset of settings the core reads
// directly from the environment per §6.
func (c *Config) ApplyEnvOverrides() {
	c.FollowSymlinks = envBool("FOLLOW_SYMLINKS", c.FollowSymlinks)
	c.MaxParseBytes = envInt("MAX_PARSE_BYTES", c.MaxParseBytes)
	c.MaxASTBytes = envInt("MAX_AST_BYTES", c.MaxASTBytes)
	c.MaxDepth = envInt("MAX_DEPTH", c.MaxDepth)
	c.IndexWorkers = envInt("INDEX_WORKERS", c.IndexWorkers)
	c.IndexMemMB = envInt("INDEX_MEM_MB", c.IndexMemMB)
	c.IndexL1BatchSize = envInt("INDEX_L1_BATCH_SIZE", c.IndexL1BatchSize)
	c.StorageOverlaySize = envInt("STORAGE_OVERLAY_SIZE", c.StorageOverlaySize)
	c.SnippetMaxBytes = envInt("SNIPPET_MAX_BYTES", c.SnippetMaxBytes)
	c.SnippetCacheSize = envInt("SNIPPET_CACHE_SIZE", c.SnippetCacheSize)
	c.RedactEnabled = envBool("REDACT_ENABLED", c.RedactEnabled)
	c.EngineMode = envString("ENGINE_MODE", c.EngineMode)
	c.EngineIndexPolicy = envString("ENGINE_INDEX_POLICY", c.EngineIndexPolicy)
	c.EngineIndexMemMB = envInt("ENGINE_INDEX_MEM_MB", c.EngineIndexMemMB)
	c.EngineReloadMS = envInt("ENGINE_RELOAD_MS", c.EngineReloadMS)
}
