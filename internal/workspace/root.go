package workspace

import (
	"fmt"
	"path/filepath"
	"time"
)

// Root is the resolved identity of a workspace: its stable root_id,
// the normalized absolute path, and the layered configuration that
// applies to it.
type Root struct {
	ID         string
	AbsPath    string
	RealPath   string
	Label      string
	Config     Config
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Resolve normalizes rawPath, derives its root_id, loads the global
// and workspace configuration layers, detects profiles, and performs
// the full ordered merge of §4.1.
func Resolve(rawPath string, followSymlinks bool) (*Root, error) {
	norm, err := Normalize(rawPath, followSymlinks)
	if err != nil {
		return nil, fmt.Errorf("normalizing workspace path: %w", err)
	}

	id := RootID(norm)

	if err := MigrateLegacyWorkspaceConfig(norm); err != nil {
		return nil, fmt.Errorf("migrating legacy workspace config: %w", err)
	}

	globalPath, err := GlobalConfigPath()
	if err != nil {
		return nil, err
	}
	global, err := LoadJSONConfig(globalPath)
	if err != nil {
		return nil, err
	}

	wsPath := filepath.Join(norm, ".sari", "mcp-config.json")
	ws, err := LoadJSONConfig(wsPath)
	if err != nil {
		return nil, err
	}

	dbPath, err := DBPath()
	if err != nil {
		return nil, err
	}
	if dbPath == globalPath || (ws != nil && dbPath == wsPath) {
		return nil, fmt.Errorf("resolved db_path must not equal a config file path: %s", dbPath)
	}

	ignoreFile := filepath.Join(norm, ".sariignore")
	ignored, err := loadIgnorePatterns(ignoreFile)
	if err != nil {
		return nil, err
	}

	profiles, err := DetectProfiles(norm, ignored.Matches)
	if err != nil {
		return nil, err
	}

	merged, err := Merge(profiles, global, ws)
	if err != nil {
		return nil, err
	}
	merged.ApplyEnvOverrides()

	label := deriveLabel(norm)

	now := time.Now()
	return &Root{
		ID:        id,
		AbsPath:   norm,
		RealPath:  norm,
		Label:     label,
		Config:    merged,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func deriveLabel(absPath string) string {
	if gitRoot, ok := FindGitRoot(absPath); ok {
		return filepath.Base(gitRoot)
	}
	return filepath.Base(absPath)
}
