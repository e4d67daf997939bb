package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sari/internal/parser"
	"sari/internal/workspace"
)

// Prior is the prior (mtime, size, content_hash) the worker compares
// against before deciding whether a file is unchanged (§4.3 step 3).
// The caller fills it in on the Task; the worker never reads the DB
// itself. A zero Prior (Found false) means the file is always re-read
// and re-hashed; the rescan and index_file tools enqueue tasks without
// one.
type Prior struct {
	ModTime int64
	Size    int64
	Hash    string
	Found   bool
}

// Task is one unit of work handed to a Pipeline.
type Task struct {
	Root      string // workspace root, absolute
	RootID    string
	AbsPath   string
	Info      os.FileInfo
	ScanTS    int64
	Excluded  bool
	Force     bool
	Prior     Prior
}

// ErrVanished signals the file disappeared between scan and
// processing; the task is dropped, not retried (§4.3 step 1:
// "survivable").
var ErrVanished = errors.New("worker: file vanished mid-scan")

// Pipeline runs the per-file classify/hash/parse steps of §4.3.
type Pipeline struct {
	cfg      workspace.Config
	parsers  *parser.Registry
	labelers map[string]*RepoLabeler
}

// New constructs a Pipeline bound to a single workspace's config and
// parser registry.
func New(cfg workspace.Config, parsers *parser.Registry) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		parsers:  parsers,
		labelers: make(map[string]*RepoLabeler),
	}
}

func (p *Pipeline) labeler(root string) *RepoLabeler {
	if l, ok := p.labelers[root]; ok {
		return l
	}
	l := NewRepoLabeler(root, 4096)
	p.labelers[root] = l
	return l
}

// Process runs one task through the pipeline. It never returns
// ErrVanished as a hard failure to the caller's sense of "the scan
// broke" — callers should treat it as "skip this file."
func (p *Pipeline) Process(t Task) (Result, error) {
	info, err := os.Stat(t.AbsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, ErrVanished
		}
		return Result{}, err
	}

	rel, err := filepath.Rel(t.Root, t.AbsPath)
	if err != nil {
		return Result{}, err
	}
	rel = filepath.ToSlash(rel)

	repo := p.labeler(t.Root).Label(filepath.Dir(t.AbsPath))

	base := Result{
		Path:    t.AbsPath,
		RelPath: rel,
		RootID:  t.RootID,
		Repo:    repo,
		ModTime: info.ModTime().Unix(),
		Size:    info.Size(),
		ScanTS:  t.ScanTS,
	}

	if t.Excluded {
		base.Kind = "excluded"
		base.ParseStatus = StatusSkipped
		base.ParseReason = "excluded by config"
		return base, nil
	}

	if !t.Force && t.Prior.Found && t.Prior.ModTime == base.ModTime && t.Prior.Size == base.Size {
		if !p.cfg.StoreContent {
			base.Kind = "unchanged"
			base.Hash = t.Prior.Hash
			return base, nil
		}
	}

	content, err := readBounded(t.AbsPath, p.cfg.MaxParseBytes)
	if err != nil {
		return Result{}, err
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	base.Hash = hash

	if !t.Force && t.Prior.Found && t.Prior.ModTime == base.ModTime && t.Prior.Size == base.Size && t.Prior.Hash == hash {
		base.Kind = "unchanged"
		return base, nil
	}
	base.Kind = "updated"

	isBinary := classifyBinary(content)
	isMinified := !isBinary && classifyMinified(content)
	base.IsBinary = isBinary
	base.IsMinified = isMinified
	base.ContentBytes = len(content)

	if isBinary {
		base.ParseStatus = StatusSkipped
		base.ParseReason = "binary content"
		if p.cfg.StoreContent {
			base.Content = maybeCompress(content, p.cfg)
		}
		return base, nil
	}

	text := decodeText(content)
	if p.cfg.RedactEnabled {
		text = redact(text)
	}
	base.FTSText = normalizeFTS(text)

	if p.cfg.StoreContent {
		stored := []byte(text)
		base.Content = maybeCompress(stored, p.cfg)
	}

	ext := strings.ToLower(filepath.Ext(t.AbsPath))
	if pr, ok := p.parsers.For(ext); ok {
		res, perr := pr.Extract(t.AbsPath, content)
		if perr != nil {
			base.ParseStatus = StatusFailed
			base.ParseReason = perr.Error()
			base.ASTStatus = StatusFailed
			return base, nil
		}
		base.Symbols = res.Symbols
		base.Relations = res.Relations
		base.ParseStatus = StatusOK
		base.ASTStatus = StatusOK
		if len(res.Errors) > 0 {
			base.ASTStatus = "partial"
			base.ASTReason = res.Errors[0].Message
		}
	} else {
		base.ParseStatus = StatusSkipped
		base.ParseReason = "no parser for extension"
	}

	return base, nil
}

func maybeCompress(content []byte, cfg workspace.Config) []byte {
	if !cfg.StoreCompress {
		return content
	}
	level := cfg.CompressLevel
	if level == 0 {
		level = 6
	}
	compressed, err := compressContent(content, level)
	if err != nil {
		return content
	}
	return compressed
}

func readBounded(path string, max int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if max <= 0 {
		max = 10 << 20
	}
	content, err := io.ReadAll(io.LimitReader(f, int64(max)))
	if err != nil {
		return nil, err
	}
	return content, nil
}

func normalizeFTS(text string) string {
	text = strings.ToLower(text)
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}
