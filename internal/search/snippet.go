package search

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

var definitionPattern = regexp.MustCompile(`(?i)^\s*(class|def|function|struct|interface|type)\b`)

// ExtractSnippet implements §4.5.1's sliding-window algorithm: a
// window of width min(total_lines, maxLines) is scored by +1 per term
// occurrence per line, +5 if the line matches a definition pattern,
// and the highest-scoring window is returned with matches wrapped in
// >>>...<<<.
func ExtractSnippet(content, query string, maxLines int, caseSensitive bool) string {
	if maxLines <= 0 {
		maxLines = 10
	}
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return ""
	}

	terms := strings.Fields(query)
	if len(terms) == 0 {
		if len(lines) > maxLines {
			lines = lines[:maxLines]
		}
		return strings.Join(lines, "\n")
	}

	width := maxLines
	if len(lines) < width {
		width = len(lines)
	}

	lineScores := make([]float64, len(lines))
	for i, line := range lines {
		cmp := line
		cmpTerms := terms
		if !caseSensitive {
			cmp = strings.ToLower(cmp)
			cmpTerms = make([]string, len(terms))
			for j, t := range terms {
				cmpTerms[j] = strings.ToLower(t)
			}
		}
		for _, t := range cmpTerms {
			lineScores[i] += float64(strings.Count(cmp, t))
		}
		if definitionPattern.MatchString(line) {
			lineScores[i] += 5
		}
	}

	bestStart, bestScore := 0, -1.0
	windowScore := 0.0
	for i := 0; i < width && i < len(lineScores); i++ {
		windowScore += lineScores[i]
	}
	bestScore = windowScore
	for start := 1; start+width <= len(lineScores); start++ {
		windowScore += lineScores[start+width-1] - lineScores[start-1]
		if windowScore > bestScore {
			bestScore = windowScore
			bestStart = start
		}
	}

	end := bestStart + width
	if end > len(lines) {
		end = len(lines)
	}
	window := lines[bestStart:end]

	return highlight(strings.Join(window, "\n"), terms, caseSensitive)
}

func highlight(text string, terms []string, caseSensitive bool) string {
	for _, term := range terms {
		if term == "" {
			continue
		}
		flags := "(?i)"
		if caseSensitive {
			flags = ""
		}
		re, err := regexp.Compile(flags + regexp.QuoteMeta(term))
		if err != nil {
			continue
		}
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			return ">>>" + m + "<<<"
		})
	}
	return text
}

// SnippetKey is the cache key of §4.5.1: (path, query, blake2b(content,
// 8), case_sensitive).
type SnippetKey struct {
	Path          string
	Query         string
	ContentDigest string
	CaseSensitive bool
}

// ContentDigest returns an 8-byte blake2b digest of content, hex
// encoded, guaranteeing cache invalidation on content change.
func ContentDigest(content []byte) string {
	sum := blake2b.Sum512(content)
	return fmt.Sprintf("%x", sum[:8])
}

// SnippetCache is an LRU of extracted snippets keyed by SnippetKey,
// sized by SNIPPET_CACHE_SIZE.
type SnippetCache struct {
	mu      sync.Mutex
	maxSize int
	order   []SnippetKey
	values  map[SnippetKey]string
}

// NewSnippetCache constructs a bounded cache.
func NewSnippetCache(size int) *SnippetCache {
	if size <= 0 {
		size = 2048
	}
	return &SnippetCache{
		maxSize: size,
		values:  make(map[SnippetKey]string, size),
	}
}

// GetOrCompute returns the cached snippet for key, computing and
// storing it via compute if absent.
func (c *SnippetCache) GetOrCompute(key SnippetKey, compute func() string) string {
	c.mu.Lock()
	if v, ok := c.values[key]; ok {
		for i, k := range c.order {
			if k == key {
				c.order = append(append(c.order[:i:i], c.order[i+1:]...), key)
				break
			}
		}
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	v := compute()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[key]; !ok {
		if len(c.values) >= c.maxSize && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.values, oldest)
		}
		c.order = append(c.order, key)
	}
	c.values[key] = v
	return v
}

// Len reports the number of cached entries.
func (c *SnippetCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}
