// Package memory implements the memory collaborator: markdown notes the
// agent leaves under .agent/memory/, digested into the prompt under a
// token budget.
package memory

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BytesPerToken mirrors the prompt builder's truncation heuristic.
const BytesPerToken = 4

// Dir reads .md files from a directory, newest first.
type Dir struct {
	path string
}

// NewDir creates a memory source rooted at path.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Digest concatenates memory files newest-first and truncates to roughly
// budgetTokens. A missing directory yields an empty digest.
func (d *Dir) Digest(budgetTokens int) string {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return ""
	}

	type memFile struct {
		name    string
		modTime int64
	}
	var files []memFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, memFile{name: entry.Name(), modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime != files[j].modTime {
			return files[i].modTime > files[j].modTime
		}
		return files[i].name < files[j].name
	})

	budget := budgetTokens * BytesPerToken
	var sb strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(d.path, f.name))
		if err != nil {
			continue
		}
		section := "### " + f.name + "\n\n" + strings.TrimSpace(string(data)) + "\n\n"
		if budget > 0 && sb.Len()+len(section) > budget {
			remaining := budget - sb.Len()
			if remaining > 0 {
				sb.WriteString(section[:remaining])
				sb.WriteString("\n... [truncated]")
			}
			break
		}
		sb.WriteString(section)
	}
	return strings.TrimSpace(sb.String())
}
