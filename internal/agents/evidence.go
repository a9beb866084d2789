package agents

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alliecatowo/legalease-ai/internal/state"
)

// EvidenceSource lists the inventoried evidence of a case per category.
type EvidenceSource interface {
	ListEvidence(ctx context.Context, caseID string, cat state.EvidenceCategory) ([]state.EvidenceItem, error)
}

// FileSource reads evidence from the local case layout:
// <root>/<case_id>/{documents,transcripts,communications}/<file>.
// A missing category directory means an empty inventory, not an error.
type FileSource struct {
	Root string
}

func NewFileSource(root string) *FileSource {
	return &FileSource{Root: root}
}

func (f *FileSource) ListEvidence(ctx context.Context, caseID string, cat state.EvidenceCategory) ([]state.EvidenceItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(f.Root, caseID, string(cat))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read evidence dir %s: %w", dir, err)
	}

	var items []state.EvidenceItem
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		item := state.EvidenceItem{
			ID:         fmt.Sprintf("%s/%s", cat, entry.Name()),
			Category:   cat,
			Title:      entry.Name(),
			Source:     filepath.Join(dir, entry.Name()),
			IngestedAt: info.ModTime().UTC(),
		}
		if head, err := readHead(item.Source, 500); err == nil {
			item.Excerpt = head
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func readHead(path string, n int) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(fh, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return strings.ToValidUTF8(strings.TrimSpace(string(buf[:read])), ""), nil
}
