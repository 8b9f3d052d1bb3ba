package classify

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"eegrun/internal/model"
)

const weightsExt = ".h5"

// ModelInfo is one base model found on disk.
type ModelInfo struct {
	ID   string        `json:"id"`
	Mode model.RunMode `json:"mode"`
	Path string        `json:"path"`
}

// Catalog lists the base models available per run mode.
type Catalog struct {
	byMode map[model.RunMode][]ModelInfo
}

// ScanCatalog reads dir for weight files. Subject overrides and files that
// name neither run mode are skipped; a repeated id is an error.
func ScanCatalog(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan models: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), weightsExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	catalog := &Catalog{byMode: map[model.RunMode][]ModelInfo{}}
	for _, name := range names {
		lower := strings.ToLower(name)
		var mode model.RunMode
		switch {
		case strings.Contains(lower, "subj_id"):
			continue
		case strings.Contains(lower, "executed"):
			mode = model.Executed
		case strings.Contains(lower, "imagined"):
			mode = model.Imagined
		default:
			continue
		}
		info := ModelInfo{
			ID:   strings.TrimSuffix(name, weightsExt),
			Mode: mode,
			Path: filepath.Join(dir, name),
		}
		if err := catalog.Add(info); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func (c *Catalog) Add(info ModelInfo) error {
	if !info.Mode.Valid() {
		return fmt.Errorf("invalid run mode for model %s", info.ID)
	}
	if _, ok := c.Find(info.Mode, info.ID); ok {
		return fmt.Errorf("duplicate model: %s (%s)", info.ID, info.Mode)
	}
	if c.byMode == nil {
		c.byMode = map[model.RunMode][]ModelInfo{}
	}
	c.byMode[info.Mode] = append(c.byMode[info.Mode], info)
	return nil
}

func (c *Catalog) Models(mode model.RunMode) []ModelInfo {
	return append([]ModelInfo(nil), c.byMode[mode]...)
}

func (c *Catalog) Find(mode model.RunMode, id string) (ModelInfo, bool) {
	for _, info := range c.byMode[mode] {
		if info.ID == id {
			return info, true
		}
	}
	return ModelInfo{}, false
}
