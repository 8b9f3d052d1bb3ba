package classify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"eegrun/internal/model"
)

// WeightKey identifies per-subject weights for one model.
type WeightKey struct {
	ModelID   string
	Mode      model.RunMode
	SubjectID int
}

// Artifact is an opaque reference to a weights file.
type Artifact struct {
	Path string `json:"path"`
	// Subject marks weights fine-tuned for the session's subject.
	Subject bool `json:"subject"`
}

type WeightRegistry interface {
	Resolve(key WeightKey) (Artifact, bool)
}

// MapWeights is an explicit in-memory registry.
type MapWeights map[WeightKey]Artifact

func (m MapWeights) Resolve(key WeightKey) (Artifact, bool) {
	artifact, ok := m[key]
	return artifact, ok
}

// DirWeights resolves subject weights by file naming convention inside Dir.
type DirWeights struct {
	Dir string
}

func (d DirWeights) Resolve(key WeightKey) (Artifact, bool) {
	path := d.Path(key)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Artifact{}, false
	}
	return Artifact{Path: path, Subject: true}, true
}

// Path is where subject weights for key live, whether or not they exist yet.
func (d DirWeights) Path(key WeightKey) string {
	return filepath.Join(d.Dir, SubjectWeightsName(key))
}

// SubjectWeightsName omits the run mode when the model id already names it.
func SubjectWeightsName(key WeightKey) string {
	mode := key.Mode.String()
	if strings.Contains(strings.ToLower(key.ModelID), strings.ToLower(mode)) {
		return fmt.Sprintf("%s_subj_id_%d.h5", key.ModelID, key.SubjectID)
	}
	return fmt.Sprintf("%s_%s_subj_id_%d.h5", key.ModelID, mode, key.SubjectID)
}
