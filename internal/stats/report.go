package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"eegrun/internal/model"
)

const (
	sessionIndexFile  = "session_index.json"
	sessionReportFile = "session.json"
)

type ModelReport struct {
	ModelID        string `json:"model_id"`
	Family         string `json:"family"`
	LeftCorrect    int    `json:"left_correct"`
	RightCorrect   int    `json:"right_correct"`
	LeftIncorrect  int    `json:"left_incorrect"`
	RightIncorrect int    `json:"right_incorrect"`
	LeftTotal      int    `json:"left_total"`
	RightTotal     int    `json:"right_total"`
	TotalTasks     int    `json:"total_tasks"`
	CorrectTotal   int    `json:"correct_total"`
	Accuracy       string `json:"accuracy"`
	Predictions    []int  `json:"predictions"`
}

// SessionReport is the per-session document results viewers read.
type SessionReport struct {
	SessionID        string        `json:"session_id"`
	SubjectID        int           `json:"subject_id"`
	Mode             string        `json:"mode"`
	TransferLearning bool          `json:"transfer_learning"`
	SelectedModel    string        `json:"selected_model"`
	Outcome          string        `json:"outcome"`
	TasksCompleted   int           `json:"tasks_completed"`
	RuntimeSeconds   int           `json:"runtime_seconds"`
	CreatedAtUTC     string        `json:"created_at_utc"`
	Models           []ModelReport `json:"models"`
	Tasks            []model.Task  `json:"tasks"`
}

type SessionIndexEntry struct {
	SessionID      string `json:"session_id"`
	SubjectID      int    `json:"subject_id"`
	Mode           string `json:"mode"`
	Outcome        string `json:"outcome"`
	TasksCompleted int    `json:"tasks_completed"`
	CreatedAtUTC   string `json:"created_at_utc"`
}

func NewModelReport(r Record) ModelReport {
	return ModelReport{
		ModelID:        r.ModelID,
		Family:         ModelFamily(r.ModelID),
		LeftCorrect:    r.LeftCorrect,
		RightCorrect:   r.RightCorrect,
		LeftIncorrect:  r.LeftIncorrect(),
		RightIncorrect: r.RightIncorrect(),
		LeftTotal:      r.LeftTotal,
		RightTotal:     r.RightTotal,
		TotalTasks:     r.TotalTasks(),
		CorrectTotal:   r.CorrectTotal(),
		Accuracy:       r.AccuracyString(),
		Predictions:    append([]int{}, r.Predictions...),
	}
}

// WriteSessionReport writes <baseDir>/<session>/session.json and records the
// session in the directory index.
func WriteSessionReport(baseDir string, report SessionReport) (string, error) {
	if report.SessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	sessionDir := filepath.Join(baseDir, report.SessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(sessionDir, sessionReportFile), report); err != nil {
		return "", err
	}
	entry := SessionIndexEntry{
		SessionID:      report.SessionID,
		SubjectID:      report.SubjectID,
		Mode:           report.Mode,
		Outcome:        report.Outcome,
		TasksCompleted: report.TasksCompleted,
		CreatedAtUTC:   report.CreatedAtUTC,
	}
	if err := appendSessionIndex(baseDir, entry); err != nil {
		return "", err
	}
	return sessionDir, nil
}

func ReadSessionReport(baseDir, sessionID string) (SessionReport, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, sessionID, sessionReportFile))
	if err != nil {
		if os.IsNotExist(err) {
			return SessionReport{}, false, nil
		}
		return SessionReport{}, false, err
	}
	var report SessionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return SessionReport{}, false, err
	}
	return report, true, nil
}

func appendSessionIndex(baseDir string, entry SessionIndexEntry) error {
	index, err := ListSessionIndex(baseDir)
	if err != nil {
		return err
	}
	for i := range index {
		if index[i].SessionID == entry.SessionID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, sessionIndexFile), index)
		}
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, sessionIndexFile), index)
}

// ListSessionIndex returns indexed sessions, newest first.
func ListSessionIndex(baseDir string) ([]SessionIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, sessionIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionIndexEntry{}, nil
		}
		return nil, err
	}
	var entries []SessionIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	// Stable keeps later appends ahead of earlier ones with the same timestamp.
	reversed := make([]SessionIndexEntry, len(entries))
	for i := range entries {
		reversed[len(entries)-1-i] = entries[i]
	}
	sort.SliceStable(reversed, func(i, j int) bool {
		return reversed[i].CreatedAtUTC > reversed[j].CreatedAtUTC
	})
	return reversed, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
