package model

import (
	"fmt"
	"strings"
	"time"
)

// Hand is the target class of a motor task.
type Hand int

const (
	Left  Hand = 0
	Right Hand = 1
)

func (h Hand) Valid() bool {
	return h == Left || h == Right
}

func (h Hand) String() string {
	switch h {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("hand(%d)", int(h))
	}
}

// Label is the class id a model emits for this hand.
func (h Hand) Label() int {
	return int(h)
}

// RunMode distinguishes executed movement sessions from imagined ones.
type RunMode int

const (
	Executed RunMode = iota
	Imagined
)

func (m RunMode) Valid() bool {
	return m == Executed || m == Imagined
}

func (m RunMode) String() string {
	switch m {
	case Executed:
		return "Executed"
	case Imagined:
		return "Imagined"
	default:
		return fmt.Sprintf("RunMode(%d)", int(m))
	}
}

func ParseRunMode(raw string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "executed", "0":
		return Executed, nil
	case "imagined", "1":
		return Imagined, nil
	default:
		return 0, fmt.Errorf("unsupported run mode: %q", raw)
	}
}

// PredictionSet holds one label per sub-window of a task window.
type PredictionSet struct {
	ModelID string `json:"model_id"`
	Labels  []int  `json:"labels"`
}

// Window is a filtered task window laid out as channels x sub-windows x samples.
type Window [][][]float64

func (w Window) Channels() int {
	return len(w)
}

func (w Window) SubWindows() int {
	if len(w) == 0 {
		return 0
	}
	return len(w[0])
}

func (w Window) SamplesPerSubWindow() int {
	if len(w) == 0 || len(w[0]) == 0 {
		return 0
	}
	return len(w[0][0])
}

// Batch returns the model input layout: sub-windows x samples x channels.
func (w Window) Batch() [][][]float64 {
	channels := w.Channels()
	subs := w.SubWindows()
	samples := w.SamplesPerSubWindow()
	out := make([][][]float64, subs)
	for s := 0; s < subs; s++ {
		out[s] = make([][]float64, samples)
		for t := 0; t < samples; t++ {
			row := make([]float64, channels)
			for c := 0; c < channels; c++ {
				row[c] = w[c][s][t]
			}
			out[s][t] = row
		}
	}
	return out
}

type Task struct {
	Number      int             `json:"number"`
	Target      Hand            `json:"target"`
	RunTime     time.Duration   `json:"run_time"`
	Window      Window          `json:"-"`
	Predictions []PredictionSet `json:"predictions,omitempty"`
	Selected    PredictionSet   `json:"selected"`
	Majority    int             `json:"majority"`
	Recorded    bool            `json:"recorded"`
}

// Correct reports whether the selected model's majority vote hit the target.
func (t Task) Correct() bool {
	return t.Recorded && t.Majority == t.Target.Label()
}

type Session struct {
	ID               string    `json:"id"`
	SubjectID        int       `json:"subject_id"`
	Mode             RunMode   `json:"mode"`
	TaskCount        int       `json:"task_count"`
	TransferLearning bool      `json:"transfer_learning"`
	ShowPredictions  bool      `json:"show_predictions"`
	Tasks            []*Task   `json:"tasks"`
	Current          int       `json:"current"`
	Running          bool      `json:"running"`
	StartedAt        time.Time `json:"started_at"`
}

// NextTask hands out tasks in order and returns nil once exhausted.
func (s *Session) NextTask() *Task {
	if s.Current >= len(s.Tasks) {
		return nil
	}
	task := s.Tasks[s.Current]
	s.Current++
	return task
}

// GenerateTasks alternates targets starting with the right hand.
func GenerateTasks(count int, runTime time.Duration) []*Task {
	tasks := make([]*Task, 0, count)
	for i := 0; i < count; i++ {
		target := Right
		if i%2 == 1 {
			target = Left
		}
		tasks = append(tasks, &Task{Number: i + 1, Target: target, RunTime: runTime})
	}
	return tasks
}

type EventKind int

const (
	TaskStart EventKind = iota + 1
	TaskResult
)

func (k EventKind) String() string {
	switch k {
	case TaskStart:
		return "task_start"
	case TaskResult:
		return "task_result"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a progress notification. Task is a snapshot, safe to retain.
type Event struct {
	Kind EventKind
	Task Task
}

// SummaryRow is the per-model, per-session results row.
type SummaryRow struct {
	Timestamp        time.Time
	SubjectID        int
	ModelFamily      string
	Mode             RunMode
	TransferLearning bool
	LeftCorrect      int
	RightCorrect     int
	LeftIncorrect    int
	RightIncorrect   int
	LeftTotal        int
	RightTotal       int
	TotalTasks       int
	CorrectTotal     int
	IncorrectTotal   int
	Accuracy         string
	RuntimeSeconds   int
}

// PredictionRow carries the raw prediction stream of one model for a session.
type PredictionRow struct {
	Timestamp        time.Time
	ModelID          string
	Mode             RunMode
	TransferLearning bool
	Predictions      []int
}

func (r PredictionRow) Joined() string {
	parts := make([]string, len(r.Predictions))
	for i, p := range r.Predictions {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ",")
}
