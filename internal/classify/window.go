package classify

import (
	"fmt"

	"eegrun/internal/model"
)

// FilterFlags selects the conditioning stages a Filter should run.
type FilterFlags struct {
	Notch           bool `yaml:"notch" json:"notch"`
	BandPass        bool `yaml:"band_pass" json:"band_pass"`
	ArtifactRemoval bool `yaml:"artifact_removal" json:"artifact_removal"`
}

// Filter conditions one channel's samples before the window is split. The
// result must have the same length as samples.
type Filter interface {
	Apply(samples []float64, sampleRate int, flags FilterFlags) []float64
}

// PassthroughFilter leaves samples untouched.
type PassthroughFilter struct{}

func (PassthroughFilter) Apply(samples []float64, _ int, _ FilterFlags) []float64 {
	return samples
}

// WindowShape describes how raw rows become a window.
type WindowShape struct {
	Channels   int
	SubWindows int
	SampleRate int
	Flags      FilterFlags
}

// BuildWindow transposes raw rows into per-channel series, filters each
// channel and splits it into shape.SubWindows equal chunks.
func BuildWindow(rows [][]int, shape WindowShape, filter Filter) (model.Window, error) {
	channels, subWindows := shape.Channels, shape.SubWindows
	if channels <= 0 || subWindows <= 0 {
		return nil, fmt.Errorf("invalid window shape: channels=%d sub_windows=%d", channels, subWindows)
	}
	if len(rows) == 0 || len(rows)%subWindows != 0 {
		return nil, fmt.Errorf("cannot split %d rows into %d sub-windows", len(rows), subWindows)
	}
	if filter == nil {
		filter = PassthroughFilter{}
	}
	perSub := len(rows) / subWindows

	window := make(model.Window, channels)
	for c := 0; c < channels; c++ {
		series := make([]float64, len(rows))
		for i, row := range rows {
			if len(row) != channels {
				return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), channels)
			}
			series[i] = float64(row[c])
		}
		filtered := filter.Apply(series, shape.SampleRate, shape.Flags)
		if len(filtered) != len(rows) {
			return nil, fmt.Errorf("filter changed channel %d length: %d -> %d", c, len(rows), len(filtered))
		}
		window[c] = make([][]float64, subWindows)
		for s := 0; s < subWindows; s++ {
			window[c][s] = filtered[s*perSub : (s+1)*perSub]
		}
	}
	return window, nil
}
