package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"eegrun/internal/model"
)

// TimestampLayout matches the results files written by earlier tooling.
const TimestampLayout = "2006-01-02 15:04:05.000000"

const (
	summaryFieldCount    = 16
	predictionFieldCount = 5
)

func encodeSummary(row model.SummaryRow) []string {
	return []string{
		row.Timestamp.Format(TimestampLayout),
		strconv.Itoa(row.SubjectID),
		row.ModelFamily,
		strconv.Itoa(int(row.Mode)),
		encodeBool(row.TransferLearning),
		strconv.Itoa(row.LeftCorrect),
		strconv.Itoa(row.RightCorrect),
		strconv.Itoa(row.LeftIncorrect),
		strconv.Itoa(row.RightIncorrect),
		strconv.Itoa(row.LeftTotal),
		strconv.Itoa(row.RightTotal),
		strconv.Itoa(row.TotalTasks),
		strconv.Itoa(row.CorrectTotal),
		strconv.Itoa(row.IncorrectTotal),
		row.Accuracy,
		strconv.Itoa(row.RuntimeSeconds),
	}
}

func decodeSummary(record []string) (model.SummaryRow, error) {
	if len(record) != summaryFieldCount {
		return model.SummaryRow{}, fmt.Errorf("summary record has %d fields, want %d", len(record), summaryFieldCount)
	}
	ts, err := time.ParseInLocation(TimestampLayout, record[0], time.Local)
	if err != nil {
		return model.SummaryRow{}, fmt.Errorf("summary timestamp: %w", err)
	}
	ints := make([]int, 0, 13)
	for _, idx := range []int{1, 3, 5, 6, 7, 8, 9, 10, 11, 12, 13, 15} {
		v, err := strconv.Atoi(record[idx])
		if err != nil {
			return model.SummaryRow{}, fmt.Errorf("summary field %d: %w", idx, err)
		}
		ints = append(ints, v)
	}
	return model.SummaryRow{
		Timestamp:        ts,
		SubjectID:        ints[0],
		ModelFamily:      record[2],
		Mode:             model.RunMode(ints[1]),
		TransferLearning: decodeBool(record[4]),
		LeftCorrect:      ints[2],
		RightCorrect:     ints[3],
		LeftIncorrect:    ints[4],
		RightIncorrect:   ints[5],
		LeftTotal:        ints[6],
		RightTotal:       ints[7],
		TotalTasks:       ints[8],
		CorrectTotal:     ints[9],
		IncorrectTotal:   ints[10],
		Accuracy:         record[14],
		RuntimeSeconds:   ints[11],
	}, nil
}

func encodePredictions(row model.PredictionRow) []string {
	return []string{
		row.Timestamp.Format(TimestampLayout),
		row.ModelID,
		strconv.Itoa(int(row.Mode)),
		encodeBool(row.TransferLearning),
		row.Joined(),
	}
}

func decodePredictions(record []string) (model.PredictionRow, error) {
	if len(record) != predictionFieldCount {
		return model.PredictionRow{}, fmt.Errorf("prediction record has %d fields, want %d", len(record), predictionFieldCount)
	}
	ts, err := time.ParseInLocation(TimestampLayout, record[0], time.Local)
	if err != nil {
		return model.PredictionRow{}, fmt.Errorf("prediction timestamp: %w", err)
	}
	mode, err := strconv.Atoi(record[2])
	if err != nil {
		return model.PredictionRow{}, fmt.Errorf("prediction run mode: %w", err)
	}
	labels, err := splitLabels(record[4])
	if err != nil {
		return model.PredictionRow{}, err
	}
	return model.PredictionRow{
		Timestamp:        ts,
		ModelID:          record[1],
		Mode:             model.RunMode(mode),
		TransferLearning: decodeBool(record[3]),
		Predictions:      labels,
	}, nil
}

func splitLabels(joined string) ([]int, error) {
	if joined == "" {
		return []int{}, nil
	}
	parts := strings.Split(joined, ",")
	labels := make([]int, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("prediction label %q: %w", part, err)
		}
		labels[i] = v
	}
	return labels, nil
}

func encodeBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func decodeBool(raw string) bool {
	v, _ := strconv.ParseBool(raw)
	return v
}
