package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// SchemaVersion identifies the trace entry layout.
const SchemaVersion = 1

// Entry is one line of the trace log: a single accepted request.
// The key secret never appears; only the label and truncated hash do.
type Entry struct {
	Schema        int    `json:"schema"`
	TS            string `json:"ts"`
	RequestID     string `json:"request_id"`
	Method        string `json:"method"`
	Endpoint      string `json:"endpoint"`
	Status        int    `json:"status"`
	LatencyMS     int64  `json:"latency_ms"`
	KeyLabel      string `json:"key_label"`
	KeyHash       string `json:"key_hash"`
	RotationIndex int    `json:"rotation_index"`
	PromptHint    string `json:"prompt_hint"`
	PromptHead    string `json:"prompt_head"`
	ErrorCode     string `json:"error_code,omitempty"`
}

// LoadTail reads the last window entries from a trace file, skipping lines
// that fail to decode. A missing file yields an empty slice.
func LoadTail(path string, window int) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening trace: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if window > 0 && len(lines) > window {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Confidence reports how close the given entries are to a uniform rotation:
// 100 minus the largest relative deviation from the expected per-label
// share, in percent, floored at zero and rounded to two decimals. Empty
// input scores 100.
func Confidence(entries []Entry) float64 {
	if len(entries) == 0 {
		return 100.0
	}
	counts := make(map[string]int)
	for _, entry := range entries {
		label := entry.KeyLabel
		if label == "" {
			label = "unknown"
		}
		counts[label]++
	}
	expected := float64(len(entries)) / float64(len(counts))
	if expected == 0 {
		return 100.0
	}
	maxDev := 0.0
	for _, count := range counts {
		dev := math.Abs(float64(count)-expected) / expected
		if dev > maxDev {
			maxDev = dev
		}
	}
	confidence := 100.0 - maxDev*100.0
	if confidence < 0 {
		confidence = 0
	}
	return math.Round(confidence*100) / 100
}
