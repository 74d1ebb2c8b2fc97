package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Load reads a recording written by a FileSink: a header line followed by
// one event per line.
func Load(path string) (Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return Recording{}, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var rec Recording
	if !scanner.Scan() {
		return Recording{}, fmt.Errorf("recorder: %s is empty", path)
	}
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		return Recording{}, fmt.Errorf("recorder: parse header: %w", err)
	}
	rec.Events = nil

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return Recording{}, fmt.Errorf("recorder: parse event: %w", err)
		}
		rec.Events = append(rec.Events, ev)
	}
	if err := scanner.Err(); err != nil {
		return Recording{}, err
	}
	return rec, nil
}
