// store_logs.go contains the append-only subagent log files.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/events"
)

const maxLogLineSize = 4 * 1024 * 1024

// LogPath returns the JSONL file holding a subagent record's log.
func (s *Store) LogPath(recordID string) string {
	return filepath.Join(s.root, "logs", recordID+".jsonl")
}

// AppendLogEvent appends one event line to the record's log.
func (s *Store) AppendLogEvent(recordID string, ev events.LogEvent) error {
	f, err := os.OpenFile(s.LogPath(recordID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// ReadLogEvents loads every event of a record's log. A missing file is an
// empty log. Indexes are the line positions, so a corrupt line leaves a gap
// instead of shifting the cursor of later events.
func (s *Store) ReadLogEvents(recordID string) ([]events.LogEvent, error) {
	f, err := os.Open(s.LogPath(recordID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []events.LogEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineSize)
	for line := 0; scanner.Scan(); line++ {
		var ev events.LogEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			debug.LogKV("store", "skipping corrupt log line", "record", recordID, "line", line, "error", err)
			continue
		}
		ev.Index = line
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("reading log %s: %w", recordID, err)
	}
	return out, nil
}

// LogLength returns the number of lines in a record's log, which is the
// index the next appended event receives.
func (s *Store) LogLength(recordID string) (int, error) {
	f, err := os.Open(s.LogPath(recordID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineSize)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}

// RemoveLog deletes a record's log file. Missing files are not an error.
func (s *Store) RemoveLog(recordID string) error {
	if err := os.Remove(s.LogPath(recordID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
