package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadSessionList parses a CSV with subject_id and session_id columns into
// a subject -> sessions listing. Other columns are ignored.
func ReadSessionList(r io.Reader) (map[string][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading sessions header: %w", err)
	}
	subjectCol, sessionCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case "subject_id":
			subjectCol = i
		case "session_id":
			sessionCol = i
		}
	}
	if subjectCol < 0 || sessionCol < 0 {
		return nil, fmt.Errorf("sessions csv needs subject_id and session_id columns, got %v", header)
	}

	listed := make(map[string][]string)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sessions csv line %d: %w", line, err)
		}
		if len(rec) <= subjectCol || len(rec) <= sessionCol {
			return nil, fmt.Errorf("sessions csv line %d: too few columns", line)
		}
		subject := strings.TrimSpace(rec[subjectCol])
		session := strings.TrimSpace(rec[sessionCol])
		if subject == "" || session == "" {
			continue
		}
		listed[subject] = append(listed[subject], session)
	}
	return listed, nil
}

// ReadSessionListFile is ReadSessionList over a file path.
func ReadSessionListFile(path string) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSessionList(f)
}
