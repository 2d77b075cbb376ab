package logging

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/runsync/runsync/internal/constants"
)

// FileWriter renders zerolog JSON entries as plain lines into a rotating file.
type FileWriter struct {
	mu   sync.Mutex
	file *lumberjack.Logger
}

// NewFileWriter creates a rotating file writer for path.
func NewFileWriter(path string) *FileWriter {
	return &FileWriter{
		file: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    constants.LogMaxSizeMB,
			MaxBackups: constants.LogMaxBackups,
			MaxAge:     constants.LogMaxAgeDays,
			Compress:   true,
		},
	}
}

// Write implements io.Writer for zerolog.
// Format: timestamp [LEVEL] duty run: message key=value...
func (w *FileWriter) Write(p []byte) (int, error) {
	n := len(p)

	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, err := w.file.Write(p); err != nil {
			return 0, err
		}
		return n, nil
	}

	line := formatLine(time.Now(), fields)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write([]byte(line)); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the underlying file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func formatLine(now time.Time, fields map[string]interface{}) string {
	level, _ := fields["level"].(string)
	if level == "" {
		level = "info"
	}
	msg, _ := fields["message"].(string)
	duty, _ := fields["duty"].(string)
	if duty == "" {
		duty = "agent"
	}

	delete(fields, "level")
	delete(fields, "time")
	delete(fields, "message")
	delete(fields, "duty")

	line := now.Format("2006-01-02 15:04:05.000") + " [" + level + "] " + duty + ": " + msg
	for _, k := range sortedKeys(fields) {
		b, _ := json.Marshal(fields[k])
		line += " " + k + "=" + string(b)
	}
	return line + "\n"
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
