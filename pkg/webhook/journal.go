package webhook

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/smartramana/hookmesh/pkg/observability"
)

// journal persists queue state as append-only JSON lines so pending
// deliveries survive restarts. Each enqueue is one line; the matching
// dequeue line is written only once the task finishes, so a task that
// dies mid-attempt is still replayed. Compaction on clean shutdown
// rewrites the file with only the tasks still pending.
type journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger observability.Logger
}

type journalEntry struct {
	Op   string `json:"op"` // enqueue | dequeue | status
	Task *task  `json:"task"`
}

func openJournal(path string, logger observability.Logger) (*journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue journal: %w", err)
	}
	return &journal{path: path, file: file, logger: logger}, nil
}

// record appends one entry. Journal write failures are logged, never
// propagated: persistence is best-effort relative to live delivery.
func (j *journal) record(op string, t *task) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return
	}
	data, err := json.Marshal(journalEntry{Op: op, Task: t})
	if err != nil {
		return
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		j.logger.Warn("Failed to append to queue journal", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// replay reads the journal and returns the tasks that were enqueued but
// never dequeued, in original order. Corrupted lines are skipped.
func (j *journal) replay() []*task {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		return nil
	}
	defer func() { _ = file.Close() }()

	pending := make(map[string]*task)
	var order []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			j.logger.Warn("Skipping corrupted journal line", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if entry.Task == nil || len(entry.Task.DeliveryIDs) == 0 {
			continue
		}
		key := entry.Task.DeliveryIDs[0]
		switch entry.Op {
		case "enqueue":
			if _, ok := pending[key]; !ok {
				order = append(order, key)
			}
			pending[key] = entry.Task
		case "dequeue":
			delete(pending, key)
		}
	}

	tasks := make([]*task, 0, len(pending))
	for _, key := range order {
		if t, ok := pending[key]; ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// compact rewrites the journal with only the given pending tasks
func (j *journal) compact(pending []*task) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		_ = j.file.Close()
		j.file = nil
	}
	tmp := j.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to compact queue journal: %w", err)
	}
	writer := bufio.NewWriter(file)
	for _, t := range pending {
		data, err := json.Marshal(journalEntry{Op: "enqueue", Task: t})
		if err != nil {
			continue
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to write compacted journal: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

func (j *journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		_ = j.file.Close()
		j.file = nil
	}
}
