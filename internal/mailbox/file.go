package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	escalationsFile = "active_escalations.json"
	responsesFile   = "human_responses.json"
)

// FileMailbox stores the escalation and response registries as two JSON
// files in a shared directory. Writes replace the whole file via a temp
// file and atomic rename, so the operator tool in another process never
// reads partial state.
type FileMailbox struct {
	dir    string
	logger *zap.Logger

	// mu serializes read-modify-write cycles within this process.
	// Cross-process safety relies on atomic replace: a concurrent
	// reader sees either the old or the new registry, never a mix.
	mu sync.Mutex
}

// NewFileMailbox creates the mailbox directory and empty registries if
// they do not exist yet.
func NewFileMailbox(dir string, logger *zap.Logger) (*FileMailbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("mailbox directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create mailbox directory %s: %w", dir, err)
	}

	m := &FileMailbox{dir: dir, logger: logger}
	for _, name := range []string{escalationsFile, responsesFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := writeRegistry(dir, name, map[string]json.RawMessage{}); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// PutEscalation stores a new escalation record.
func (m *FileMailbox) PutEscalation(ctx context.Context, esc *Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.loadEscalations()
	if err != nil {
		return err
	}
	reg[esc.ID] = esc
	return m.saveEscalations(reg)
}

// GetEscalation returns the record for an id.
func (m *FileMailbox) GetEscalation(ctx context.Context, id string) (*Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.loadEscalations()
	if err != nil {
		return nil, err
	}
	esc, ok := reg[id]
	if !ok {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrEscalationNotFound)
	}
	return esc, nil
}

// UpdateEscalation replaces the record for an existing id.
func (m *FileMailbox) UpdateEscalation(ctx context.Context, esc *Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.loadEscalations()
	if err != nil {
		return err
	}
	if _, ok := reg[esc.ID]; !ok {
		return fmt.Errorf("escalation %s: %w", esc.ID, ErrEscalationNotFound)
	}
	reg[esc.ID] = esc
	return m.saveEscalations(reg)
}

// ListEscalations returns records with the given status, newest first.
func (m *FileMailbox) ListEscalations(ctx context.Context, status EscalationStatus) ([]*Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.loadEscalations()
	if err != nil {
		return nil, err
	}

	var out []*Escalation
	for _, esc := range reg {
		if status == "" || esc.Status == status {
			out = append(out, esc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// PutResponse stores an operator answer for an escalation id.
func (m *FileMailbox) PutResponse(ctx context.Context, escalationID, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.loadResponses()
	if err != nil {
		return err
	}
	reg[escalationID] = response
	return m.saveResponses(reg)
}

// TakeResponse removes and returns the operator answer for an id.
func (m *FileMailbox) TakeResponse(ctx context.Context, escalationID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.loadResponses()
	if err != nil {
		return "", false, err
	}
	resp, ok := reg[escalationID]
	if !ok {
		return "", false, nil
	}
	delete(reg, escalationID)
	if err := m.saveResponses(reg); err != nil {
		return "", false, err
	}
	return resp, true, nil
}

// AwaitResponse watches the responses registry for changes and consumes
// the answer as soon as it lands, falling back to interval polling when
// the watcher cannot be established.
func (m *FileMailbox) AwaitResponse(ctx context.Context, escalationID string, timeout, pollInterval time.Duration) (string, bool, error) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(m.dir); werr != nil {
			m.logger.Debug("mailbox watch unavailable, polling only", zap.Error(werr))
			watcher = nil
		}
	} else {
		m.logger.Debug("fsnotify unavailable, polling only", zap.Error(err))
		watcher = nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		resp, ok, err := m.TakeResponse(ctx, escalationID)
		if err != nil {
			return "", false, err
		}
		if ok {
			return resp, true, nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-deadline.C:
			return "", false, nil
		case <-events:
			// Registry changed; re-check immediately.
		case <-ticker.C:
		}
	}
}

func (m *FileMailbox) loadEscalations() (map[string]*Escalation, error) {
	var reg map[string]*Escalation
	if err := readRegistry(m.dir, escalationsFile, &reg); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = make(map[string]*Escalation)
	}
	return reg, nil
}

func (m *FileMailbox) saveEscalations(reg map[string]*Escalation) error {
	return writeRegistry(m.dir, escalationsFile, reg)
}

func (m *FileMailbox) loadResponses() (map[string]string, error) {
	var reg map[string]string
	if err := readRegistry(m.dir, responsesFile, &reg); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = make(map[string]string)
	}
	return reg, nil
}

func (m *FileMailbox) saveResponses(reg map[string]string) error {
	return writeRegistry(m.dir, responsesFile, reg)
}

func readRegistry(dir, name string, out any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

func writeRegistry(dir, name string, reg any) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp registry: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
