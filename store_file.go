package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileInvocationStore is a file-based implementation that persists each
// invocation as one JSON document under a data directory.
type FileInvocationStore struct {
	dataDir string
}

// NewFileInvocationStore creates a new file-based invocation store.
func NewFileInvocationStore(dataDir string) (*FileInvocationStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".invocation", "invocations")
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	return &FileInvocationStore{dataDir: dataDir}, nil
}

func (s *FileInvocationStore) invocationPath(id string) string {
	return filepath.Join(s.dataDir, id+".json")
}

// SaveInvocation writes the invocation to disk. Reviewer actions already
// recorded in the stored document are merged in first, so a save made from an
// older copy cannot discard a decision posted in the meantime. The write goes
// through a temporary file and a rename so a crash never leaves a truncated
// document.
func (s *FileInvocationStore) SaveInvocation(ctx context.Context, inv *Invocation) error {
	saved := inv.Copy()
	if stored, err := s.GetInvocation(ctx, inv.ID); err == nil {
		saved.MergeStepActions(stored)
	}
	return s.writeDocument(saved)
}

// SetStepAction records a reviewer decision by rewriting only the stored
// document, leaving any in-flight copies of the invocation untouched.
func (s *FileInvocationStore) SetStepAction(ctx context.Context, invocationID, stepID string, action bool) error {
	inv, err := s.GetInvocation(ctx, invocationID)
	if err != nil {
		return err
	}
	setRecordAction(inv, stepID, action)
	return s.writeDocument(inv)
}

func (s *FileInvocationStore) writeDocument(inv *Invocation) error {
	data, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal invocation: %w", err)
	}

	path := s.invocationPath(inv.ID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write invocation file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace invocation file: %w", err)
	}
	return nil
}

// GetInvocation loads an invocation from disk.
func (s *FileInvocationStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	data, err := os.ReadFile(s.invocationPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrInvocationNotFound
		}
		return nil, fmt.Errorf("failed to read invocation file: %w", err)
	}

	var inv Invocation
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invocation: %w", err)
	}
	return &inv, nil
}

// ActiveInvocationIDs scans the data directory for active invocations owned
// by the given handler and scheduler.
func (s *FileInvocationStore) ActiveInvocationIDs(ctx context.Context, handlerID, schedulerID string) ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read invocations directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		inv, err := s.GetInvocation(ctx, id)
		if err != nil {
			// Skip invocations we can't read
			continue
		}
		if !inv.Active() {
			continue
		}
		if handlerID != "" && inv.HandlerID != handlerID {
			continue
		}
		if schedulerID != "" && inv.SchedulerID != schedulerID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteInvocation removes an invocation's document.
func (s *FileInvocationStore) DeleteInvocation(ctx context.Context, id string) error {
	if err := os.Remove(s.invocationPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete invocation file: %w", err)
	}
	return nil
}
