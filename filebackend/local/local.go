// Package local implements filebackend.Backend against the local disk,
// the reference backend grounded on the original implementation's
// file_backends/local adapter: files live at
// <base>/<agent_uuid>/<file_id>, one file per id, later writes replacing
// earlier bytes in place.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"goa.design/agentrt/filebackend"
)

// Backend stores files under a base directory, one subdirectory per
// agent_uuid. Safe for concurrent use across agents (spec §5's shared
// resource policy); per-file locking is not required since §3 guarantees an
// agent instance is the single writer for its own agent_uuid.
type Backend struct {
	base string
	mu   sync.Mutex
}

// New constructs a local disk file backend rooted at base. base is created
// on first write if it does not exist.
func New(base string) *Backend {
	return &Backend{base: base}
}

func (b *Backend) path(agentUUID, fileID string) string {
	return filepath.Join(b.base, agentUUID, fileID)
}

func (b *Backend) Store(_ context.Context, agentUUID, fileID, filename, mediaType string, data []byte) (filebackend.Meta, error) {
	return b.write(agentUUID, fileID, filename, mediaType, data)
}

func (b *Backend) Update(_ context.Context, agentUUID, fileID string, data []byte) (filebackend.Meta, error) {
	return b.write(agentUUID, fileID, "", "", data)
}

func (b *Backend) write(agentUUID, fileID, filename, mediaType string, data []byte) (filebackend.Meta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Join(b.base, agentUUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return filebackend.Meta{}, fmt.Errorf("local: mkdir: %w", err)
	}
	target := b.path(agentUUID, fileID)

	var priorSize int64
	isUpdate := false
	if info, err := os.Stat(target); err == nil {
		priorSize = info.Size()
		isUpdate = true
	}

	// Write to a temp file and rename to satisfy the read-your-writes
	// atomicity requirement (spec §4.F) for same-id replacement.
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return filebackend.Meta{}, fmt.Errorf("local: write: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return filebackend.Meta{}, fmt.Errorf("local: rename: %w", err)
	}

	return filebackend.Meta{
		FileID:          fileID,
		Filename:        filename,
		StorageLocation: target,
		Size:            int64(len(data)),
		Timestamp:       time.Now().UTC(),
		IsUpdate:        isUpdate,
		BackendID:       "local",
		PriorSize:       priorSize,
		Extras:          map[string]any{"media_type": mediaType},
	}, nil
}

func (b *Backend) Retrieve(_ context.Context, agentUUID, fileID string) ([]byte, filebackend.Meta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.path(agentUUID, fileID)
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, filebackend.Meta{}, fmt.Errorf("local: retrieve %s: %w", fileID, err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, filebackend.Meta{}, fmt.Errorf("local: stat %s: %w", fileID, err)
	}
	return data, filebackend.Meta{
		FileID:          fileID,
		StorageLocation: target,
		Size:            info.Size(),
		Timestamp:       info.ModTime().UTC(),
		BackendID:       "local",
	}, nil
}

func (b *Backend) Delete(_ context.Context, agentUUID, fileID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.path(agentUUID, fileID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local: delete %s: %w", fileID, err)
	}
	return nil
}
