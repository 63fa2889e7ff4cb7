// Package noop implements filebackend.Backend by discarding all bytes,
// returning metadata with an empty StorageLocation. Required for test
// environments per spec §4.G.
package noop

import (
	"context"
	"time"

	"goa.design/agentrt/filebackend"
)

// Backend discards every write.
type Backend struct{}

// New constructs a no-op file backend.
func New() *Backend { return &Backend{} }

func (*Backend) Store(_ context.Context, _, fileID, filename, _ string, data []byte) (filebackend.Meta, error) {
	return filebackend.Meta{
		FileID:    fileID,
		Filename:  filename,
		Size:      int64(len(data)),
		Timestamp: time.Now().UTC(),
		BackendID: "noop",
	}, nil
}

func (*Backend) Update(_ context.Context, _, fileID string, data []byte) (filebackend.Meta, error) {
	return filebackend.Meta{
		FileID:    fileID,
		Size:      int64(len(data)),
		Timestamp: time.Now().UTC(),
		IsUpdate:  true,
		BackendID: "noop",
	}, nil
}

func (*Backend) Retrieve(_ context.Context, _, fileID string) ([]byte, filebackend.Meta, error) {
	return nil, filebackend.Meta{FileID: fileID, BackendID: "noop"}, nil
}

func (*Backend) Delete(context.Context, string, string) error { return nil }
