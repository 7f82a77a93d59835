package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"sunfish/pkg/redfish"
)

// LoadTree replaces the resource tree with the contents of a backup
// directory laid out one index.json per resource, mirroring the tree's path
// structure. Returns the number of resources loaded.
func (s *Store) LoadTree(ctx context.Context, dir string) (int, error) {
	if _, err := os.Stat(dir); err != nil {
		return 0, fmt.Errorf("backup directory %s not accessible: %w", dir, err)
	}

	if err := s.Reset(ctx); err != nil {
		return 0, err
	}

	loaded := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "index.json" {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		var obj redfish.Resource
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
		if obj.ODataID() == "" {
			slog.Warn("Skipping backup file without @odata.id", "file", path)
			return nil
		}
		if err := s.Import(ctx, obj); err != nil {
			return err
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, err
	}

	slog.Info("Resource tree reloaded from backup", "dir", dir, "resources", loaded)
	return loaded, nil
}
