/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local serves plain filesystem paths. Relative paths resolve against Root.
type Local struct {
	Root string
}

var _ Backend = (*Local)(nil)

// NewLocal returns a Local backend. An empty root means the working directory.
func NewLocal(root string) *Local {
	return &Local{Root: root}
}

func (l *Local) resolve(loc Location) string {
	p := filepath.Clean(loc.Key)
	if filepath.IsAbs(p) || l.Root == "" {
		return p
	}
	return filepath.Join(l.Root, p)
}

// List implements Backend. A missing directory lists as empty.
func (l *Local) List(_ context.Context, dir Location) (Contents, error) {
	root := l.resolve(dir)
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return Contents{}, nil
	}
	if err != nil {
		return Contents{}, err
	}

	var c Contents
	for _, de := range entries {
		key := filepath.Join(root, de.Name())
		switch {
		case de.IsDir():
			c.Folders = append(c.Folders, Entry{Key: key, Name: de.Name(), Type: KindFolder})
		case de.Type().IsRegular() && strings.HasSuffix(de.Name(), RolloutExt):
			info, err := de.Info()
			if err != nil {
				// Removed since ReadDir.
				continue
			}
			c.Files = append(c.Files, Entry{
				Key:          key,
				Name:         de.Name(),
				Type:         KindFile,
				Size:         info.Size(),
				LastModified: info.ModTime().UTC(),
			})
		}
	}
	return c, nil
}

// Read implements Backend.
func (l *Local) Read(_ context.Context, loc Location) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(loc))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", loc.Key, ErrNotFound)
	}
	return data, err
}

// Write implements Backend. The file is replaced atomically: data goes to a
// temporary file in the same directory which is then renamed over the target,
// so readers see either the old or the new contents.
func (l *Local) Write(_ context.Context, loc Location, data []byte) (err error) {
	path := l.resolve(loc)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Exists implements Backend.
func (l *Local) Exists(_ context.Context, loc Location) (bool, error) {
	info, err := os.Stat(l.resolve(loc))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}
