// Package archive commits staged sessions to their permanent location.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Backend writes a staged session tree to the permanent archive. dest is the
// archive-relative location derived from (project, subject, experiment label).
type Backend interface {
	Commit(ctx context.Context, stagedDir, dest string) error
}

// Filesystem archives onto a local (or mounted) archive root. Rename is
// attempted first; cross-device moves fall back to copy-then-remove.
type Filesystem struct {
	Root string
}

// Commit moves stagedDir to Root/dest.
func (f Filesystem) Commit(ctx context.Context, stagedDir, dest string) error {
	target := filepath.Join(f.Root, dest)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("archive destination %s already occupied", dest)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("prepare archive path: %w", err)
	}
	if err := os.Rename(stagedDir, target); err == nil {
		return nil
	}
	if err := CopyTree(ctx, stagedDir, target); err != nil {
		return err
	}
	return os.RemoveAll(stagedDir)
}

// CopyTree copies src into dst recursively, preserving file modes and
// honoring context cancellation between files.
func CopyTree(ctx context.Context, src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Close()
}
