// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hostinstaller/hostupgrade/internal/pkg/ownership"
	"github.com/hostinstaller/hostupgrade/internal/pkg/runner"
)

// Engine restores a List from a backup root into a target root.
type Engine struct {
	Runner runner.Runner
	Logger *zap.Logger

	// Chown changes ownership of a restored path, os.Lchown if nil.
	Chown func(path string, uid, gid int) error
}

// NewEngine returns an Engine copying files through r.
func NewEngine(r runner.Runner, logger *zap.Logger) *Engine {
	return &Engine{
		Runner: r,
		Logger: logger,
	}
}

// Restore copies every entry of list from backupRoot to targetRoot, in order.
//
// Entries missing from the backup are skipped with a warning. Ownership is
// carried by user and group name, using each root's own database.
func (e *Engine) Restore(ctx context.Context, backupRoot, targetRoot string, list *List) error {
	mapper, err := ownership.NewMapper(backupRoot, targetRoot)
	if err != nil {
		return err
	}

	if e.Chown != nil {
		mapper.Chown = e.Chown
	}

	e.Logger.Info("restoring preserved files", zap.Int("entries", list.Len()))

	for _, entry := range list.Entries() {
		switch v := entry.(type) {
		case File:
			err = e.restore(ctx, mapper, backupRoot, targetRoot, string(v), string(v))
		case Rename:
			err = e.restore(ctx, mapper, backupRoot, targetRoot, v.Src, v.Dst)
		case Dir:
			err = e.restoreDir(ctx, mapper, backupRoot, targetRoot, v)
		default:
			err = fmt.Errorf("unknown restore entry %T", entry)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) restoreDir(ctx context.Context, mapper *ownership.Mapper, backupRoot, targetRoot string, d Dir) error {
	children, err := os.ReadDir(filepath.Join(backupRoot, d.Path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.Logger.Warn("directory did not exist in the backup image", zap.String("path", "/"+d.Path))

			return nil
		}

		return fmt.Errorf("error listing /%s in the backup: %w", d.Path, err)
	}

	for _, child := range children {
		rel := path.Join(d.Path, child.Name())

		if d.Match != nil && !d.Match(rel) {
			continue
		}

		if err = e.restore(ctx, mapper, backupRoot, targetRoot, rel, rel); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) restore(ctx context.Context, mapper *ownership.Mapper, backupRoot, targetRoot, src, dst string) error {
	srcPath := filepath.Join(backupRoot, src)
	dstPath := filepath.Join(targetRoot, dst)

	st, err := os.Stat(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.Logger.Warn("path did not exist in the backup image", zap.String("path", "/"+src))

			return nil
		}

		return fmt.Errorf("error reading /%s in the backup: %w", src, err)
	}

	e.Logger.Info("restoring", zap.String("path", "/"+src), zap.String("destination", "/"+dst))

	if err = os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("error creating parent of /%s: %w", dst, err)
	}

	if st.IsDir() {
		_, err = e.Runner.Run(ctx, "cp", "-rpT", srcPath, dstPath)
	} else {
		_, err = e.Runner.Run(ctx, "cp", "-p", srcPath, dstPath)
	}

	if err != nil {
		return fmt.Errorf("error restoring /%s: %w", src, err)
	}

	if err = mapper.CopyTree(srcPath, dstPath); err != nil {
		return fmt.Errorf("error restoring ownership of /%s: %w", dst, err)
	}

	return nil
}
