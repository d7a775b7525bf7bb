// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package devpath rewrites stored disk references when the disk naming scheme changes.
package devpath

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/hostinstaller/hostupgrade/pkg/constants"
)

// Files are the state files known to embed disk paths, relative to the root.
var Files = []string{
	constants.DefaultStorageConfPath,
	constants.XAPIDBPath,
}

// Scheme is a change of disk naming scheme.
type Scheme struct {
	Name string

	// Matches reports whether the scheme converts from the old to the new identifier.
	Matches func(oldID, newID string) bool

	// PartitionSuffix converts "<old>pN" partition references to "<old>-partN" first.
	PartitionSuffix bool
}

// Schemes are the known naming scheme changes.
var Schemes = []Scheme{
	{
		Name: "cciss to scsi",
		Matches: func(oldID, newID string) bool {
			return strings.Contains(oldID, "cciss") && strings.Contains(newID, "scsi")
		},
	},
	{
		Name: "md to md-uuid",
		Matches: func(oldID, newID string) bool {
			return strings.HasPrefix(oldID, "/dev/md_") && strings.HasPrefix(newID, constants.DiskByIDDir+"/md-uuid-")
		},
		PartitionSuffix: true,
	},
	{
		Name: "scsi to ata",
		Matches: func(oldID, newID string) bool {
			return strings.HasPrefix(oldID, constants.DiskByIDDir+"/scsi-") && strings.HasPrefix(newID, constants.DiskByIDDir+"/ata-")
		},
	},
}

// Rewriter replaces disk references in the state files of a root.
type Rewriter struct {
	Logger *zap.Logger
}

// NewRewriter returns a Rewriter.
func NewRewriter(logger *zap.Logger) *Rewriter {
	return &Rewriter{Logger: logger}
}

// Rewrite replaces oldID with newID in Files under root, for every Scheme that matches.
//
// Running it again over rewritten files changes nothing.
func (r *Rewriter) Rewrite(root, oldID, newID string) error {
	if oldID == "" || newID == "" || oldID == newID {
		return nil
	}

	for _, scheme := range Schemes {
		if !scheme.Matches(oldID, newID) {
			continue
		}

		r.Logger.Info("converting disk references", zap.String("scheme", scheme.Name), zap.String("old", oldID), zap.String("new", newID))

		for _, file := range Files {
			if err := r.rewriteFile(filepath.Join(root, file), oldID, newID, scheme.PartitionSuffix); err != nil {
				return fmt.Errorf("error rewriting %s: %w", file, err)
			}
		}
	}

	return nil
}

func (r *Rewriter) rewriteFile(path, oldID, newID string, partitionSuffix bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.Logger.Warn("state file does not exist, skipping", zap.String("path", path))

			return nil
		}

		return err
	}

	rewritten := Substitute(string(b), oldID, newID, partitionSuffix)
	if rewritten == string(b) {
		return nil
	}

	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	return os.WriteFile(path, []byte(rewritten), st.Mode().Perm())
}

// Substitute replaces every oldID in s with newID, leaving existing occurrences of newID intact.
func Substitute(s, oldID, newID string, partitionSuffix bool) string {
	var partRe *regexp.Regexp

	if partitionSuffix {
		partRe = regexp.MustCompile("(" + regexp.QuoteMeta(oldID) + `)p([0-9]+)`)
	}

	pieces := strings.Split(s, newID)

	for i, piece := range pieces {
		if partRe != nil {
			piece = partRe.ReplaceAllString(piece, "${1}-part${2}")
		}

		pieces[i] = strings.ReplaceAll(piece, oldID, newID)
	}

	return strings.Join(pieces, newID)
}

// StableID returns the link in dir which resolves to disk.
//
// World wide name links are used only when no other link exists; disk itself is returned
// when nothing resolves to it.
func StableID(dir, disk string) (string, error) {
	target, err := filepath.EvalSymlinks(disk)
	if err != nil {
		return "", fmt.Errorf("error resolving %s: %w", disk, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return disk, nil
		}

		return "", err
	}

	var candidates []string

	for _, entry := range entries {
		if strings.Contains(entry.Name(), "-part") {
			continue
		}

		link := filepath.Join(dir, entry.Name())

		resolved, err := filepath.EvalSymlinks(link)
		if err != nil || resolved != target {
			continue
		}

		candidates = append(candidates, link)
	}

	if len(candidates) == 0 {
		return disk, nil
	}

	slices.SortStableFunc(candidates, func(a, b string) int {
		return boolToInt(isWWN(a)) - boolToInt(isWWN(b))
	})

	return candidates[0], nil
}

func isWWN(link string) bool {
	return strings.HasPrefix(filepath.Base(link), "wwn-")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
