// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ownership carries file ownership between root filesystems by user and group name.
package ownership

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moby/sys/user"
	"golang.org/x/sys/unix"
)

// Database is the user and group database of a root filesystem.
type Database struct {
	userNames  map[int]string
	groupNames map[int]string
	uids       map[string]int
	gids       map[string]int
}

// Load reads etc/passwd and etc/group under root; missing files give an empty database.
func Load(root string) (*Database, error) {
	db := &Database{
		userNames:  map[int]string{},
		groupNames: map[int]string{},
		uids:       map[string]int{},
		gids:       map[string]int{},
	}

	users, err := user.ParsePasswdFile(filepath.Join(root, "etc", "passwd"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading users of %s: %w", root, err)
	}

	for _, u := range users {
		if _, ok := db.userNames[u.Uid]; !ok {
			db.userNames[u.Uid] = u.Name
		}

		db.uids[u.Name] = u.Uid
	}

	groups, err := user.ParseGroupFile(filepath.Join(root, "etc", "group"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading groups of %s: %w", root, err)
	}

	for _, g := range groups {
		if _, ok := db.groupNames[g.Gid]; !ok {
			db.groupNames[g.Gid] = g.Name
		}

		db.gids[g.Name] = g.Gid
	}

	return db, nil
}

// UserName returns the name of uid.
func (db *Database) UserName(uid int) (string, bool) {
	name, ok := db.userNames[uid]

	return name, ok
}

// GroupName returns the name of gid.
func (db *Database) GroupName(gid int) (string, bool) {
	name, ok := db.groupNames[gid]

	return name, ok
}

// UID returns the id of the named user.
func (db *Database) UID(name string) (int, bool) {
	id, ok := db.uids[name]

	return id, ok
}

// GID returns the id of the named group.
func (db *Database) GID(name string) (int, bool) {
	id, ok := db.gids[name]

	return id, ok
}

// Mapper translates ownership from the source database to the target database.
//
// Ids without a name in the source, or whose name is unknown to the
// target, are kept as they are.
type Mapper struct {
	Source *Database
	Target *Database

	// Chown changes ownership of a path without following symlinks.
	Chown func(path string, uid, gid int) error
}

// NewMapper loads the databases of both roots.
func NewMapper(sourceRoot, targetRoot string) (*Mapper, error) {
	src, err := Load(sourceRoot)
	if err != nil {
		return nil, err
	}

	dst, err := Load(targetRoot)
	if err != nil {
		return nil, err
	}

	return &Mapper{
		Source: src,
		Target: dst,
		Chown:  os.Lchown,
	}, nil
}

// Map returns the target ids for the source ids.
func (m *Mapper) Map(uid, gid int) (int, int) {
	if name, ok := m.Source.UserName(uid); ok {
		if id, ok := m.Target.UID(name); ok {
			uid = id
		}
	}

	if name, ok := m.Source.GroupName(gid); ok {
		if id, ok := m.Target.GID(name); ok {
			gid = id
		}
	}

	return uid, gid
}

// Copy applies the ownership of src, translated, to dst.
func (m *Mapper) Copy(src, dst string) error {
	var st unix.Stat_t

	if err := unix.Lstat(src, &st); err != nil {
		return fmt.Errorf("error reading ownership of %s: %w", src, err)
	}

	uid, gid := m.Map(int(st.Uid), int(st.Gid))

	if err := m.Chown(dst, uid, gid); err != nil {
		return fmt.Errorf("error changing ownership of %s: %w", dst, err)
	}

	return nil
}

// CopyTree applies ownership of every entry under src to the matching entry under dst.
func (m *Mapper) CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		return m.Copy(path, filepath.Join(dst, rel))
	})
}
