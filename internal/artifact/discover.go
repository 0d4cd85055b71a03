package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotDirectory is returned when the discovery root isn't a directory.
var ErrNotDirectory = errors.New("not a directory")

// DiscoveryError reports that the build output directory couldn't be read.
type DiscoveryError struct {
	Root string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s: %v", e.Root, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Discover returns the absolute paths of all regular files under root.
//
// Directories are traversed with an explicit stack in lexical order, so the
// result is deterministic: the files of a directory come first, followed by
// the contents of its subdirectories. Symbolic links below root are neither
// followed nor returned, which also rules out cycles. Other non-regular files
// are skipped.
func Discover(root string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, &DiscoveryError{Root: root, Err: err}
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, &DiscoveryError{Root: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &DiscoveryError{Root: root, Err: ErrNotDirectory}
	}

	files := make([]string, 0)
	stack := []string{absRoot}
	for len(stack) > 0 {
		var dir string
		stack, dir = stack[:len(stack)-1], stack[len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, &DiscoveryError{Root: root, Err: err}
		}

		// Subdirectories are pushed in reverse so they pop in lexical order.
		subdirs := make([]string, 0)
		for _, entry := range entries {
			name := filepath.Join(dir, entry.Name())
			switch t := entry.Type(); {
			case t&fs.ModeSymlink != 0:
				continue
			case t.IsDir():
				subdirs = append(subdirs, name)
			case t.IsRegular():
				files = append(files, name)
			}
		}
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}

	return files, nil
}

// Collect discovers the files under root and returns them as pending artifacts.
func Collect(root string) ([]*Artifact, error) {
	files, err := Discover(root)
	if err != nil {
		return nil, err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, &DiscoveryError{Root: root, Err: err}
	}

	artifacts := make([]*Artifact, 0, len(files))
	for _, file := range files {
		artifacts = append(artifacts, New(absRoot, file))
	}
	return artifacts, nil
}
