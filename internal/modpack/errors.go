package modpack

import (
	"errors"
	"fmt"
)

var (
	ErrNotAContainer      = errors.New("not a package container")
	ErrTruncated          = errors.New("package container truncated")
	ErrUnsupportedMethod  = errors.New("unsupported compression method")
	ErrUnsupportedVersion = errors.New("unsupported container version")
	ErrCorrupt            = errors.New("entry data does not match its checksum")
	ErrAborted            = errors.New("aborted")
	ErrInvalidPath        = errors.New("invalid entry path")
	ErrDuplicateEntry     = errors.New("duplicate entry path")
)

// ArchiveError reports a failed codec operation together with the file it
// was working on.
type ArchiveError struct {
	Op   string
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

func archiveErr(op, path string, err error) error {
	return &ArchiveError{Op: op, Path: path, Err: err}
}
