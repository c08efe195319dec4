// Package cdfpath splits logical filesystem paths into the directory,
// external-id prefix and external id used by the remote store.
package cdfpath

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Protocol is the URL scheme accepted in front of logical paths.
const Protocol = "cdffs"

// ErrInvalidPath is returned when a path cannot be mapped to an object.
var ErrInvalidPath = errors.New("invalid path")

// StripProtocol removes a leading "cdffs://" from p.
func StripProtocol(p string) string {
	return strings.TrimPrefix(p, Protocol+"://")
}

// HasSuffix reports whether a single path segment carries a file suffix.
// Hidden names such as ".zattrs" and names ending in a dot have none.
func HasSuffix(segment string) bool {
	i := strings.LastIndex(segment, ".")
	return i > 0 && i < len(segment)-1
}

// Split parses p into (rootDir, idPrefix, id).
//
// When directoryPrefix is set it is stripped from p and the remainder is the
// id. Otherwise the first segment with a suffix starts the id and everything
// before it is the root directory. Without a suffixed segment (or, with a
// configured prefix, without anything after it) the whole path is a
// directory, which is only accepted when validateSuffix is false.
// rootDir always starts with "/".
func Split(p string, validateSuffix bool, directoryPrefix string) (rootDir, idPrefix, id string, err error) {
	if directoryPrefix != "" {
		root := strings.Trim(directoryPrefix, "/")
		id = strings.TrimLeft(strings.Replace(p, root, "", 1), "/")
		if id == "" && validateSuffix {
			return "", "", "", fmt.Errorf("%w: %q names the configured directory, not a file", ErrInvalidPath, p)
		}
		idPrefix = strings.SplitN(id, "/", 2)[0]
		return "/" + root, idPrefix, id, nil
	}

	offset := 0
	for _, segment := range strings.Split(p, "/") {
		if HasSuffix(segment) {
			return "/" + strings.Trim(p[:offset], "/"), segment, p[offset:], nil
		}
		offset += len(segment) + 1
	}

	if !validateSuffix && p != "" {
		return "/" + strings.Trim(p, "/"), "", "", nil
	}
	return "", "", "", fmt.Errorf("%w: %q has no file name with a suffix", ErrInvalidPath, p)
}

// Key normalizes a path into the slash-trimmed form used as cache key.
// The root directory's key is "".
func Key(p string) string {
	cleaned := path.Clean("/" + p)
	return strings.Trim(cleaned, "/")
}

// ListKey is the cache key for a listing of (rootDir, idPrefix).
func ListKey(rootDir, idPrefix string) string {
	return Key(path.Join(rootDir, idPrefix))
}

// Join returns the key of the object id inside rootDir.
func Join(rootDir, id string) string {
	return Key(path.Join(rootDir, id))
}

// Parent returns the key of the directory holding key. The root is its
// own parent.
func Parent(key string) string {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return ""
	}
	return key[:i]
}

// Base returns the last segment of key.
func Base(key string) string {
	return key[strings.LastIndex(key, "/")+1:]
}
