// Package objectstore stores datasets and model artifacts on S3 compatible storage or on the
// local filesystem.
package objectstore

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
	ErrForeignURI = errors.New("uri does not belong to this store")
)

const (
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// Location is a parsed storage URI.
type Location struct {
	Scheme string
	Bucket string // empty for file URIs
	Path   string // object key for s3, absolute path for file
}

func (l Location) String() string {
	if l.Scheme == SchemeS3 {
		return "s3://" + l.Bucket + "/" + l.Path
	}
	return "file://" + l.Path
}

// ParseURI splits s3://bucket/key and file:///abs/path URIs.
func ParseURI(uri string) (Location, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch u.Scheme {
	case SchemeS3:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, fmt.Errorf("%w: %q needs a bucket and a key", ErrInvalidKey, uri)
		}
		return Location{Scheme: SchemeS3, Bucket: u.Host, Path: key}, nil
	case SchemeFile:
		if u.Path == "" || !path.IsAbs(u.Path) {
			return Location{}, fmt.Errorf("%w: %q must be an absolute file uri", ErrInvalidKey, uri)
		}
		return Location{Scheme: SchemeFile, Path: path.Clean(u.Path)}, nil
	default:
		return Location{}, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidKey, uri)
	}
}

// CleanKey normalises a slash separated key and rejects keys escaping the store root.
func CleanKey(key string) (string, error) {
	k := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(key)), "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.Contains(key, "..") {
		for _, part := range strings.Split(key, "/") {
			if part == ".." {
				return "", fmt.Errorf("%w: %q escapes the store", ErrInvalidKey, key)
			}
		}
	}
	return k, nil
}

// Join builds a key from parts, skipping empty ones.
func Join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
