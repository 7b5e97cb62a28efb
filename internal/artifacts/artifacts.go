// Package artifacts enumerates the files produced by a transcode.
package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Kind is the role a file plays in the HLS output.
type Kind string

const (
	KindPlaylist Kind = "playlist"
	KindSegment  Kind = "segment"
)

const (
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/MP2T"
	ContentTypeBinary   = "application/octet-stream"
)

var (
	ErrOutputMissing    = errors.New("output directory does not exist")
	ErrOutputEmpty      = errors.New("output directory is empty")
	ErrOutputIncomplete = errors.New("output is missing expected files")
)

// Artifact is one file to publish.
type Artifact struct {
	// RelPath is slash separated and relative to the output root.
	RelPath     string
	Path        string
	Kind        Kind
	ContentType string
	Size        int64
}

// DiscoveryError reports an output tree that cannot be published.
type DiscoveryError struct {
	Root string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover artifacts in %s: %v", e.Root, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Classify infers kind and content type from the file extension.
func Classify(name string) (Kind, string) {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return KindPlaylist, ContentTypePlaylist
	case ".ts":
		return KindSegment, ContentTypeSegment
	default:
		return KindSegment, ContentTypeBinary
	}
}

// Walk lists every regular file in fsys ordered by relative path. Path is
// left empty; Discover fills it for on-disk trees.
func Walk(fsys fs.FS) ([]Artifact, error) {
	var out []Artifact
	err := fs.WalkDir(fsys, ".", func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		kind, contentType := Classify(current)
		out = append(out, Artifact{
			RelPath:     current,
			Kind:        kind,
			ContentType: contentType,
			Size:        info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out, nil
}

// Discover walks the directory at root. A missing or empty root is a
// DiscoveryError.
func Discover(root string) ([]Artifact, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &DiscoveryError{Root: root, Err: ErrOutputMissing}
		}
		return nil, &DiscoveryError{Root: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &DiscoveryError{Root: root, Err: fmt.Errorf("%w: not a directory", ErrOutputMissing)}
	}
	found, err := Walk(os.DirFS(root))
	if err != nil {
		return nil, &DiscoveryError{Root: root, Err: err}
	}
	if len(found) == 0 {
		return nil, &DiscoveryError{Root: root, Err: ErrOutputEmpty}
	}
	for i := range found {
		found[i].Path = filepath.Join(root, filepath.FromSlash(found[i].RelPath))
	}
	return found, nil
}

// Find returns the artifact with the given relative path.
func Find(list []Artifact, relPath string) (Artifact, bool) {
	for _, a := range list {
		if a.RelPath == relPath {
			return a, true
		}
	}
	return Artifact{}, false
}

// Require fails with a DiscoveryError naming every relPath absent from list.
func Require(root string, list []Artifact, relPaths ...string) error {
	var missing []string
	for _, rel := range relPaths {
		if _, ok := Find(list, rel); !ok {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		return &DiscoveryError{Root: root, Err: fmt.Errorf("%w: %s", ErrOutputIncomplete, strings.Join(missing, ", "))}
	}
	return nil
}

// TotalSize sums the artifact sizes in bytes.
func TotalSize(list []Artifact) int64 {
	var total int64
	for _, a := range list {
		total += a.Size
	}
	return total
}
