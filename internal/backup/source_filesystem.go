package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"backup-orchestrator/internal/logging"
)

// FilesystemAdapter archives a directory tree into an uncompressed tar stream.
// Compression is left to the transform pipeline. Scope selects a sub-directory.
type FilesystemAdapter struct {
	logger *logging.Logger
}

// NewFilesystemAdapter creates the filesystem adapter
func NewFilesystemAdapter(logger *logging.Logger) *FilesystemAdapter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &FilesystemAdapter{logger: logger}
}

func (a *FilesystemAdapter) Type() SourceType { return SourceTypeFilesystem }

func (a *FilesystemAdapter) Capture(ctx context.Context, source SourceConfig, scope, dest string) (int64, error) {
	root, err := scopedPath(source.Path, scope)
	if err != nil {
		return 0, NewCaptureError("invalid filesystem scope", err).WithContext("source", source.Name)
	}
	info, err := os.Stat(root)
	if err != nil {
		return 0, NewCaptureError("source unreachable", err).WithContext("source", source.Name)
	}
	if !info.IsDir() {
		return 0, NewCaptureError("filesystem source is not a directory", nil).WithContext("path", root)
	}

	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, NewCaptureError("failed to create staging artifact", err)
	}
	defer file.Close()

	tw := tar.NewWriter(file)
	var skipped []string

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		case info.Mode().IsRegular(), info.IsDir():
		default:
			skipped = append(skipped, rel)
			return nil
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFileInto(tw, path)
	})
	if walkErr != nil {
		return 0, asPipelineError(BackupErrorTypeCapture, "failed to archive filesystem source", walkErr)
	}
	if err := tw.Close(); err != nil {
		return 0, NewCaptureError("partial write of staging artifact", err)
	}
	if err := file.Sync(); err != nil {
		return 0, NewCaptureError("partial write of staging artifact", err)
	}

	if len(skipped) > 0 {
		a.logger.WithFields(map[string]interface{}{
			"source":  source.Name,
			"skipped": skipped,
		}).Warn("Skipped special files while archiving")
	}

	stat, err := file.Stat()
	if err != nil {
		return 0, NewCaptureError("failed to stat staging artifact", err)
	}
	return stat.Size(), nil
}

func copyFileInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Restore extracts the archive into target.Path. Subset entries are path
// prefixes relative to the archive root.
func (a *FilesystemAdapter) Restore(ctx context.Context, target SourceConfig, artifact string, subset []string) error {
	if target.Path == "" {
		return NewRestoreError("filesystem restore target has no path", nil)
	}
	if err := os.MkdirAll(target.Path, 0755); err != nil {
		return NewRestoreError("failed to create restore target", err)
	}
	root, err := filepath.EvalSymlinks(target.Path)
	if err != nil {
		return NewRestoreError("failed to resolve restore target", err)
	}

	return walkArchive(ctx, artifact, func(header *tar.Header, body io.Reader) error {
		name := strings.TrimSuffix(header.Name, "/")
		if len(subset) > 0 && !underAnyPrefix(subset, name) {
			return nil
		}

		dest, err := scopedPath(target.Path, name)
		if err != nil {
			return NewRestoreError(fmt.Sprintf("archive entry %q escapes the restore target", header.Name), err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := containedIn(root, dest); err != nil {
				return err
			}
			return os.MkdirAll(dest, header.FileInfo().Mode().Perm()|0700)
		case tar.TypeReg:
			if err := containedIn(root, filepath.Dir(dest)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			if err := removeSymlink(dest); err != nil {
				return err
			}
			out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, header.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, body); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), header.Linkname)) {
				return NewRestoreError(fmt.Sprintf("symlink %q points outside the restore target", header.Name), nil)
			}
			if err := containedIn(root, filepath.Dir(dest)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			_ = os.Remove(dest)
			if err := os.Symlink(header.Linkname, dest); err != nil {
				return err
			}
			// A link may resolve through earlier links even when its text is local.
			if resolved, err := filepath.EvalSymlinks(dest); err == nil && !within(root, resolved) {
				_ = os.Remove(dest)
				return NewRestoreError(fmt.Sprintf("symlink %q resolves outside the restore target", header.Name), nil)
			}
			return nil
		default:
			return nil
		}
	})
}

func (a *FilesystemAdapter) Validate(ctx context.Context, artifact string) error {
	entries := 0
	err := walkArchive(ctx, artifact, func(header *tar.Header, body io.Reader) error {
		if !filepath.IsLocal(strings.TrimSuffix(header.Name, "/")) {
			return NewRestoreError(fmt.Sprintf("archive entry %q is not a relative path", header.Name), nil)
		}
		entries++
		_, err := io.Copy(io.Discard, body)
		return err
	})
	if err != nil {
		return err
	}
	a.logger.WithField("entries", entries).Debug("Filesystem archive validated")
	return nil
}

func walkArchive(ctx context.Context, artifact string, fn func(*tar.Header, io.Reader) error) error {
	file, err := os.Open(artifact)
	if err != nil {
		return NewRestoreError("failed to open artifact", err)
	}
	defer file.Close()

	tr := tar.NewReader(newContextReader(ctx, file))
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return asPipelineError(BackupErrorTypeRestore, "corrupt archive", err)
		}
		if err := fn(header, tr); err != nil {
			return asPipelineError(BackupErrorTypeRestore, "failed to process archive entry", err)
		}
	}
}

// scopedPath joins rel onto root and refuses results outside root.
func scopedPath(root, rel string) (string, error) {
	if rel == "" {
		return filepath.Clean(root), nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q is not local to %q", rel, root)
	}
	return filepath.Join(root, rel), nil
}

// containedIn resolves the deepest existing ancestor of path (path included)
// and fails when it lies outside root. Missing components below it are created
// later as plain directories.
func containedIn(root, path string) error {
	dir := path
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !within(root, resolved) {
				return NewRestoreError(fmt.Sprintf("path %q resolves outside the restore target", path), nil)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return err
		}
		dir = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || filepath.IsLocal(rel)
}

// removeSymlink clears a link sitting where a regular file is about to be
// written so the write cannot follow it.
func removeSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return os.Remove(path)
	}
	return nil
}

func underAnyPrefix(prefixes []string, name string) bool {
	for _, prefix := range prefixes {
		prefix = strings.Trim(filepath.ToSlash(prefix), "/")
		if name == prefix || strings.HasPrefix(name, prefix+"/") {
			return true
		}
	}
	return false
}
