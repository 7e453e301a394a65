package unpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/doppkit/internal/transfer"
)

// IsArchive reports whether the file is an archive that can be extracted.
// Single compressed files such as plain .gz are not archives.
func IsArchive(ctx context.Context, path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	format, _, err := archives.Identify(ctx, filepath.Base(path), f)
	if errors.Is(err, archives.NoMatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if compressed, ok := format.(archives.CompressedArchive); ok {
		return compressed.Extraction != nil, nil
	}
	_, ok := format.(archives.Extractor)
	return ok, nil
}

// ExtractAll writes every regular file and directory of the archive below
// destDir. Symbolic links are skipped.
func ExtractAll(ctx context.Context, archivePath, destDir string) error {
	fsys, err := archives.FileSystem(ctx, archivePath, nil)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	if closer, ok := fsys.(io.Closer); ok {
		defer closer.Close()
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		target := filepath.Join(destDir, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			log.Debug().Str("op", "unpack/unpack").Msgf("Skipping %s in %s", path, archivePath)
			return nil
		}
		return writeFile(fsys, path, target, info.Mode().Perm())
	})
}

func writeFile(fsys fs.FS, path, target string, perm fs.FileMode) error {
	src, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0644
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return dst.Close()
}

var archiveExtensions = []string{".zip", ".tar", ".tgz", ".gz", ".bz2", ".xz", ".zst", ".7z", ".rar"}

// Destination is the directory an archive is extracted into: the archive
// path without its archive extensions.
func Destination(archivePath string) string {
	base := filepath.Base(archivePath)
	for trimmed := true; trimmed; {
		trimmed = false
		for _, ext := range archiveExtensions {
			if len(base) > len(ext) && strings.HasSuffix(strings.ToLower(base), ext) {
				base = base[:len(base)-len(ext)]
				trimmed = true
			}
		}
	}
	dest := filepath.Join(filepath.Dir(archivePath), base)
	if dest == archivePath {
		dest += ".d"
	}
	return dest
}

// ExtractResults extracts every downloaded archive in results next to the
// archive and returns the directories written.
func ExtractResults(ctx context.Context, results []transfer.Result) ([]string, error) {
	var dirs []string
	var errs []error
	for _, result := range results {
		if !result.OK() || !result.Content.IsFile() {
			continue
		}
		path := result.Content.Path()
		ok, err := IsArchive(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		dest := Destination(path)
		log.Info().Str("op", "unpack/unpack").Msgf("Extracting %s to %s", path, dest)
		if err := ExtractAll(ctx, path, dest); err != nil {
			errs = append(errs, fmt.Errorf("extracting %s: %w", path, err))
			continue
		}
		dirs = append(dirs, dest)
	}
	return dirs, errors.Join(errs...)
}
