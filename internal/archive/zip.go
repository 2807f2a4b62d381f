package archive

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// Zip is the built-in archiver. Entries are named relative to the parent
// of the source folder, so extracting the archive recreates the folder.
type Zip struct {
	level int
}

// NewZip returns a Zip writing deflate at the default level.
func NewZip() *Zip {
	return &Zip{level: flate.DefaultCompression}
}

// NewZipLevel returns a Zip writing deflate at level (flate.BestSpeed ...
// flate.BestCompression).
func NewZipLevel(level int) *Zip {
	return &Zip{level: level}
}

func (z *Zip) Name() string { return "zip" }

// Compress writes sourceDir into dest, removing dest on failure.
func (z *Zip) Compress(ctx context.Context, sourceDir, dest string) (err error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return errors.Wrapf(err, "stat %s", sourceDir)
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", sourceDir)
	}

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "create %s", dest)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "close %s", dest)
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	zw := zip.NewWriter(out)
	level := z.level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	base := filepath.Dir(filepath.Clean(sourceDir))
	walkErr := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		return addFile(zw, path, filepath.ToSlash(rel))
	})
	if walkErr != nil {
		_ = zw.Close()
		return errors.Wrapf(walkErr, "zip %s", sourceDir)
	}
	if err := zw.Close(); err != nil {
		return errors.Wrapf(err, "finish %s", dest)
	}
	return nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
