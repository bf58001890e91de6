package sink

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

type localSink struct {
	dir string
}

func init() {
	Register("local", createLocalSink)
}

// createLocalSink resolves keys against data["dir"]; absolute keys and an
// empty dir write relative to the working directory.
func createLocalSink(data map[string]any) (Sink, error) {
	return &localSink{dir: stringArg(data, "dir")}, nil
}

// Put writes the file, creating parent directories and overwriting any
// existing file. Returns the written path.
func (s *localSink) Put(ctx context.Context, key string, r io.ReadSeeker, size int64) (string, error) {
	_ = ctx
	_ = size
	path := key
	if s.dir != "" && !filepath.IsAbs(key) {
		path = filepath.Join(s.dir, key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		out.Close()
		return "", err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return "", err
	}
	return path, out.Close()
}
