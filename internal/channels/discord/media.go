package discord

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type mediaFile struct {
	name   string
	reader io.ReadCloser
}

func (f *mediaFile) Close() error { return f.reader.Close() }

// openMediaFile opens a local attachment path. URLs are not fetched here;
// the agent passes workspace-local paths for delivery.
func openMediaFile(path string) (*mediaFile, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return nil, fmt.Errorf("remote media not supported for upload: %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	return &mediaFile{name: filepath.Base(path), reader: f}, nil
}
