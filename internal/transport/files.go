package transport

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// LoadFile reads path into an inline payload. Directories, empty files and
// files above maxBytes are refused.
func LoadFile(path string, maxBytes int) (*FilePayload, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, NewFileError("resolve", path, err)
	}

	stat, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewFileError("open", path, fmt.Errorf("%w: file does not exist", ErrInvalidFile))
		}
		return nil, NewFileError("stat", path, err)
	}
	if stat.IsDir() {
		return nil, NewFileError("open", path, fmt.Errorf("%w: is a directory", ErrInvalidFile))
	}
	if stat.Size() == 0 {
		return nil, NewFileError("open", path, fmt.Errorf("%w: file is empty", ErrInvalidFile))
	}
	if stat.Size() > int64(maxBytes) {
		return nil, NewFileError("open", path,
			fmt.Errorf("%w: %s exceeds %s", ErrFileTooLarge, FormatSize(stat.Size()), FormatSize(int64(maxBytes))))
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, NewFileError("read", path, err)
	}

	return &FilePayload{
		Name:     filepath.Base(absPath),
		MIMEType: mimetype.Detect(data).String(),
		Digest:   Digest(data),
		Data:     data,
	}, nil
}

// SaveFile writes a received payload into dir under a name that does not
// clobber an existing file, and returns the path written.
func SaveFile(dir string, f *FilePayload) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", NewFileError("create directory", dir, err)
	}

	name := filepath.Base(filepath.Clean("/" + f.Name))
	if name == "/" || name == "." {
		name = "download"
	}
	path := uniqueFilename(filepath.Join(dir, name))
	if err := os.WriteFile(path, f.Data, 0o644); err != nil {
		return "", NewFileError("write", path, err)
	}
	return path, nil
}

// uniqueFilename appends (1), (2), ... until the name is free.
func uniqueFilename(filename string) string {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return filename
	}
	ext := filepath.Ext(filename)
	base := filename[:len(filename)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// FormatSize formats bytes as a human readable string.
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
