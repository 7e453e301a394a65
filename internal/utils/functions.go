package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// CeilDiv returns the number of size-sized pieces needed to cover total.
func CeilDiv(total, size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// StorageKey joins an optional remote directory and a file name into an upload key.
func StorageKey(directory, filePath string) string {
	key := ""
	if directory != "" {
		if dir := strings.Trim(filepath.ToSlash(directory), "/"); dir != "" {
			key = dir + "/"
		}
	}
	return key + filepath.Base(filePath)
}
