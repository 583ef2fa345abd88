package transfer

import (
	"path/filepath"
	"strings"
	"time"
)

// DefaultExtension is used when the captured image has none
const DefaultExtension = "png"

const filenameLayout = "20060102-150405"

// Filename names an upload "img-<UTC yyyyMMdd-HHmmss>.<ext>".
func Filename(now time.Time, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = DefaultExtension
	}
	return "img-" + now.UTC().Format(filenameLayout) + "." + ext
}

// FilenameFor names an upload after the extension of a local file.
func FilenameFor(now time.Time, localPath string) string {
	return Filename(now, filepath.Ext(localPath))
}
