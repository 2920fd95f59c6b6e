// Package media handles file attachments in both directions: staging
// inbound uploads on disk for the agent, and scraping MEDIA directives
// out of session transcripts for outbound replies.
package media

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw-relay/internal/types"
)

// uploadRetention is how long staged uploads are kept before rotation.
const uploadRetention = 30 * 24 * time.Hour

// Staging persists inbound file attachments under the workspace so the
// agent can reference them by absolute path.
type Staging struct {
	dir    string
	logger *zap.Logger
}

// NewStaging creates a Staging rooted at <workspace>/uploads.
func NewStaging(workspaceDir string, logger *zap.Logger) *Staging {
	return &Staging{
		dir:    filepath.Join(workspaceDir, "uploads"),
		logger: logger.Named("staging"),
	}
}

// Save writes one attachment to disk and returns its absolute path.
// Filenames are flattened to a safe basename and prefixed with a short
// unique id so duplicate names never collide.
func (s *Staging) Save(item types.MediaItem) (string, error) {
	data, err := base64.StdEncoding.DecodeString(item.DataBase64)
	if err != nil {
		return "", fmt.Errorf("media: decode attachment: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("media: create staging dir: %w", err)
	}

	name := sanitizeFilename(item.Filename)
	path := filepath.Join(s.dir, uuid.NewString()[:8]+"-"+name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("media: write attachment: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("media: resolve attachment path: %w", err)
	}
	return abs, nil
}

// Rotate removes staged uploads older than the retention window. Errors
// on individual files are logged and skipped — rotation is best effort.
func (s *Staging) Rotate() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("rotate: read staging dir", zap.Error(err))
		}
		return
	}

	cutoff := time.Now().Add(-uploadRetention)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				s.logger.Warn("rotate: remove staged upload",
					zap.String("file", e.Name()), zap.Error(err))
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("rotated staged uploads", zap.Int("removed", removed))
	}
}

// sanitizeFilename strips directory components and characters that are
// unsafe in a shared staging directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "upload.bin"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, "._") == "" {
		return "upload.bin"
	}
	return out
}
