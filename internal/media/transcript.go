package media

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw-relay/internal/types"
)

const (
	// mediaDirective marks a transcript line that names a file to attach
	// to the outgoing reply.
	mediaDirective = "MEDIA:"

	// maxMediaFiles and maxMediaFileSize cap what is inlined into a
	// backend callback.
	maxMediaFiles    = 4
	maxMediaFileSize = 5 << 20
)

// Collector reads the gateway's on-disk session store and extracts MEDIA
// directives from the latest assistant message of a session transcript.
type Collector struct {
	stateDir string
	logger   *zap.Logger
}

// NewCollector creates a Collector over the gateway state directory.
func NewCollector(stateDir string, logger *zap.Logger) *Collector {
	return &Collector{stateDir: stateDir, logger: logger.Named("media")}
}

// sessionsIndex mirrors agents/main/sessions/sessions.json: a map of
// "agent:main:<sessionKey>" to the session record.
type sessionsIndex map[string]struct {
	SessionFile string `json:"sessionFile"`
}

// SessionKeys enumerates the session keys present in the sessions index.
func (c *Collector) SessionKeys() ([]string, error) {
	idx, err := c.readIndex()
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range idx {
		if key, ok := strings.CutPrefix(k, "agent:main:"); ok && key != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Collect returns the media referenced by MEDIA directives in the latest
// assistant message of sessionKey's transcript. Collection is best
// effort: a missing index, transcript or file yields an empty result, and
// per-file failures are logged and skipped.
func (c *Collector) Collect(sessionKey string) []types.ReplyMedia {
	text, err := c.latestAssistantText(sessionKey)
	if err != nil {
		c.logger.Debug("transcript read failed",
			zap.String("session_key", sessionKey), zap.Error(err))
		return nil
	}

	var out []types.ReplyMedia
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, mediaDirective) {
			continue
		}
		if len(out) >= maxMediaFiles {
			c.logger.Warn("media directive cap reached",
				zap.String("session_key", sessionKey), zap.Int("max", maxMediaFiles))
			break
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, mediaDirective))
		m, err := c.loadFile(raw)
		if err != nil {
			c.logger.Warn("media directive skipped",
				zap.String("session_key", sessionKey),
				zap.String("path", raw),
				zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out
}

// loadFile resolves, validates and inlines one MEDIA path.
func (c *Collector) loadFile(raw string) (types.ReplyMedia, error) {
	path, err := c.resolvePath(raw)
	if err != nil {
		return types.ReplyMedia{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return types.ReplyMedia{}, fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return types.ReplyMedia{}, fmt.Errorf("path is a directory")
	}
	if info.Size() > maxMediaFileSize {
		return types.ReplyMedia{}, fmt.Errorf("file exceeds %d bytes", maxMediaFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return types.ReplyMedia{}, fmt.Errorf("read: %w", err)
	}

	return types.ReplyMedia{
		Filename:    filepath.Base(path),
		ContentType: mimetype.Detect(data).String(),
		DataBase64:  base64.StdEncoding.EncodeToString(data),
	}, nil
}

// resolvePath confines a MEDIA path to the state directory: absolute
// paths must already live under it, relative paths resolve against it
// and must not traverse out.
func (c *Collector) resolvePath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty path")
	}
	root, err := filepath.Abs(c.stateDir)
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}

	var path string
	if filepath.IsAbs(raw) {
		path = filepath.Clean(raw)
	} else {
		if strings.Contains(raw, "..") {
			return "", fmt.Errorf("relative path traversal rejected")
		}
		path = filepath.Join(root, raw)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes state dir")
	}
	return path, nil
}

// latestAssistantText scans the session's JSONL transcript and returns
// the text of the last assistant message.
func (c *Collector) latestAssistantText(sessionKey string) (string, error) {
	idx, err := c.readIndex()
	if err != nil {
		return "", err
	}
	rec, ok := idx["agent:main:"+sessionKey]
	if !ok || rec.SessionFile == "" {
		return "", fmt.Errorf("session %q not in index", sessionKey)
	}

	path := rec.SessionFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.stateDir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var latest string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		if text, ok := assistantText(scanner.Bytes()); ok {
			latest = text
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan transcript: %w", err)
	}
	if latest == "" {
		return "", fmt.Errorf("no assistant message")
	}
	return latest, nil
}

// assistantText extracts assistant text from one transcript line. The
// transcript schema varies across gateway versions, so both the flat
// {role, content} shape and the nested {message:{role, content}} shape
// are accepted; content may be a string or a list of text parts.
func assistantText(line []byte) (string, bool) {
	var entry struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Message *struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &entry); err != nil {
		return "", false
	}

	role, content := entry.Role, entry.Content
	if entry.Message != nil {
		role, content = entry.Message.Role, entry.Message.Content
	}
	if role != "assistant" || len(content) == 0 {
		return "", false
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, true
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(p.Text)
			}
		}
		if b.Len() > 0 {
			return b.String(), true
		}
	}
	return "", false
}

func (c *Collector) readIndex() (sessionsIndex, error) {
	path := filepath.Join(c.stateDir, "agents", "main", "sessions", "sessions.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sessions index: %w", err)
	}
	var idx sessionsIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode sessions index: %w", err)
	}
	return idx, nil
}
