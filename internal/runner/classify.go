package runner

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Upstream model errors reach the relay as free text on the terminal chat
// event, often with a provider JSON error embedded mid-stream. A run is
// worth retrying when that error is a 5xx, a 429, or an INTERNAL status —
// anything else is the caller's problem.

var (
	internalStatusRe = regexp.MustCompile(`"?status"?\s*:\s*"INTERNAL"`)
	fiveXXCodeRe     = regexp.MustCompile(`"?code"?\s*:\s*"?5\d\d"?`)
)

// retryableErrorMessage classifies a gateway-provided error message.
func retryableErrorMessage(msg string) bool {
	if msg == "" {
		return false
	}

	if parsed, ok := extractEmbeddedError(msg); ok {
		if parsed.status == "INTERNAL" {
			return true
		}
		if parsed.code == 429 || (parsed.code >= 500 && parsed.code <= 599) {
			return true
		}
		return false
	}

	// No parseable JSON — fall back to a text heuristic.
	return internalStatusRe.MatchString(msg) || fiveXXCodeRe.MatchString(msg)
}

type embeddedError struct {
	code   int
	status string
}

// extractEmbeddedError parses the span of msg from its first '{' to its
// last '}' as a single JSON object and, when that object carries an
// "error" member (or is itself an error object), pulls out its HTTP-like
// code and status. Text holding several separate objects does not parse.
func extractEmbeddedError(msg string) (embeddedError, bool) {
	start := strings.IndexByte(msg, '{')
	end := strings.LastIndexByte(msg, '}')
	if start < 0 || end <= start {
		return embeddedError{}, false
	}

	var doc struct {
		Error *struct {
			Code   json.RawMessage `json:"code"`
			Status string          `json:"status"`
		} `json:"error"`
		Code   json.RawMessage `json:"code"`
		Status string          `json:"status"`
	}
	if err := json.Unmarshal([]byte(msg[start:end+1]), &doc); err != nil {
		return embeddedError{}, false
	}

	code, status := doc.Code, doc.Status
	if doc.Error != nil {
		code, status = doc.Error.Code, doc.Error.Status
	}
	if len(code) == 0 && status == "" {
		return embeddedError{}, false
	}
	return embeddedError{code: numericCode(code), status: status}, true
}

// numericCode accepts both numeric and string-encoded codes.
func numericCode(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	s := strings.Trim(string(raw), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
