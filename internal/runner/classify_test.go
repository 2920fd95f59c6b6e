package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableErrorMessage(t *testing.T) {
	cases := []struct {
		name      string
		msg       string
		retryable bool
	}{
		{
			"embedded 500 INTERNAL",
			"JSON error injected into SSE stream\n{\"error\":{\"code\":500,\"status\":\"INTERNAL\"}}",
			true,
		},
		{"embedded 503", `upstream failed {"error":{"code":503}}`, true},
		{"embedded 429", `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED"}}`, true},
		{"embedded string code", `{"error":{"code":"502"}}`, true},
		{"embedded 400", `{"error":{"code":400,"status":"INVALID_ARGUMENT"}}`, false},
		{"embedded INTERNAL without code", `{"error":{"status":"INTERNAL"}}`, true},
		{"top-level code", `{"code":500}`, true},
		{"heuristic status", `stream broke: status:"INTERNAL" somewhere`, true},
		{"heuristic code", `upstream said code:521 before dying`, true},
		{"plain text", "model refused the request", false},
		{"empty", "", false},
		{"unparseable braces", "weird {not json} text", false},
		{"404 in text", "code:404 not found", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, retryableErrorMessage(tc.msg))
		})
	}
}
