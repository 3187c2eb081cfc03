package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/agentcore-dev/core/pkg/types"
)

const (
	blobThreshold       = 2 * 1024  // 2 KiB: store as blob
	previewThreshold    = 10 * 1024 // 10 KiB: truncate the preview itself
	previewChars        = 2048
)

// NewID mints a new ULID-based identifier, sortable by creation time the
// way the teacher's ulid.Make() calls are throughout internal/session.
func NewID() string { return ulid.Make().String() }

// HashContent content-addresses blob bytes (generalizes the teacher's
// hashDirectory helper from directory paths to arbitrary content).
func HashContent(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// FilterPayload implements spec.md §4.1 step 5: a payload whose `content`
// field exceeds 2 KiB has it stored as a blob and replaced by blobId,
// contentPreview and contentTruncated. The preview is the whole content
// unless it exceeds 10 KiB, in which case it is the first 2048 bytes.
// storeBlob is called only when the content actually needs spilling.
func FilterPayload(p types.Payload, storeBlob func(content string) (blobID string, err error)) (types.Payload, error) {
	raw, ok := p["content"]
	if !ok {
		return p, nil
	}
	s, ok := raw.(string)
	if !ok || len(s) <= blobThreshold {
		return p, nil
	}

	blobID, err := storeBlob(s)
	if err != nil {
		return nil, fmt.Errorf("spilling oversized content to blob: %w", err)
	}

	out := types.Payload{}
	for k, v := range p {
		out[k] = v
	}
	delete(out, "content")

	preview := s
	truncated := false
	if len(s) > previewThreshold {
		preview = s[:previewChars]
		truncated = true
	}

	out["blobId"] = blobID
	out["contentPreview"] = preview
	out["contentTruncated"] = truncated
	return out, nil
}

// Summary derives a short human-readable label for a Tree node from a
// kind-specific payload (spec.md §4.1's "human summary").
func Summary(kind types.Kind, p types.Payload) string {
	switch kind {
	case types.KindMessageUser:
		if s, ok := p["content"].(string); ok {
			return truncate(s, 80)
		}
	case types.KindMessageAssist:
		return "assistant response"
	case types.KindToolCall:
		if name, ok := p["name"].(string); ok {
			return "call " + name
		}
	case types.KindToolResult:
		return "tool result"
	case types.KindSessionStart:
		return "session started"
	case types.KindSessionEnd:
		return "session ended"
	case types.KindCompactBound:
		return "context compacted"
	case types.KindSubagentSpawn:
		if task, ok := p["task"].(string); ok {
			return "spawned: " + truncate(task, 60)
		}
	}
	return string(kind)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
