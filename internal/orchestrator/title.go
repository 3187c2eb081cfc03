package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/agentcore-dev/core/internal/agentevents"
	"github.com/agentcore-dev/core/pkg/types"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, <=50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Remove: the, this, my, a, an`

const defaultTitle = "New Session"

// generateTitle is spec.md §6.1's supplemented feature: a best-effort,
// non-blocking title for the session derived from its first user
// prompt, grounded in the teacher's session.Processor.ensureTitle. It
// runs on its own goroutine with its own context so a slow or failing
// title call never delays or fails the turn that triggered it — a
// title is cosmetic, never required for correctness.
func (o *Orchestrator) generateTitle(sessionID, userContent string) {
	sess, err := o.store.GetSession(context.Background(), sessionID)
	if err != nil || sess == nil {
		return
	}
	if sess.ParentSessionID != "" {
		return // child sessions inherit no title of their own
	}
	if sess.Title != "" && sess.Title != defaultTitle {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		model := sess.Model
		if model == "" {
			model = o.defaultModel
		}
		req := TurnRequest{
			SessionID: sessionID,
			Model:     model,
			History: []HistoryItem{
				{Role: "user", Text: titleSystemPrompt + "\n\nGenerate a title for this conversation:\n\n" + userContent},
			},
		}

		stream, err := o.provider.StartTurn(ctx, req)
		if err != nil {
			return
		}
		defer stream.Close()

		var sb strings.Builder
		for {
			evt, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return
			}
			if evt.Type == types.PEventTextDelta {
				sb.WriteString(evt.TextDelta)
			}
		}

		title := cleanTitle(sb.String())
		if title == "" {
			return
		}
		if err := o.store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
			o.warnf(sessionID, "updating session title", err)
			return
		}
		o.publish(agentevents.Event{Kind: agentevents.KindSessionUpdated, SessionID: sessionID, Data: map[string]any{"title": title}})
	}()
}

func cleanTitle(raw string) string {
	text := strings.TrimSpace(raw)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			text = line
			break
		}
	}
	if len(text) > 100 {
		text = text[:97] + "..."
	}
	return text
}
