package chat

import (
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"

	"github.com/quern-ai/quern/internal/index"
	"github.com/quern-ai/quern/internal/session"
)

// systemInstructions is the untrimmable base of every prompt. Retrieved
// excerpts and the conversation summary are appended to it per call.
const systemInstructions = `You are a helpful assistant answering questions over the user's ingested documents.
Ground your answers in the retrieved excerpts below whenever they are relevant, and cite which excerpt you used.
If the excerpts do not contain the answer, say so plainly; you may draw on general knowledge, but indicate when you are doing so.`

// buildSystem assembles the system prompt: base instructions, then the
// conversation summary (if the window carried one), then the retrieved
// excerpts in similarity order.
func buildSystem(summary string, hits []index.Hit) string {
	var sb strings.Builder
	sb.WriteString(systemInstructions)

	if summary != "" {
		sb.WriteString("\n\n## Conversation so far (summary)\n")
		sb.WriteString(summary)
	}

	if len(hits) > 0 {
		sb.WriteString("\n\n## Retrieved excerpts\n")
		for i, h := range hits {
			fmt.Fprintf(&sb, "\n### Excerpt %d (source: %s)\n", i+1, h.Entry.SourceURI)
			sb.WriteString(h.Entry.Text)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// windowMessages converts the memory window into model messages. A summary
// turn is not a speaker, so its text is lifted out for the system prompt
// instead of being rendered as dialogue.
func windowMessages(window []session.Turn) ([]*ai.Message, string) {
	messages := make([]*ai.Message, 0, len(window))
	summary := ""
	for _, turn := range window {
		switch turn.Role {
		case session.RoleUser:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(turn.Text)))
		case session.RoleAssistant:
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(turn.Text)))
		case session.RoleSummary:
			summary = turn.Text
		}
	}
	return messages, summary
}

func sourcesFromHits(hits []index.Hit) []Source {
	if len(hits) == 0 {
		return nil
	}
	sources := make([]Source, len(hits))
	for i, h := range hits {
		sources[i] = Source{
			DocumentID: h.Entry.DocumentID,
			SourceURI:  h.Entry.SourceURI,
			Start:      h.Entry.Start,
			End:        h.Entry.End,
			Score:      h.Score,
		}
	}
	return sources
}
