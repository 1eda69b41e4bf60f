package rag

import (
	"fmt"
	"strings"

	"memoire/internal/models"
)

// BuildPrompt assembles the passages in rank order, the history oldest first and the question.
func BuildPrompt(passages []models.Passage, history []models.Turn, question string) string {
	texts := make([]string, 0, len(passages))
	for _, p := range passages {
		texts = append(texts, p.Text)
	}

	var hist strings.Builder
	if len(history) == 0 {
		hist.WriteString("(none)")
	}
	for i, turn := range history {
		if i > 0 {
			hist.WriteString("\n")
		}
		fmt.Fprintf(&hist, "User: %s\nAssistant: %s", turn.Question, turn.Answer)
	}

	return fmt.Sprintf(models.PromptTemplate, strings.Join(texts, models.ContextSeparator), hist.String(), question)
}
