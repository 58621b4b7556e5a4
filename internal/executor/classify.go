package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"charm.land/fantasy"
)

// LanguageModelClassifier implements classifier.LLMClassifier by asking a
// bound fantasy.LanguageModel to categorize one tool or prompt (spec §4.5:
// "LLM-delegated categorization"). It lives here, not in internal/classifier,
// because only this package owns a resolved fantasy.LanguageModel.
type LanguageModelClassifier struct {
	Model fantasy.LanguageModel
}

type classifyResult struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// ClassifyCapability asks the model to assign name/description/kind a
// single capability category plus a confidence in [0,1]. Falls back to the
// "uncategorized" bucket at zero confidence on any parse failure, so a
// classification pass never fails a profile activation over one bad tool.
func (c *LanguageModelClassifier) ClassifyCapability(ctx context.Context, name, description, kind string) (string, float64, error) {
	if c.Model == nil {
		return "uncategorized", 0, nil
	}

	prompt := fmt.Sprintf(
		"Classify this MCP %s's capability into a short lowercase category (e.g. "+
			"\"filesystem\", \"database\", \"web_search\", \"code_execution\", \"communication\", "+
			"\"data_analysis\", \"other\"). Respond with ONLY a JSON object: "+
			"{\"category\": \"...\", \"confidence\": 0.0-1.0}.\n\nName: %s\nDescription: %s",
		kind, name, description)

	resp, err := c.Model.Generate(ctx, fantasy.Call{
		Prompt: fantasy.Prompt([]fantasy.Message{fantasy.NewUserMessage(prompt)}),
	})
	if err != nil {
		return "uncategorized", 0, nil
	}

	text := strings.TrimSpace(resp.Content.Text())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var result classifyResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &result); err != nil || result.Category == "" {
		return "uncategorized", 0, nil
	}
	return result.Category, result.Confidence, nil
}
