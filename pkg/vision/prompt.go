package vision

import (
	"fmt"
	"strings"
)

const promptTemplate = `You are an object locator for a manufacturing line camera.

Find every visible part that belongs to one of these classes:
%s

Return JSON only:
{
  "objects": [
    {"label": "CLASS_NAME", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- label must be exactly one of the class names above.
- x,y is the top-left corner; all coordinates are normalized to [0,1] (NOT pixels).
- One entry per physical part. Do not merge neighbouring parts.
- If nothing is found, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// BuildPrompt renders the detection prompt for a class list
func BuildPrompt(classes []string) string {
	var b strings.Builder
	for _, c := range classes {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return fmt.Sprintf(promptTemplate, strings.TrimRight(b.String(), "\n"))
}
