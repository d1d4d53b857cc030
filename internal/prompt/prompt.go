// Package prompt renders the wire payload and the chat-template wrappers for
// the completion endpoint. The payload schema is the contract the extractor
// tolerantly matches against: group_id / role / text in, translations out.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Roles a payload item may carry.
const (
	RoleContext   = "context"
	RoleTranslate = "translate"
)

// PayloadItem is one group as sent to the model.
type PayloadItem struct {
	GroupID int    `json:"group_id"`
	Role    string `json:"role"`
	Text    string `json:"text"`
}

// System builds the system prompt with explicit context/focus semantics.
func System(srcLang, tgtLang string) string {
	srcLang = strings.TrimSpace(srcLang)
	if srcLang == "" {
		srcLang = "English"
	}
	tgtLang = strings.TrimSpace(tgtLang)
	if tgtLang == "" {
		tgtLang = "Finnish"
	}

	return fmt.Sprintf(`You are a professional subtitle translator from %[1]s to %[2]s.

INPUT
The user message is a JSON array of GROUP items:
- group_id: integer (MUST be copied back exactly for groups you translate)
- role: either "context" or "translate"
- text: subtitle phrase in %[1]s

TASK
- Use ALL items (including role="context") to understand meaning and resolve ambiguity.
- Translate ONLY items with role="translate".
- DO NOT output anything for role="context".

STRICT ALIGNMENT RULES (CRITICAL)
- DO NOT move meaning or translated words from one group to another.
- DO NOT merge or split content between groups.
- DO NOT carry a sentence over to the next group.
- If a group is a fragment, translate ONLY that fragment.
- Preserve boundaries exactly per group.
- Preserve formatting tags verbatim if present (e.g., <i>, <b>, {\an8}).

SUBTITLE STYLE RULES
- Produce natural, idiomatic %[2]s suitable for on-screen subtitles.
- Prioritize oral flow; translate for how people speak, not how they write.
- Be concise; strip away "fluff" words to ensure readability at high speeds.
- Avoid literal translation of idioms; replace them with %[2]s equivalents that carry the same emotional weight.
- Use contractions and sentence fragments to mimic real human speech patterns.
- Maintain the exact register and intensity of the source, including vulgarity; never sanitize.

SPECIAL
- If text is exactly "♪", output exactly "♪".

OUTPUT RULES
- Output EXACTLY one item per role="translate" group_id.
- Output ONLY valid JSON. No extra text.

OUTPUT FORMAT
{"translations":[{"group_id":int,"line":string}]}`, srcLang, tgtLang)
}

// RenderUser serializes the payload compactly, without HTML escaping, so the
// model sees the subtitle text verbatim.
func RenderUser(items []PayloadItem) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(items); err != nil {
		return "", fmt.Errorf("render user payload: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Render wraps the system prompt and user payload in the chat template
// selected by name. Unknown names fall back to gemma3.
func Render(template, system, userJSON string) string {
	switch strings.ToLower(strings.TrimSpace(template)) {
	case "llama3":
		return llama3Prompt(system, userJSON)
	case "qwen3":
		return qwen3Prompt(system, userJSON)
	default:
		return gemma3Prompt(system, userJSON)
	}
}

func llama3Prompt(system, userJSON string) string {
	return "<|begin_of_text|>" +
		"<|start_header_id|>system<|end_header_id|>\n" + system + "\n" +
		"<|start_header_id|>user<|end_header_id|>\n" + userJSON + "\n" +
		"<|start_header_id|>assistant<|end_header_id|>\n"
}

func qwen3Prompt(system, userJSON string) string {
	return "<|im_start|>system\n" + system + "\n<|im_end|>\n" +
		"<|im_start|>user\n" + userJSON + "\n<|im_end|>\n" +
		"<|im_start|>assistant\n"
}

func gemma3Prompt(system, userJSON string) string {
	return "<start_of_turn>system\n" + system + "\n<end_of_turn>\n" +
		"<start_of_turn>user\n" + userJSON + "\n<end_of_turn>\n" +
		"<start_of_turn>model\n"
}
