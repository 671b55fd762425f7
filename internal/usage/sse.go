package usage

import (
	"bufio"
	"encoding/json"
	"strings"
)

// parseSSE line-scans a raw server-sent-event blob and accumulates usage
// fields across events into p.
//
// Provider event layouts differ: Anthropic splits input/cache tokens and
// model (message_start) from output tokens and stop reason
// (message_delta); the Responses API carries everything on the terminal
// response.completed event; Chat Completions puts usage on the final
// chunk; Gemini repeats usageMetadata per chunk with the last one
// authoritative. mergeObject's overwrite-non-zero semantics make plain
// in-order accumulation correct for all of them.
func parseSSE(chunks string, p *Parsed) {
	scanner := bufio.NewScanner(strings.NewReader(chunks))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err != nil {
			continue
		}
		mergeObject(obj, p)
	}
}
