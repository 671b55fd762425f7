package capture

import "encoding/json"

// ImageTokens is the fixed per-image token estimate. Image payloads are
// base64-encoded, so a length-proportional estimate would inflate a single
// screenshot into hundreds of thousands of tokens; a flat cost keeps the
// estimate in the right order of magnitude for typical agent screenshots.
const ImageTokens = 1600

// EstimateTokens estimates the token count of a text unit as
// ceil(utf8_length / 4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateJSONTokens estimates tokens for an arbitrary value by its
// serialized JSON length.
func EstimateJSONTokens(v any) int {
	if v == nil {
		return 0
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return EstimateTokens(string(b))
}

// BlockTokens estimates the token count of one content block.
func BlockTokens(b *ContentBlock) int {
	switch b.Type {
	case BlockImage:
		return ImageTokens
	case BlockToolUse:
		return EstimateTokens(b.Name) + EstimateJSONTokens(b.Input)
	case BlockToolResult:
		return EstimateTokens(b.ContentText())
	default:
		return EstimateTokens(b.Text)
	}
}

// MessageTokens estimates the token count of a message: the sum of its
// block estimates when blocks are present, otherwise the flattened
// content estimate.
func MessageTokens(m *ParsedMessage) int {
	if len(m.ContentBlocks) == 0 {
		return EstimateTokens(m.Content)
	}
	sum := 0
	for i := range m.ContentBlocks {
		sum += BlockTokens(&m.ContentBlocks[i])
	}
	return sum
}
