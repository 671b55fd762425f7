package capture

import "encoding/json"

// ResponseData is the tagged union of captured response bodies: a parsed
// JSON object, a raw SSE chunk blob for streaming responses, or a raw
// marker for unparsable bodies.
type ResponseData struct {
	// Object holds the parsed JSON body for non-streaming responses, or the
	// compacted {usage, model, finishReason} projection after compaction.
	Object map[string]any

	// Streaming indicates an SSE response; Chunks holds the raw event text.
	Streaming bool
	Chunks    string

	// Raw holds a truncated excerpt of an unparsable body. RawMarker is set
	// when the body was unavailable entirely ({"raw": true}).
	Raw       string
	RawMarker bool
}

// NewObjectResponse wraps a parsed JSON body.
func NewObjectResponse(obj map[string]any) *ResponseData {
	return &ResponseData{Object: obj}
}

// NewStreamingResponse wraps raw SSE chunk text.
func NewStreamingResponse(chunks string) *ResponseData {
	return &ResponseData{Streaming: true, Chunks: chunks}
}

// NewRawResponse wraps an unparsable body excerpt. An empty excerpt
// produces the bare {"raw": true} marker.
func NewRawResponse(excerpt string) *ResponseData {
	if excerpt == "" {
		return &ResponseData{RawMarker: true}
	}
	return &ResponseData{Raw: excerpt}
}

// IsRaw reports whether the response degraded to the raw marker form.
func (r *ResponseData) IsRaw() bool {
	return r.Raw != "" || r.RawMarker
}

// MarshalJSON encodes the union in its on-disk form.
func (r *ResponseData) MarshalJSON() ([]byte, error) {
	switch {
	case r.Streaming:
		return json.Marshal(map[string]any{"streaming": true, "chunks": r.Chunks})
	case r.RawMarker:
		return json.Marshal(map[string]any{"raw": true})
	case r.Raw != "":
		return json.Marshal(map[string]any{"raw": r.Raw})
	default:
		return json.Marshal(r.Object)
	}
}

// UnmarshalJSON decodes the union from its on-disk form.
func (r *ResponseData) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	*r = ResponseData{}
	if streaming, ok := obj["streaming"].(bool); ok && streaming {
		r.Streaming = true
		r.Chunks, _ = obj["chunks"].(string)
		return nil
	}
	if raw, present := obj["raw"]; present {
		switch v := raw.(type) {
		case bool:
			r.RawMarker = v
		case string:
			r.Raw = v
		}
		return nil
	}
	r.Object = obj
	return nil
}
