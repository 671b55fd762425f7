// Package ingest converts wire-format captures from the interception
// add-ons into store inputs. Both the HTTP ingest endpoint and the
// capture-file watcher feed through here.
package ingest

import (
	"encoding/json"

	"github.com/contextlens/contextlens/internal/capture"
	"github.com/contextlens/contextlens/internal/errors"
	"github.com/contextlens/contextlens/internal/normalize"
	"github.com/contextlens/contextlens/internal/store"
)

// rawResponseExcerpt caps what is kept of an unparsable response body.
const rawResponseExcerpt = 2000

// Convert turns one raw capture into a store input. The request body is
// normalized per the capture's provider and API format; the response
// body degrades to a raw marker if it is neither SSE nor JSON.
func Convert(rc *capture.RawCapture) (store.StoreInput, error) {
	if rc == nil {
		return store.StoreInput{}, errors.NewInvalidRequest("capture is required")
	}
	if rc.Provider == "" {
		return store.StoreInput{}, errors.NewInvalidRequest("provider is required")
	}

	apiFormat := rc.APIFormat
	if apiFormat == "" {
		apiFormat = normalize.DetectAPIFormat(rc.Path)
	}

	ci := normalize.Normalize(rc.Provider, apiFormat, rc.RequestBody)

	return store.StoreInput{
		ContextInfo:    ci,
		Response:       convertResponse(rc),
		Source:         rc.Source,
		RawBody:        string(rc.RequestBody),
		RequestHeaders: rc.RequestHeaders,
		SessionID:      rc.SessionID,
		Timestamp:      rc.Timestamp,
		StatusCode:     rc.ResponseStatus,
		Timings:        rc.Timings,
		RequestBytes:   rc.RequestBytes,
		ResponseBytes:  rc.ResponseBytes,
		TargetURL:      rc.TargetURL,
	}, nil
}

func convertResponse(rc *capture.RawCapture) *capture.ResponseData {
	if rc.ResponseBody == "" {
		return nil
	}
	if rc.ResponseIsStreaming {
		return capture.NewStreamingResponse(rc.ResponseBody)
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(rc.ResponseBody), &obj); err == nil {
		return capture.NewObjectResponse(obj)
	}

	excerpt := rc.ResponseBody
	if len(excerpt) > rawResponseExcerpt {
		excerpt = excerpt[:rawResponseExcerpt]
	}
	return capture.NewRawResponse(excerpt)
}
