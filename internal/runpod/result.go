// internal/runpod/result.go
package runpod

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Completed jobs come back in several payload shapes depending on the
// worker image. Each shape is detected explicitly; anything else is
// ErrUnknownResponse.
//
//	{"video_url": "https://..."}        hosted result, fetched over HTTP
//	{"video": "<base64>"}               inline encoded bytes
//	{"output": "<base64>"}              inline, older worker images
//	{"output": {"video": "<base64>"}}   nested, older worker images
//	"<base64>"                          bare string
func (c *Client) normalizeResult(ctx context.Context, output json.RawMessage) ([]byte, error) {
	if len(output) == 0 {
		return nil, ErrUnknownResponse
	}

	var wrapper struct {
		VideoURL string          `json:"video_url"`
		Video    string          `json:"video"`
		Output   json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(output, &wrapper); err == nil {
		switch {
		case wrapper.VideoURL != "":
			return c.fetchVideo(ctx, wrapper.VideoURL)
		case wrapper.Video != "":
			return decodeVideo(wrapper.Video)
		case len(wrapper.Output) > 0:
			return c.normalizeResult(ctx, wrapper.Output)
		}
	}

	var bare string
	if err := json.Unmarshal(output, &bare); err == nil && bare != "" {
		if strings.HasPrefix(bare, "http://") || strings.HasPrefix(bare, "https://") {
			return c.fetchVideo(ctx, bare)
		}
		return decodeVideo(bare)
	}

	return nil, ErrUnknownResponse
}

func decodeVideo(encoded string) ([]byte, error) {
	// Some workers prefix a data URI header.
	if i := strings.Index(encoded, ";base64,"); i >= 0 {
		encoded = encoded[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 video data", ErrUnknownResponse)
	}
	return data, nil
}

// fetchVideo downloads a hosted result.
func (c *Client) fetchVideo(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("download result video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runpod: result download returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download result video: %w", err)
	}
	return data, nil
}
