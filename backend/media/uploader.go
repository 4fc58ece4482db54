// Package media hands attachment bytes to the external object-storage
// provider and reports back where they live.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// Asset is the stored result of one upload.
type Asset struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
	Size int64  `json:"size"`
}

// Uploader stores raw attachment bytes with the provider. Implementations
// must be safe for concurrent use.
type Uploader interface {
	Upload(ctx context.Context, data []byte, mimeType, folderHint string) (*Asset, error)
}

// HTTPUploader posts multipart uploads to a Cloudinary-style endpoint.
type HTTPUploader struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPUploader(url, apiKey string) *HTTPUploader {
	return &HTTPUploader{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// uploadResponse mirrors the provider's reply. Older API versions return
// url instead of secure_url.
type uploadResponse struct {
	SecureURL    string `json:"secure_url"`
	URL          string `json:"url"`
	ResourceType string `json:"resource_type"`
	Bytes        int64  `json:"bytes"`
}

func (u *HTTPUploader) Upload(ctx context.Context, data []byte, mimeType, folderHint string) (*Asset, error) {
	if len(data) == 0 {
		return nil, errors.New("empty attachment")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="attachment"`)
	if mimeType != "" {
		header.Set("Content-Type", mimeType)
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if folderHint != "" {
		if err := mw.WriteField("folder", folderHint); err != nil {
			return nil, fmt.Errorf("build upload form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, &body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("upload rejected: %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}

	asset := &Asset{URL: out.SecureURL, Kind: out.ResourceType, Size: out.Bytes}
	if asset.URL == "" {
		asset.URL = out.URL
	}
	if asset.URL == "" {
		return nil, errors.New("upload response carries no url")
	}
	if asset.Kind == "" {
		asset.Kind = KindFromMime(mimeType)
	}
	if asset.Size == 0 {
		asset.Size = int64(len(data))
	}
	return asset, nil
}

// KindFromMime buckets a mime type into the provider's resource kinds.
// Audio rides the video pipeline, everything unrecognized is raw.
func KindFromMime(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"), strings.HasPrefix(mimeType, "audio/"):
		return "video"
	default:
		return "raw"
	}
}
