package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const (
	uploadPath  = "/api/v1/runs"
	contentType = "application/json"
	maxBody     = 64 << 10
)

// HTTPUploader posts reports to a run repository.
type HTTPUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewHTTPUploader(serverURL string) (*HTTPUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = uploadPath

	return &HTTPUploader{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

// URL is where the reports are posted to.
func (c *HTTPUploader) URL() string {
	return c.requestURL.String()
}

func (c *HTTPUploader) Upload(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	created, err := decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "report uploaded", "status", resp.StatusCode, "id", created.ID)
	return nil
}

type RunCreateResponse struct {
	ID string `json:"id"`
}

func decodeUploadResponse(resp *http.Response) (RunCreateResponse, error) {
	var mediaType string
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		var err error
		mediaType, _, err = mime.ParseMediaType(ct)
		if err != nil {
			return RunCreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
		}
	}

	body := io.LimitReader(resp.Body, maxBody)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var rc RunCreateResponse
		if mediaType != "application/json" {
			return rc, nil
		}
		if err := json.NewDecoder(body).Decode(&rc); err != nil && !errors.Is(err, io.EOF) {
			return rc, fmt.Errorf("decoding json response failed: %w", err)
		}
		return rc, nil
	}

	if mediaType == "application/problem+json" {
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(body).Decode(&problemDetail); err != nil {
			return RunCreateResponse{}, fmt.Errorf("status code: %d, decoding problem detail failed: %w", resp.StatusCode, err)
		}
		return RunCreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(body)
	if err != nil {
		return RunCreateResponse{}, err
	}
	return RunCreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
