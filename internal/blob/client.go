package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Client загружает вложения на blob-сервис от имени api. Ошибка загрузки
// отменяет отправку сообщения целиком, поэтому клиент возвращает её наверх,
// а не глотает.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Upload шлет файл multipart-запросом и возвращает URL сохраненного объекта.
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("blob.Upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("blob.Upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("blob.Upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("blob.Upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob.Upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("blob.Upload: status %d", resp.StatusCode)
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("blob.Upload: decode response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("blob.Upload: empty url in response")
	}
	return out.URL, nil
}
