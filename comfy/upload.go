package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
)

// ImageType selects the server-side directory an upload lands in and the
// directory /view reads from.
type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

// UploadImage stores an image on the server and returns the name the server
// chose for it. The returned name is what LoadImage nodes must reference;
// it differs from the requested filename when overwrite is false and the
// name is taken.
func (c *Client) UploadImage(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	formFile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(formFile, r); err != nil {
		return "", fmt.Errorf("buffer upload: %w", err)
	}

	_ = writer.WriteField("overwrite", strconv.FormatBool(overwrite))
	_ = writer.WriteField("type", string(filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("/upload/image"), &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", c.errorFrom("upload image", resp)
	}

	var result struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.Name == "" {
		return "", fmt.Errorf("upload image: response carried no name")
	}
	return result.Name, nil
}

// UploadImageFile uploads the image at path under its base name.
func (c *Client) UploadImageFile(ctx context.Context, path string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return c.UploadImage(ctx, f, filepath.Base(path), overwrite, filetype, subfolder)
}
