package runner

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxImageBytes caps how much of a remote image the runner will buffer.
const maxImageBytes = 64 << 20

// resolveImage turns the request's image field into raw bytes. URLs are
// fetched, data URLs and bare base64 payloads are decoded.
func (r *Runner) resolveImage(ctx context.Context, value string) ([]byte, error) {
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return r.fetchImage(ctx, value)
	}
	return decodeImagePayload(value)
}

func (r *Runner) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d from %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("fetch image: empty body from %s", url)
	}
	return data, nil
}

func decodeImagePayload(value string) ([]byte, error) {
	if strings.HasPrefix(value, "data:") {
		i := strings.Index(value, ",")
		if i < 0 {
			return nil, fmt.Errorf("data url has no payload")
		}
		value = value[i+1:]
	}
	// clients wrap base64 freely; whitespace is not payload
	cleaned := strings.Join(strings.Fields(value), "")
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		if data, rawErr := base64.RawStdEncoding.DecodeString(cleaned); rawErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("image payload is empty")
	}
	return data, nil
}
