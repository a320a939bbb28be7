package video

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BaSui01/cinegen/types"
)

// maxReferenceBytes 单张参考图的上限
const maxReferenceBytes = 10 << 20

// doJSON 发送 JSON 请求并解码响应，错误归一化为 provider_* 类型
func doJSON(ctx context.Context, client *http.Client, provider, method, url string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return types.NewError(types.ErrValidation, "failed to marshal request").WithCause(err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return types.NewError(types.ErrProviderPermanent, "failed to create request").WithCause(err).WithProvider(provider)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return types.ProviderNetworkError(provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.ProviderNetworkError(provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.ProviderHTTPError(provider, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return types.ProviderMalformed(provider, err)
	}
	return nil
}

// loadReference 读取参考图字节。支持 file:// 与 http(s)://
func loadReference(ctx context.Context, client *http.Client, ref Reference) ([]byte, string, error) {
	u, err := url.Parse(ref.Location)
	if err != nil {
		return nil, "", fmt.Errorf("parse reference location: %w", err)
	}

	mimeType := ref.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(u.Path)))
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxReferenceBytes+1))
		if err != nil {
			return nil, "", err
		}
		if len(data) > maxReferenceBytes {
			return nil, "", fmt.Errorf("reference %s exceeds %d bytes", ref.ID, maxReferenceBytes)
		}
		return data, mimeType, nil

	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.Location, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("fetch reference %s: HTTP %d", ref.ID, resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes+1))
		if err != nil {
			return nil, "", err
		}
		if len(data) > maxReferenceBytes {
			return nil, "", fmt.Errorf("reference %s exceeds %d bytes", ref.ID, maxReferenceBytes)
		}
		if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "image/") {
			mimeType = ct
		}
		return data, mimeType, nil

	default:
		return nil, "", fmt.Errorf("unsupported reference location scheme %q", u.Scheme)
	}
}

// dataURI 把图片编码为 data URI
func dataURI(data []byte, mimeType string) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
