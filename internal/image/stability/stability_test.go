package stability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/poseylabs/posey/internal/image"
	"github.com/poseylabs/posey/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generation/sdxl-test/text-to-image" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		var body generationRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if body.Width != 1152 || body.Height != 896 || body.Samples != 2 {
			t.Errorf("dimensions = %dx%d samples=%d", body.Width, body.Height, body.Samples)
		}
		if len(body.TextPrompts) != 2 || body.TextPrompts[1].Weight != -1 {
			t.Errorf("prompts = %+v", body.TextPrompts)
		}
		if body.StylePreset != "pixel-art" {
			t.Errorf("style = %q", body.StylePreset)
		}
		_, _ = w.Write([]byte(`{"artifacts":[
			{"base64":"aGVsbG8=","seed":1,"finishReason":"SUCCESS"},
			{"base64":"","seed":2,"finishReason":"CONTENT_FILTERED"}]}`))
	}))
	defer srv.Close()

	c := NewClient("key", "sdxl-test", discardLogger(), WithBaseURL(srv.URL))
	res, err := c.Generate(context.Background(), &image.Request{
		Prompt:         "castle",
		NegativePrompt: "blurry",
		Size:           "1152x896",
		Style:          "Pixel Art",
		Count:          2,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Images) != 1 || res.Images[0].B64 != "aGVsbG8=" {
		t.Errorf("images = %+v", res.Images)
	}
	if res.Model != "sdxl-test" {
		t.Errorf("model = %q", res.Model)
	}
}

func TestGenerate_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down"}`))
	}))
	defer srv.Close()

	c := NewClient("key", "", discardLogger(), WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), &image.Request{Prompt: "x", Size: "1024x1024", Count: 1})
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) || !apiErr.Temporary() {
		t.Fatalf("expected temporary APIError, got %v", err)
	}

	if _, err := c.Generate(context.Background(), &image.Request{Prompt: "x", Size: "huge"}); err == nil {
		t.Error("invalid size should fail before any request")
	}
}

func TestGenerate_AllFiltered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"artifacts":[{"base64":"","finishReason":"CONTENT_FILTERED"}]}`))
	}))
	defer srv.Close()

	c := NewClient("key", "", discardLogger(), WithBaseURL(srv.URL))
	if _, err := c.Generate(context.Background(), &image.Request{Prompt: "x", Size: "1024x1024", Count: 1}); err == nil {
		t.Error("expected error when every image is filtered")
	}
}
