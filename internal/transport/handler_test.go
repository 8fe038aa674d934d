package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	composer "github.com/menta2k/image-composer"
	"github.com/menta2k/image-composer/pkg/cloud"
	"github.com/menta2k/image-composer/pkg/processing"
	"github.com/menta2k/image-composer/pkg/scoring"
	"github.com/menta2k/image-composer/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	h := NewHandler(composer.New(nil), processing.NewProcessor(), opts, zerolog.Nop())
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return server
}

// pngWithSquare encodes a dark image with a bright square
func pngWithSquare(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBA{30, 30, 30, 255}
			if x >= width/6 && x < width/6+width/5 && y >= height/3 && y < height/3+height/4 {
				c = color.NRGBA{230, 230, 230, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// pngHeaderClaiming returns a 1x1 PNG whose header declares width x height
func pngHeaderClaiming(t *testing.T, width, height uint32) []byte {
	t.Helper()
	data := pngWithSquare(t, 1, 1)
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile(field, "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return body, w.FormDataContentType()
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	return er
}

func TestHealthCheck(t *testing.T) {
	server := newTestServer(t, Options{})

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "available" || body["version"] != composer.Version {
		t.Errorf("Unexpected health body %v", body)
	}
	scorer, ok := body["scorer"].(map[string]any)
	if !ok || scorer["state"] != "uninitialized" {
		t.Errorf("Expected the scorer status, got %v", body["scorer"])
	}
}

func TestAnalyze(t *testing.T) {
	server := newTestServer(t, Options{})
	body, contentType := multipartBody(t, "image", pngWithSquare(t, 180, 120))

	resp, err := http.Post(server.URL+"/v1/analyze", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var res composer.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if res.Analysis.Metrics.ImageSize.Width != 180 || res.Analysis.Metrics.ImageSize.Height != 120 {
		t.Errorf("Unexpected image size %+v", res.Analysis.Metrics.ImageSize)
	}
	if len(res.Candidates) == 0 {
		t.Error("Expected candidates")
	}
	if res.Selection == nil {
		t.Fatal("Expected a selection")
	}
	if res.ScoreMode != scoring.ModeRules {
		t.Errorf("Expected rules mode, got %s", res.ScoreMode)
	}
	if res.Rendered != nil {
		t.Error("Expected no rendered image in an analysis response")
	}
}

func TestImprove(t *testing.T) {
	server := newTestServer(t, Options{Output: types.OutputOptions{Format: "jpg", Quality: 85}})

	tests := []struct {
		name        string
		query       string
		contentType string
	}{
		{"default format", "", "image/jpeg"},
		{"png", "?format=png", "image/png"},
		{"webp", "?format=webp", "image/webp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, "image", pngWithSquare(t, 160, 100))
			resp, err := http.Post(server.URL+"/v1/improve"+tt.query, ct, body)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %+v", resp.StatusCode, decodeError(t, resp))
			}
			if got := resp.Header.Get("Content-Type"); got != tt.contentType {
				t.Errorf("Expected %s, got %s", tt.contentType, got)
			}
			if resp.Header.Get("X-Candidate") == "" || resp.Header.Get("X-Score-Mode") != string(scoring.ModeRules) {
				t.Errorf("Missing scoring headers: %v", resp.Header)
			}

			img, err := processing.NewProcessor().DecodeImage(readAll(t, resp))
			if err != nil {
				t.Fatalf("Failed to decode improved image: %v", err)
			}
			if img.Bounds().Empty() {
				t.Error("Expected a non-empty image")
			}
		})
	}
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestImproveBadInput(t *testing.T) {
	server := newTestServer(t, Options{MaxUploadBytes: 4096})

	tests := []struct {
		name   string
		field  string
		data   []byte
		status int
	}{
		{"missing field", "file", []byte("x"), http.StatusBadRequest},
		{"not an image", "image", []byte("definitely not an image"), http.StatusUnprocessableEntity},
		{"too small", "image", pngWithSquare(t, 8, 8), http.StatusUnprocessableEntity},
		{"declared too large", "image", pngHeaderClaiming(t, 60000, 60000), http.StatusRequestEntityTooLarge},
		{"too large", "image", bytes.Repeat([]byte{1}, 16384), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.field, tt.data)
			resp, err := http.Post(server.URL+"/v1/improve", ct, body)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Fatalf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
			if er := decodeError(t, resp); er.Error != http.StatusText(tt.status) || er.Message == "" {
				t.Errorf("Unexpected error body %+v", er)
			}
		})
	}
}

func TestScoreEndpoint(t *testing.T) {
	server := newTestServer(t, Options{})

	features := []types.Features{
		{RuleOfThirdsScore: 0.9, SaliencyConfidence: 0.6, HorizonAngle: 0.5, TextureStrength: 0.2, BalanceRatio: 1.1, CropArea: 0.8, SubjectSize: 0.2},
		{RuleOfThirdsScore: 0.3, SaliencyConfidence: 0.1, HorizonAngle: 4, TextureStrength: 0.05, BalanceRatio: 2.5, CropArea: 0.5, SubjectSize: 0.05},
	}
	payload, _ := json.Marshal(scoring.Request{ID: "batch-1", Version: "test", Features: features})

	resp, err := http.Post(server.URL+"/v1/score", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var out scoring.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.ID != "batch-1" || len(out.Results) != 2 {
		t.Fatalf("Unexpected response %+v", out)
	}
	for i, f := range features {
		want := scoring.Heuristic(f)
		if out.Results[i].Composition != want.Composition || out.Results[i].Aesthetic != want.Aesthetic {
			t.Errorf("Result %d: expected %+v, got %+v", i, want, out.Results[i])
		}
	}
}

func TestScoreEndpointBadJSON(t *testing.T) {
	server := newTestServer(t, Options{})
	resp, err := http.Post(server.URL+"/v1/score", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestScoreEndpointAPIKey(t *testing.T) {
	server := newTestServer(t, Options{APIKey: "secret"})
	payload := `{"id":"a","features":[]}`

	resp, err := http.Post(server.URL+"/v1/score", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a key, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/v1/score", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with the key, got %d", resp.StatusCode)
	}
}

// A composer instance can score through another instance's /v1/score
func TestCloudClientAgainstScoreEndpoint(t *testing.T) {
	server := newTestServer(t, Options{APIKey: "k"})

	backend, err := cloud.NewClient(server.URL, cloud.WithAPIKey("k"))
	if err != nil {
		t.Fatal(err)
	}
	svc := scoring.NewService(scoring.WithBackend(backend), scoring.WithTimeout(5*time.Second))
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if svc.State() != scoring.StateReadyRemote {
		t.Fatalf("Expected a ready remote scorer, got %s", svc.State())
	}

	f := types.Features{RuleOfThirdsScore: 0.7, SaliencyConfidence: 0.4, TextureStrength: 0.1, BalanceRatio: 0.9, CropArea: 0.75, SubjectSize: 0.15}
	batch := svc.Score(ctx, []types.Features{f}, nil)
	if batch.Mode != scoring.ModeRemote {
		t.Fatalf("Expected remote mode, got %s (%s)", batch.Mode, svc.Status().LastError)
	}
	want := scoring.Heuristic(f)
	if batch.Results[0].Composition != want.Composition {
		t.Errorf("Expected %f, got %f", want.Composition, batch.Results[0].Composition)
	}
}
