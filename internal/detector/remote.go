package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// Backend selects the server-side detection model. The fast variant trades
// accuracy for CPU time; the accurate variant is the slower CNN model.
type Backend string

const (
	BackendFast     Backend = "fast"
	BackendAccurate Backend = "accurate"
)

// model names the embedding server understands.
var backendModels = map[Backend]string{
	BackendFast:     "hog",
	BackendAccurate: "cnn",
}

// ParseBackend maps a config string to a Backend.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(s))
	if _, ok := backendModels[b]; !ok {
		return "", fmt.Errorf("unknown detector backend %q", s)
	}
	return b, nil
}

// Remote detects faces via the embedding server's multipart face endpoint.
type Remote struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewRemote(baseURL string, backend Backend, timeout time.Duration) *Remote {
	return &Remote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   backendModels[backend],
		client:  &http.Client{Timeout: timeout},
	}
}

// faceResponse is the embedding server's face endpoint payload.
type faceResponse struct {
	FacesCount int        `json:"faces_count"`
	Faces      []faceData `json:"faces"`
	Model      string     `json:"model"`
}

type faceData struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"`
	DetScore  float64   `json:"det_score"`
}

// Detect validates the frame locally, then posts it to the embedding
// server. A frame with no faces returns an empty slice and no error.
func (r *Remote) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	if err := ValidateFrame(frame); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, frame.Filename))
	h.Set("Content-Type", detectMIMEType(frame.Data))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.WriteField("model", r.model); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/embed/face", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding server error (status %d): %s", resp.StatusCode, string(body))
	}

	var faceResp faceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	detections := make([]Detection, 0, len(faceResp.Faces))
	for _, f := range faceResp.Faces {
		if len(f.Embedding) == 0 {
			return nil, fmt.Errorf("face %d has empty embedding", f.FaceIndex)
		}
		detections = append(detections, Detection{
			FaceIndex: f.FaceIndex,
			BBox:      f.BBox,
			Embedding: f.Embedding,
			Score:     f.DetScore,
		})
	}
	return detections, nil
}

// detectMIMEType detects the MIME type from image magic bytes.
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// GIF: 47 49 46 38
	if data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 {
		return "image/gif"
	}
	return "application/octet-stream"
}
