package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestValidateFrame_ValidImage(t *testing.T) {
	frame := Frame{Filename: "1000.png", Data: pngBytes(t)}

	if err := ValidateFrame(frame); err != nil {
		t.Errorf("unexpected error for valid PNG: %v", err)
	}
}

func TestValidateFrame_EmptyFile(t *testing.T) {
	frame := Frame{Filename: "1000.jpg", Data: nil}

	err := ValidateFrame(frame)
	if err == nil {
		t.Fatal("expected error for empty file")
	}

	if !IsDecodeError(err) {
		t.Errorf("expected DecodeError, got %T", err)
	}
}

func TestValidateFrame_Garbage(t *testing.T) {
	frame := Frame{Filename: "1000.jpg", Data: []byte("definitely not an image")}

	err := ValidateFrame(frame)
	if err == nil {
		t.Fatal("expected error for garbage bytes")
	}

	if !IsDecodeError(err) {
		t.Errorf("expected DecodeError, got %T", err)
	}
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("Fast")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != BackendFast {
		t.Errorf("expected fast backend, got %s", b)
	}

	if _, err := ParseBackend("quantum"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestRemote_Detect(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("failed to parse multipart form: %v", err)
		}
		gotModel = r.FormValue("model")

		resp := faceResponse{
			FacesCount: 1,
			Faces: []faceData{
				{FaceIndex: 0, Dim: 3, Embedding: []float32{0.1, 0.2, 0.3}, BBox: []float64{1, 2, 3, 4}, DetScore: 0.98},
			},
			Model: "cnn",
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer server.Close()

	r := NewRemote(server.URL, BackendAccurate, 5*time.Second)
	frame := Frame{DeviceID: "cam01", Filename: "1000.png", CaptureTS: 1000, Data: pngBytes(t)}

	detections, err := r.Detect(context.Background(), frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotModel != "cnn" {
		t.Errorf("expected model 'cnn' in request, got '%s'", gotModel)
	}

	if len(detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(detections))
	}

	if len(detections[0].Embedding) != 3 {
		t.Errorf("expected embedding of length 3, got %d", len(detections[0].Embedding))
	}

	if detections[0].Score != 0.98 {
		t.Errorf("expected score 0.98, got %f", detections[0].Score)
	}
}

func TestRemote_Detect_NoFaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewEncoder(w).Encode(faceResponse{FacesCount: 0, Faces: nil}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer server.Close()

	r := NewRemote(server.URL, BackendFast, 5*time.Second)
	frame := Frame{Filename: "1000.png", Data: pngBytes(t)}

	detections, err := r.Detect(context.Background(), frame)
	if err != nil {
		t.Fatalf("no faces must not be an error, got: %v", err)
	}

	if len(detections) != 0 {
		t.Errorf("expected 0 detections, got %d", len(detections))
	}
}

func TestRemote_Detect_CorruptFrameShortCircuits(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	r := NewRemote(server.URL, BackendFast, 5*time.Second)
	frame := Frame{Filename: "1000.jpg", Data: []byte{0x00}}

	_, err := r.Detect(context.Background(), frame)
	if !IsDecodeError(err) {
		t.Errorf("expected DecodeError, got %v", err)
	}

	if called {
		t.Error("corrupt frame must not reach the embedding server")
	}
}

func TestRemote_Detect_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	r := NewRemote(server.URL, BackendFast, 5*time.Second)
	frame := Frame{Filename: "1000.png", Data: pngBytes(t)}

	_, err := r.Detect(context.Background(), frame)
	if err == nil {
		t.Fatal("expected error for server failure")
	}

	if IsDecodeError(err) {
		t.Error("server failure must not be classified as a decode error")
	}
}
