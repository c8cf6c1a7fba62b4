package stt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMockRecognizerSilence(t *testing.T) {
	r := NewMockRecognizer()
	res, err := r.Transcribe(context.Background(), nil, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "" {
		t.Fatalf("silence must yield an empty transcript, got %q", res.Text)
	}

	res, err = r.Transcribe(context.Background(), []byte{0, 1, 2, 3}, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text == "" {
		t.Fatal("expected a transcript for non-empty audio")
	}
}

func TestWritePCMToWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utterance.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer file.Close()

	pcm := make([]byte, 3200)
	if err := writePCMToWav(file, pcm, 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() <= int64(len(pcm)) {
		t.Fatalf("expected wav header plus samples, got %d bytes", info.Size())
	}

	if err := writePCMToWav(file, []byte{1}, 16000, 1); err == nil {
		t.Fatal("expected an alignment error for odd pcm payloads")
	}
}
