package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aulasonora/aulasonora/pkg/filestore"
	"github.com/aulasonora/aulasonora/pkg/replicate"
	"github.com/aulasonora/aulasonora/pkg/sound"
	"github.com/google/uuid"
)

var (
	// ErrNoOutput is returned when a succeeded prediction has no output URI.
	ErrNoOutput = errors.New("generator: prediction succeeded without output")
	// ErrDownload is matched by errors returned when the artifact can't be
	// downloaded.
	ErrDownload = errors.New("generator: download failed")
)

type DownloadError struct {
	URL        string
	StatusCode int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("generator: download %s returned %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Unwrap() error {
	return ErrDownload
}

type Format string

const (
	MP3 Format = "mp3"
	WAV Format = "wav"
)

// formatFor classifies the declared content type. Anything that doesn't
// mention wav, including an empty header, is treated as mp3.
func formatFor(contentType string) Format {
	if strings.Contains(strings.ToLower(contentType), "wav") {
		return WAV
	}
	return MP3
}

// Materializer downloads finished predictions and stores them.
type Materializer struct {
	client  *http.Client
	store   *filestore.Store
	tempDir string
	debug   bool
}

func NewMaterializer(client *http.Client, store *filestore.Store, tempDir string, debug bool) *Materializer {
	if client == nil {
		client = &http.Client{
			Timeout: 5 * time.Minute,
		}
	}
	return &Materializer{
		client:  client,
		store:   store,
		tempDir: tempDir,
		debug:   debug,
	}
}

// Fetch downloads the prediction output to a temporary file. The caller
// owns the returned file and must remove it.
func (m *Materializer) Fetch(ctx context.Context, p *replicate.Prediction) (string, Format, error) {
	u := string(p.Output)
	if u == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNoOutput, p.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", "", fmt.Errorf("generator: couldn't create download request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", ErrDownload, u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", &DownloadError{URL: u, StatusCode: resp.StatusCode}
	}
	format := formatFor(resp.Header.Get("Content-Type"))

	f, err := os.CreateTemp(m.tempDir, "artifact-*."+string(format))
	if err != nil {
		return "", "", fmt.Errorf("generator: couldn't create temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", "", fmt.Errorf("%w: %s: %v", ErrDownload, u, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", "", fmt.Errorf("generator: couldn't close temp file: %w", err)
	}
	if m.debug {
		log.Printf("generator: prediction %s downloaded to %s (%s)\n", p.ID, f.Name(), format)
	}
	return f.Name(), format, nil
}

// Materialize downloads the prediction output and stores it under a fresh
// opaque name.
func (m *Materializer) Materialize(ctx context.Context, p *replicate.Prediction) (*Artifact, error) {
	path, format, err := m.Fetch(ctx, p)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	tags := map[string]string{
		"format": string(format),
	}
	if format == MP3 {
		if d, err := sound.Duration(path); err != nil {
			log.Printf("❌ generator: couldn't probe duration of %s: %v\n", p.ID, err)
		} else {
			tags["duration"] = sound.Seconds(d)
		}
	}

	name := uuid.NewString() + "." + string(format)
	if err := m.store.Save(ctx, path, name); err != nil {
		return nil, fmt.Errorf("generator: couldn't save %s: %w", name, err)
	}
	log.Printf("generator: prediction %s saved as %s\n", p.ID, name)
	return &Artifact{
		Filename: name,
		Format:   format,
		Tags:     tags,
	}, nil
}
