package generator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aulasonora/aulasonora/pkg/filestore"
	"github.com/aulasonora/aulasonora/pkg/reference"
	"github.com/aulasonora/aulasonora/pkg/replicate"
)

type submission struct {
	endpoint string
	input    map[string]any
}

type fakePredictor struct {
	mu      sync.Mutex
	submits []submission
	polls   int
	submit  func(endpoint string) (*replicate.Prediction, error)
	poll    func(p *replicate.Prediction) (*replicate.Prediction, error)
}

func (f *fakePredictor) Submit(ctx context.Context, endpoint string, input any) (*replicate.Prediction, error) {
	f.mu.Lock()
	f.submits = append(f.submits, submission{endpoint: endpoint, input: input.(map[string]any)})
	f.mu.Unlock()
	return f.submit(endpoint)
}

func (f *fakePredictor) Poll(ctx context.Context, p *replicate.Prediction, interval time.Duration, maxAttempts int) (*replicate.Prediction, error) {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()
	return f.poll(p)
}

func (f *fakePredictor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits) + f.polls
}

// cdn serves fake audio files with the content type given by the path.
func cdn(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/song.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			fmt.Fprint(w, "mp3 bytes")
		case "/style.wav":
			w.Header().Set("Content-Type", "audio/x-wav")
			fmt.Fprint(w, "wav bytes")
		case "/untyped":
			w.Header()["Content-Type"] = nil
			fmt.Fprint(w, "raw bytes")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type staticTags map[string]string

func (s staticTags) Tags(context.Context, string, Mode) (map[string]string, error) {
	return s, nil
}

type testEnv struct {
	root    string
	tempDir string
	lib     *reference.Library
	gen     *Generator
}

func newTestEnv(t *testing.T, pred Predictor) *testEnv {
	t.Helper()
	root := t.TempDir()
	tempDir := t.TempDir()
	store, err := filestore.New(context.Background(), "local", root, false)
	if err != nil {
		t.Fatal(err)
	}
	lib := reference.NewLibrary(root)
	gen, err := New(&Config{
		Predictor:    pred,
		Library:      lib,
		Materializer: NewMaterializer(nil, store, tempDir, false),
		Tagger:       staticTags{"instrumento": "Piano", "mode": "ignored"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{root: root, tempDir: tempDir, lib: lib, gen: gen}
}

func (e *testEnv) writeSystem(t *testing.T, name, content string) string {
	t.Helper()
	dir := filepath.Join(e.root, "system")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func dataURI(mime, content string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString([]byte(content))
}

func succeededAt(u string) func(*replicate.Prediction) (*replicate.Prediction, error) {
	return func(p *replicate.Prediction) (*replicate.Prediction, error) {
		return &replicate.Prediction{ID: p.ID, Status: replicate.Succeeded, Output: replicate.Output(u)}, nil
	}
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		contentType string
		want        Format
	}{
		{"audio/wav", WAV},
		{"audio/x-wav", WAV},
		{"audio/WAVE", WAV},
		{"audio/vnd.wave; codecs=1", WAV},
		{"audio/mpeg", MP3},
		{"audio/mp3", MP3},
		{"application/octet-stream", MP3},
		{"audio/flac", MP3},
		{"", MP3},
	}
	for _, tt := range tests {
		if got := formatFor(tt.contentType); got != tt.want {
			t.Errorf("formatFor(%q) = %s; want %s", tt.contentType, got, tt.want)
		}
	}
}

func TestValidation(t *testing.T) {
	pred := &fakePredictor{}
	env := newTestEnv(t, pred)
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty prompt", Request{Prompt: "  "}, ErrEmptyPrompt},
		{"vocal without lyrics", Request{Prompt: "p", Mode: Vocal}, ErrMissingLyrics},
		{"unknown mode", Request{Prompt: "p", Mode: "karaoke"}, ErrUnknownMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.gen.Generate(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v; want %v", err, tt.want)
			}
		})
	}
	if n := pred.calls(); n != 0 {
		t.Errorf("calls = %d; want 0", n)
	}
}

func TestInstrumental(t *testing.T) {
	srv := cdn(t)
	pred := &fakePredictor{
		submit: func(string) (*replicate.Prediction, error) {
			return &replicate.Prediction{ID: "i1", Status: replicate.Starting}, nil
		},
		poll: succeededAt(srv.URL + "/song.mp3"),
	}
	env := newTestEnv(t, pred)
	art, err := env.gen.Generate(context.Background(), Request{
		Prompt:   "una melodía alegre con piano",
		Mode:     Instrumental,
		Duration: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(art.Filename, ".mp3") || art.Format != MP3 {
		t.Errorf("artifact = %+v", art)
	}
	if art.Tags["mode"] != "instrumental" || art.Tags["format"] != "mp3" || art.Tags["instrumento"] != "Piano" {
		t.Errorf("tags = %v", art.Tags)
	}
	if _, ok := art.Tags["style_source"]; ok {
		t.Errorf("unexpected style_source tag: %v", art.Tags)
	}
	b, err := os.ReadFile(filepath.Join(env.root, art.Filename))
	if err != nil || string(b) != "mp3 bytes" {
		t.Errorf("stored = %q, %v", b, err)
	}

	if len(pred.submits) != 1 {
		t.Fatalf("submits = %d; want 1", len(pred.submits))
	}
	s := pred.submits[0]
	if s.endpoint != DefaultInstrumentalEndpoint {
		t.Errorf("endpoint = %s", s.endpoint)
	}
	if s.input["duration"] != 10 || s.input["prompt"] != "una melodía alegre con piano" {
		t.Errorf("input = %v", s.input)
	}
	if _, ok := s.input["voice_file"]; ok {
		t.Errorf("instrumental input carries a voice: %v", s.input)
	}
}

func TestInstrumentalDefaultDuration(t *testing.T) {
	srv := cdn(t)
	pred := &fakePredictor{
		submit: func(string) (*replicate.Prediction, error) {
			return &replicate.Prediction{ID: "i1"}, nil
		},
		poll: succeededAt(srv.URL + "/untyped"),
	}
	env := newTestEnv(t, pred)
	art, err := env.gen.Generate(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if art.Format != MP3 {
		t.Errorf("format = %s; want mp3", art.Format)
	}
	if pred.submits[0].input["duration"] != DefaultDuration {
		t.Errorf("duration = %v", pred.submits[0].input["duration"])
	}
}

func TestVocalNoVoice(t *testing.T) {
	pred := &fakePredictor{}
	env := newTestEnv(t, pred)
	env.writeSystem(t, "system_style.mp3", "style")
	_, err := env.gen.Generate(context.Background(), Request{Prompt: "p", Mode: Vocal, Lyrics: "la la"})
	if !errors.Is(err, reference.ErrNoVoice) {
		t.Fatalf("err = %v; want ErrNoVoice", err)
	}
	if n := pred.calls(); n != 0 {
		t.Errorf("calls = %d; want 0 before failing", n)
	}
}

func TestVocalStyleFallbacks(t *testing.T) {
	tests := []struct {
		name       string
		mp3, wav   bool
		styleErr   error
		wantSource string
		wantStyle  string
	}{
		{"mp3 fallback", true, true, &replicate.FailedError{ID: "s1", Status: replicate.Failed}, StyleFallbackMP3, dataURI("audio/mpeg", "style mp3")},
		{"wav fallback", false, true, replicate.ErrTimeout, StyleFallbackWAV, dataURI("audio/wav", "style wav")},
		{"voice as style", false, false, &replicate.RejectedError{StatusCode: 500}, StyleVoice, dataURI("audio/mpeg", "voice")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := cdn(t)
			pred := &fakePredictor{
				submit: func(endpoint string) (*replicate.Prediction, error) {
					if endpoint == DefaultInstrumentalEndpoint {
						if _, ok := tt.styleErr.(*replicate.RejectedError); ok {
							return nil, tt.styleErr
						}
						return &replicate.Prediction{ID: "s1", Status: replicate.Starting}, nil
					}
					return &replicate.Prediction{ID: "v1", Status: replicate.Starting}, nil
				},
				poll: func(p *replicate.Prediction) (*replicate.Prediction, error) {
					if p.ID == "s1" {
						return nil, tt.styleErr
					}
					return succeededAt(srv.URL + "/song.mp3")(p)
				},
			}
			env := newTestEnv(t, pred)
			env.writeSystem(t, "system_voice.mp3", "voice")
			if tt.mp3 {
				env.writeSystem(t, "system_style.mp3", "style mp3")
			}
			if tt.wav {
				env.writeSystem(t, "system_style.wav", "style wav")
			}

			art, err := env.gen.Generate(context.Background(), Request{Prompt: "rock", Mode: Vocal, Lyrics: "hola"})
			if err != nil {
				t.Fatal(err)
			}
			if art.Tags["style_source"] != tt.wantSource || art.Tags["mode"] != "vocal" {
				t.Errorf("tags = %v", art.Tags)
			}
			if art.Lyrics != "hola" {
				t.Errorf("lyrics = %q", art.Lyrics)
			}
			last := pred.submits[len(pred.submits)-1]
			if last.endpoint != DefaultVocalEndpoint {
				t.Fatalf("endpoint = %s", last.endpoint)
			}
			if last.input["voice_file"] != dataURI("audio/mpeg", "voice") {
				t.Errorf("voice_file = %.40v", last.input["voice_file"])
			}
			if last.input["instrumental_file"] != tt.wantStyle {
				t.Errorf("instrumental_file = %.40v; want %.40v", last.input["instrumental_file"], tt.wantStyle)
			}
			if last.input["lyrics"] != "hola" || last.input["prompt"] != "rock" {
				t.Errorf("input = %v", last.input)
			}
		})
	}
}

func TestVocalSynthesizedStyle(t *testing.T) {
	srv := cdn(t)
	pred := &fakePredictor{
		submit: func(endpoint string) (*replicate.Prediction, error) {
			if endpoint == DefaultInstrumentalEndpoint {
				return &replicate.Prediction{ID: "s1"}, nil
			}
			return &replicate.Prediction{ID: "v1"}, nil
		},
		poll: func(p *replicate.Prediction) (*replicate.Prediction, error) {
			if p.ID == "s1" {
				return succeededAt(srv.URL + "/style.wav")(p)
			}
			return succeededAt(srv.URL + "/song.mp3")(p)
		},
	}
	env := newTestEnv(t, pred)
	env.writeSystem(t, "system_voice.mp3", "voice")
	env.writeSystem(t, "system_style.mp3", "style mp3")

	art, err := env.gen.Generate(context.Background(), Request{Prompt: "jazz", Mode: Vocal, Lyrics: "do re mi"})
	if err != nil {
		t.Fatal(err)
	}
	if art.Tags["style_source"] != StyleSynthesized {
		t.Errorf("style_source = %q", art.Tags["style_source"])
	}
	if len(pred.submits) != 2 {
		t.Fatalf("submits = %d; want 2", len(pred.submits))
	}
	style := pred.submits[0]
	if style.input["duration"] != DefaultStyleDuration || style.input["prompt"] != "jazz" {
		t.Errorf("style input = %v", style.input)
	}
	if got := pred.submits[1].input["instrumental_file"]; got != dataURI("audio/wav", "wav bytes") {
		t.Errorf("instrumental_file = %.40v", got)
	}
	entries, err := os.ReadDir(env.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestNoStyle(t *testing.T) {
	pred := &fakePredictor{
		submit: func(string) (*replicate.Prediction, error) {
			return nil, &replicate.RejectedError{StatusCode: 422}
		},
	}
	env := newTestEnv(t, pred)
	_, _, err := env.gen.style(context.Background(), "p", filepath.Join(env.root, "missing.mp3"))
	if !errors.Is(err, ErrNoStyle) {
		t.Fatalf("err = %v; want ErrNoStyle", err)
	}
}

func TestRemoteFailureSurfaces(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"failed", &replicate.FailedError{ID: "i1", Status: replicate.Failed, Message: "boom"}, replicate.ErrFailed},
		{"timeout", fmt.Errorf("%w: i1", replicate.ErrTimeout), replicate.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := &fakePredictor{
				submit: func(string) (*replicate.Prediction, error) {
					return &replicate.Prediction{ID: "i1"}, nil
				},
				poll: func(*replicate.Prediction) (*replicate.Prediction, error) {
					return nil, tt.err
				},
			}
			env := newTestEnv(t, pred)
			_, err := env.gen.Generate(context.Background(), Request{Prompt: "p"})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v; want %v", err, tt.want)
			}
			if len(pred.submits) != 1 {
				t.Errorf("submits = %d; want 1", len(pred.submits))
			}
		})
	}
}

func TestMaterializeErrors(t *testing.T) {
	srv := cdn(t)
	store, err := filestore.New(context.Background(), "local", t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMaterializer(nil, store, t.TempDir(), false)

	_, err = m.Materialize(context.Background(), &replicate.Prediction{ID: "x", Status: replicate.Succeeded})
	if !errors.Is(err, ErrNoOutput) {
		t.Errorf("err = %v; want ErrNoOutput", err)
	}

	_, err = m.Materialize(context.Background(), &replicate.Prediction{ID: "x", Output: replicate.Output(srv.URL + "/gone")})
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) || dlErr.StatusCode != http.StatusNotFound {
		t.Errorf("err = %v; want DownloadError 404", err)
	}
	if !errors.Is(err, ErrDownload) {
		t.Errorf("err = %v; want ErrDownload", err)
	}
}

func TestMaterializeUniqueNames(t *testing.T) {
	srv := cdn(t)
	root := t.TempDir()
	store, err := filestore.New(context.Background(), "local", root, false)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMaterializer(nil, store, t.TempDir(), false)
	p := &replicate.Prediction{ID: "x", Status: replicate.Succeeded, Output: replicate.Output(srv.URL + "/style.wav")}

	var wg sync.WaitGroup
	names := make([]string, 8)
	errs := make([]error, 8)
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			art, err := m.Materialize(context.Background(), p)
			errs[i] = err
			if err == nil {
				names[i] = art.Filename
			}
		}(i)
	}
	wg.Wait()
	seen := map[string]bool{}
	for i, n := range names {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if !strings.HasSuffix(n, ".wav") || seen[n] {
			t.Errorf("name %q duplicated or wrong extension", n)
		}
		seen[n] = true
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(names) {
		t.Errorf("root has %d files; want %d", len(entries), len(names))
	}
}

func TestGenerateWithReplicate(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/meta/musicgen/predictions":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id":"r1","status":"starting","urls":{"get":"%s/predictions/r1"}}`, srv.URL)
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/r1":
			fmt.Fprintf(w, `{"id":"r1","status":"succeeded","output":["%s/files/out"]}`, srv.URL)
		case r.URL.Path == "/files/out":
			w.Header().Set("Content-Type", "audio/wav")
			fmt.Fprint(w, "RIFF")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := replicate.New(&replicate.Config{
		Token:        "t",
		BaseURL:      srv.URL,
		Wait:         time.Millisecond,
		PollInterval: time.Millisecond,
		MaxAttempts:  3,
	})
	env := newTestEnv(t, client)
	art, err := env.gen.Generate(context.Background(), Request{Prompt: "calma", Duration: 20})
	if err != nil {
		t.Fatal(err)
	}
	if art.Format != WAV || !strings.HasSuffix(art.Filename, ".wav") {
		t.Errorf("artifact = %+v", art)
	}
	if _, err := os.Stat(filepath.Join(env.root, art.Filename)); err != nil {
		t.Error(err)
	}
}

func TestGenerateTimeout(t *testing.T) {
	pred := &fakePredictor{
		submit: func(string) (*replicate.Prediction, error) {
			return &replicate.Prediction{ID: "i1"}, nil
		},
	}
	env := newTestEnv(t, pred)
	env.gen.timeout = 10 * time.Millisecond
	pred.poll = func(*replicate.Prediction) (*replicate.Prediction, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}
	_, err := env.gen.Generate(context.Background(), Request{Prompt: "p"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v; want deadline exceeded", err)
	}
}
