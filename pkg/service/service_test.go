package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/aulasonora/aulasonora/pkg/generator"
	"github.com/aulasonora/aulasonora/pkg/reference"
)

func TestNewSong(t *testing.T) {
	art := &generator.Artifact{
		Filename: "abc.wav",
		Format:   generator.WAV,
		Tags:     map[string]string{"mode": "instrumental"},
	}
	song := NewSong("7", generator.Request{Prompt: "una melodía alegre con piano", Mode: generator.Instrumental}, art)
	if song.Duration != generator.DefaultDuration || song.Title != "Canción sobre una melodía alegre c..." {
		t.Errorf("song = %+v", song)
	}
	art.Tags["duration"] = "31"
	song = NewSong("7", generator.Request{Prompt: "p", Mode: generator.Vocal}, art)
	if song.Duration != 31 {
		t.Errorf("duration = %d; want 31", song.Duration)
	}
	if URL("abc.wav") != "/static/music/abc.wav" {
		t.Errorf("url = %s", URL("abc.wav"))
	}
}

func newTestService(t *testing.T, h http.Handler) (*Service, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	s, err := New(context.Background(), &Config{
		DBType:         "sqlite",
		DBConn:         filepath.Join(dir, "test.db"),
		FSType:         "local",
		UploadDir:      filepath.Join(dir, "music"),
		TempDir:        t.TempDir(),
		LogsDir:        filepath.Join(dir, "logs"),
		ReplicateToken: "t",
		ReplicateURL:   srv.URL,
		PollInterval:   time.Millisecond,
		PollAttempts:   3,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Store().Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, srv.URL
}

func fakeReplicate() http.Handler {
	var base string
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base = "http://" + r.Host
		switch r.URL.Path {
		case "/models/meta/musicgen/predictions":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"r1","status":"starting"}`)
		case "/predictions/r1":
			fmt.Fprintf(w, `{"id":"r1","status":"succeeded","output":"%s/out.mp3"}`, base)
		case "/out.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			fmt.Fprint(w, "mp3")
		default:
			http.NotFound(w, r)
		}
	})
}

func TestGenerate(t *testing.T) {
	s, _ := newTestService(t, fakeReplicate())
	ctx := context.Background()
	song, err := s.Generate(ctx, "7", generator.Request{Prompt: "una melodía alegre con piano", Duration: 10})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Store().GetSong(ctx, song.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "7" || got.Tags["instrumento"] != "Piano" || got.Tags["mode"] != "instrumental" || got.Duration != 10 {
		t.Errorf("song = %+v", got)
	}
	if _, err := os.Stat(filepath.Join(s.UploadDir(), got.Filename)); err != nil {
		t.Error(err)
	}
}

func TestGenerateVocalWithoutVoice(t *testing.T) {
	s, _ := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	}))
	_, err := s.Generate(context.Background(), "7", generator.Request{Prompt: "p", Mode: generator.Vocal, Lyrics: "la"})
	if !errors.Is(err, reference.ErrNoVoice) {
		t.Fatalf("err = %v; want ErrNoVoice", err)
	}
}

// openFiles counts this process's descriptors pointing at path.
func openFiles(t *testing.T, path string) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("can't list open files: %v", err)
	}
	var n int
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name()))
		if err == nil && target == path {
			n++
		}
	}
	return n
}

func TestNewReleasesStoreOnFailure(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs /proc")
	}
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	db := filepath.Join(dir, "test.db")
	tests := []struct {
		name string
		cfg  Config
	}{
		{"file store", Config{FSType: "ftp"}},
		{"generator", Config{InstrumentalModel: "meta/musicgen", VocalModel: "meta/musicgen", LogsDir: filepath.Join(dir, "logs")}},
	}
	for _, tt := range tests {
		cfg := tt.cfg
		cfg.DBType = "sqlite"
		cfg.DBConn = db
		cfg.UploadDir = filepath.Join(dir, "music")
		cfg.ReplicateToken = "t"
		if _, err := New(context.Background(), &cfg); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		if n := openFiles(t, db); n != 0 {
			t.Errorf("%s: %d descriptors still open on %s", tt.name, n, db)
		}
	}
}
