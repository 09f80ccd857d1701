package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aulasonora/aulasonora/pkg/generator"
	"github.com/aulasonora/aulasonora/pkg/reference"
	"github.com/aulasonora/aulasonora/pkg/replicate"
	"github.com/aulasonora/aulasonora/pkg/service"
	"github.com/aulasonora/aulasonora/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Config struct {
	Service service.Config

	Addr           string
	Credentials    map[string]string
	RequestTimeout time.Duration
}

// Serve starts the generation service.
func Serve(ctx context.Context, cfg *Config) error {
	log.Println("web: server started")
	defer log.Println("web: server ended")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := service.New(ctx, &cfg.Service)
	if err != nil {
		return fmt.Errorf("web: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Printf("❌ web: couldn't close service: %v\n", err)
		}
	}()

	split := strings.Split(cfg.Addr, ":")
	if len(split) != 2 {
		return fmt.Errorf("web: invalid address: %s", cfg.Addr)
	}
	host := split[0]
	port, err := strconv.Atoi(split[1])
	if err != nil {
		return fmt.Errorf("web: invalid port: %s", split[1])
	}
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: newRouter(svc, cfg.Credentials, cfg.RequestTimeout, cfg.Service.Debug),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		note := fmt.Sprintf("http://%s:%d", host, port)
		if host == "" {
			note = fmt.Sprintf("all interfaces http://localhost:%d", port)
		}
		log.Printf("Starting server on %s", note)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v\n", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web: couldn't shutdown server: %w", err)
	}
	return nil
}

type generateRequest struct {
	Prompt   string `json:"prompt"`
	Mode     string `json:"mode"`
	Lyrics   string `json:"lyrics"`
	Duration int    `json:"duration"`
}

type Song struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	AudioURL string            `json:"audio_url"`
	Tags     map[string]string `json:"tags"`
	Lyrics   string            `json:"lyrics"`
	Mode     string            `json:"mode"`
	Duration int               `json:"duration"`
}

func toSong(s *storage.Song) *Song {
	return &Song{
		ID:       s.ID,
		Title:    s.Title,
		AudioURL: service.URL(s.Filename),
		Tags:     s.Tags,
		Lyrics:   s.Lyrics,
		Mode:     s.Mode,
		Duration: s.Duration,
	}
}

func newRouter(svc *service.Service, credentials map[string]string, timeout time.Duration, debug bool) http.Handler {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.Timeout(timeout))
	if debug {
		mux.Use(middleware.Logger)
	}
	if len(credentials) > 0 {
		mux.Use(middleware.BasicAuth("aulasonora", credentials))
	}

	mux.Get("/static/music/*", serveArtifact(svc))

	mux.Post("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
		mode, err := generator.ParseMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		song, err := svc.Generate(r.Context(), userOf(r), generator.Request{
			Prompt:   req.Prompt,
			Mode:     mode,
			Lyrics:   req.Lyrics,
			Duration: req.Duration,
		})
		if err != nil {
			log.Println("couldn't generate song:", err)
			writeError(w, statusOf(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"message": "song generated",
			"song":    toSong(song),
		})
	})

	mux.Get("/api/songs/{id}", func(w http.ResponseWriter, r *http.Request) {
		song, err := svc.Store().GetSong(r.Context(), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "song not found")
			return
		case err != nil:
			log.Println("couldn't get song:", err)
			writeError(w, http.StatusInternalServerError, "couldn't get song")
			return
		}
		if song.UserID != userOf(r) {
			writeError(w, http.StatusNotFound, "song not found")
			return
		}
		writeJSON(w, http.StatusOK, toSong(song))
	})

	mux.Get("/api/history", func(w http.ResponseWriter, r *http.Request) {
		songs, err := svc.Store().History(r.Context(), userOf(r), time.Now().Add(-24*time.Hour))
		if err != nil {
			log.Println("couldn't list songs:", err)
			writeError(w, http.StatusInternalServerError, "couldn't list songs")
			return
		}
		out := []*Song{}
		for _, s := range songs {
			out = append(out, toSong(s))
		}
		writeJSON(w, http.StatusOK, out)
	})
	return mux
}

// serveArtifact serves files from the upload root, pulling them from the
// file store first when they aren't cached there.
func serveArtifact(svc *service.Service) http.HandlerFunc {
	root := svc.UploadDir()
	fileServer := http.StripPrefix("/static/music/", http.FileServer(http.Dir(root)))
	return func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(chi.URLParam(r, "*"))
		if name == "." || name == "/" || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}
		local := filepath.Join(root, name)
		if _, err := os.Stat(local); os.IsNotExist(err) {
			ok, err := svc.Files().Exists(r.Context(), name)
			if err != nil {
				log.Println("couldn't check artifact:", err)
				http.Error(w, "couldn't check artifact", http.StatusBadGateway)
				return
			}
			if !ok {
				http.NotFound(w, r)
				return
			}
			if err := svc.Files().Load(r.Context(), local, name); err != nil {
				log.Println("couldn't download artifact:", err)
				http.Error(w, "couldn't download artifact", http.StatusBadGateway)
				return
			}
		}
		fileServer.ServeHTTP(w, r)
	}
}

// userOf returns the caller identity given by basic auth.
func userOf(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok {
		return user
	}
	return "anonymous"
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, generator.ErrEmptyPrompt),
		errors.Is(err, generator.ErrMissingLyrics),
		errors.Is(err, generator.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, reference.ErrNoVoice):
		return http.StatusServiceUnavailable
	case errors.Is(err, replicate.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, replicate.ErrRejected),
		errors.Is(err, replicate.ErrFailed),
		errors.Is(err, generator.ErrNoOutput),
		errors.Is(err, generator.ErrDownload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("couldn't encode response:", err)
	}
}
