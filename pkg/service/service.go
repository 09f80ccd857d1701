package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aulasonora/aulasonora/pkg/audit"
	"github.com/aulasonora/aulasonora/pkg/filestore"
	"github.com/aulasonora/aulasonora/pkg/generator"
	"github.com/aulasonora/aulasonora/pkg/reference"
	"github.com/aulasonora/aulasonora/pkg/replicate"
	"github.com/aulasonora/aulasonora/pkg/storage"
	"github.com/aulasonora/aulasonora/pkg/tagger"
)

type Config struct {
	Debug bool

	DBType string
	DBConn string
	FSType string
	FSConn string

	UploadDir string
	TempDir   string
	LogsDir   string

	ReplicateToken string
	ReplicateURL   string
	PollInterval   time.Duration
	PollAttempts   int

	Timeout      time.Duration
	StyleTimeout time.Duration

	InstrumentalModel   string
	InstrumentalVersion string
	VocalModel          string
	OutputFormat        string

	OpenAIKey   string
	OpenAIModel string
	OpenAIURL   string
}

// Service ties song generation to persistence and auditing.
type Service struct {
	store     *storage.Store
	files     *filestore.Store
	library   *reference.Library
	generator *generator.Generator
	audit     *audit.Logger
	uploadDir string
}

// New builds the full generation stack. The database is started but not
// migrated.
func New(ctx context.Context, cfg *Config) (_ *Service, err error) {
	if cfg.ReplicateToken == "" {
		cfg.ReplicateToken = os.Getenv("REPLICATE_API_TOKEN")
	}
	if cfg.ReplicateToken == "" {
		return nil, errors.New("service: replicate token is required")
	}
	if cfg.UploadDir == "" {
		return nil, errors.New("service: upload dir is required")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("service: couldn't create upload dir: %w", err)
	}

	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("service: couldn't create orm store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("service: couldn't start orm store: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if stopErr := store.Stop(); stopErr != nil {
			log.Printf("❌ service: couldn't stop orm store: %v\n", stopErr)
		}
	}()

	fsConn := cfg.FSConn
	if fsConn == "" && (cfg.FSType == "" || cfg.FSType == "local") {
		fsConn = cfg.UploadDir
	}
	files, err := filestore.New(ctx, cfg.FSType, fsConn, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("service: couldn't create file storage: %w", err)
	}

	var auditLog *audit.Logger
	if cfg.LogsDir != "" {
		auditLog, err = audit.New(cfg.LogsDir)
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
		defer func() {
			if err == nil {
				return
			}
			if closeErr := auditLog.Close(); closeErr != nil {
				log.Printf("❌ service: couldn't close audit log: %v\n", closeErr)
			}
		}()
	}

	var tg generator.Tagger = tagger.NewStatic()
	if cfg.OpenAIKey != "" {
		tg = tagger.NewOpenAI(&tagger.OpenAIConfig{
			Token:   cfg.OpenAIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIURL,
			Debug:   cfg.Debug,
		})
	}

	client := replicate.New(&replicate.Config{
		Token:        cfg.ReplicateToken,
		BaseURL:      cfg.ReplicateURL,
		Debug:        cfg.Debug,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.PollAttempts,
	})
	library := reference.NewLibrary(cfg.UploadDir)
	gen, err := generator.New(&generator.Config{
		Predictor:            client,
		Library:              library,
		Materializer:         generator.NewMaterializer(&http.Client{Timeout: 5 * time.Minute}, files, cfg.TempDir, cfg.Debug),
		Tagger:               tg,
		InstrumentalEndpoint: modelEndpoint(cfg.InstrumentalModel),
		InstrumentalVersion:  cfg.InstrumentalVersion,
		VocalEndpoint:        modelEndpoint(cfg.VocalModel),
		OutputFormat:         cfg.OutputFormat,
		Timeout:              cfg.Timeout,
		StyleTimeout:         cfg.StyleTimeout,
		Debug:                cfg.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	return &Service{
		store:     store,
		files:     files,
		library:   library,
		generator: gen,
		audit:     auditLog,
		uploadDir: cfg.UploadDir,
	}, nil
}

// modelEndpoint turns "owner/name" into its predictions endpoint.
func modelEndpoint(model string) string {
	if model == "" {
		return ""
	}
	return fmt.Sprintf("models/%s/predictions", model)
}

func (s *Service) Close() error {
	if err := s.audit.Close(); err != nil {
		log.Printf("❌ service: couldn't close audit log: %v\n", err)
	}
	return s.store.Stop()
}

func (s *Service) Store() *storage.Store {
	return s.store
}

func (s *Service) Files() *filestore.Store {
	return s.files
}

func (s *Service) UploadDir() string {
	return s.uploadDir
}

// Generate runs a generation on behalf of user and stores the resulting
// song record.
func (s *Service) Generate(ctx context.Context, user string, req generator.Request) (*storage.Song, error) {
	art, err := s.generator.Generate(ctx, req)
	if err != nil {
		s.audit.Failed(user, string(req.Mode), req.Prompt, err)
		return nil, err
	}
	song := NewSong(user, req, art)
	if err := s.store.SetSong(ctx, song); err != nil {
		s.audit.Failed(user, string(req.Mode), req.Prompt, err)
		return nil, fmt.Errorf("service: couldn't save song: %w", err)
	}
	s.audit.Generated(user, song.Mode, req.Prompt, art.Filename)
	return song, nil
}

// NewSong builds the record persisted for a generated artifact.
func NewSong(user string, req generator.Request, art *generator.Artifact) *storage.Song {
	song := storage.NewSong(user, req.Prompt)
	song.Mode = art.Tags["mode"]
	if song.Mode == "" {
		song.Mode = string(req.Mode)
	}
	song.Filename = art.Filename
	song.Format = string(art.Format)
	song.Tags = art.Tags
	song.Lyrics = art.Lyrics
	if d, err := strconv.Atoi(art.Tags["duration"]); err == nil {
		song.Duration = d
	} else if song.Mode == string(generator.Instrumental) {
		song.Duration = req.Duration
		if song.Duration <= 0 {
			song.Duration = generator.DefaultDuration
		}
	}
	return song
}

// URL returns the public path of a stored artifact.
func URL(filename string) string {
	return "/static/music/" + filename
}
