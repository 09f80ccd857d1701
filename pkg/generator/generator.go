package generator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aulasonora/aulasonora/pkg/reference"
	"github.com/aulasonora/aulasonora/pkg/replicate"
)

var (
	ErrEmptyPrompt   = errors.New("generator: prompt is required")
	ErrMissingLyrics = errors.New("generator: lyrics are required for vocal songs")
	ErrUnknownMode   = errors.New("generator: unknown mode")
)

type Mode string

const (
	Instrumental Mode = "instrumental"
	Vocal        Mode = "vocal"
)

// ParseMode accepts the mode names case insensitively. An empty string
// selects instrumental.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Instrumental):
		return Instrumental, nil
	case string(Vocal):
		return Vocal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

const (
	DefaultDuration      = 10
	DefaultStyleDuration = 15

	DefaultInstrumentalEndpoint = "models/meta/musicgen/predictions"
	DefaultInstrumentalVersion  = "stereo-melody-large"
	DefaultVocalEndpoint        = "models/minimax/music-01/predictions"
	DefaultOutputFormat         = "mp3"
)

type Request struct {
	Prompt string
	Mode   Mode
	Lyrics string
	// Duration in seconds of an instrumental song; 0 selects the default.
	// Ignored for vocal songs.
	Duration int
}

func (r *Request) validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	mode, err := ParseMode(string(r.Mode))
	if err != nil {
		return err
	}
	r.Mode = mode
	if r.Mode == Vocal && strings.TrimSpace(r.Lyrics) == "" {
		return ErrMissingLyrics
	}
	if r.Duration <= 0 {
		r.Duration = DefaultDuration
	}
	return nil
}

// Artifact is a generated song stored under Filename.
type Artifact struct {
	Filename string            `json:"filename"`
	Format   Format            `json:"format"`
	Tags     map[string]string `json:"tags"`
	Lyrics   string            `json:"lyrics"`
}

// Predictor submits and tracks remote predictions.
type Predictor interface {
	Submit(ctx context.Context, endpoint string, input any) (*replicate.Prediction, error)
	Poll(ctx context.Context, p *replicate.Prediction, interval time.Duration, maxAttempts int) (*replicate.Prediction, error)
}

// Tagger classifies a prompt into descriptive tags.
type Tagger interface {
	Tags(ctx context.Context, prompt string, mode Mode) (map[string]string, error)
}

type Config struct {
	Predictor    Predictor
	Library      *reference.Library
	Materializer *Materializer
	Tagger       Tagger

	InstrumentalEndpoint string
	InstrumentalVersion  string
	VocalEndpoint        string
	OutputFormat         string
	StyleDuration        int

	PollInterval time.Duration
	MaxAttempts  int
	// Timeout bounds a whole generation, style synthesis included.
	Timeout time.Duration
	// StyleTimeout bounds style synthesis only. When it expires the fallback
	// references are used.
	StyleTimeout time.Duration

	Debug bool
}

type Generator struct {
	predictor    Predictor
	library      *reference.Library
	materializer *Materializer
	tagger       Tagger

	instrumentalEndpoint string
	instrumentalVersion  string
	vocalEndpoint        string
	outputFormat         string
	styleDuration        int

	pollInterval time.Duration
	maxAttempts  int
	timeout      time.Duration
	styleTimeout time.Duration
	debug        bool
}

func New(cfg *Config) (*Generator, error) {
	if cfg.Predictor == nil {
		return nil, errors.New("generator: predictor is required")
	}
	if cfg.Library == nil {
		return nil, errors.New("generator: reference library is required")
	}
	if cfg.Materializer == nil {
		return nil, errors.New("generator: materializer is required")
	}
	g := &Generator{
		predictor:            cfg.Predictor,
		library:              cfg.Library,
		materializer:         cfg.Materializer,
		tagger:               cfg.Tagger,
		instrumentalEndpoint: orDefault(cfg.InstrumentalEndpoint, DefaultInstrumentalEndpoint),
		instrumentalVersion:  orDefault(cfg.InstrumentalVersion, DefaultInstrumentalVersion),
		vocalEndpoint:        orDefault(cfg.VocalEndpoint, DefaultVocalEndpoint),
		outputFormat:         orDefault(cfg.OutputFormat, DefaultOutputFormat),
		styleDuration:        cfg.StyleDuration,
		pollInterval:         cfg.PollInterval,
		maxAttempts:          cfg.MaxAttempts,
		timeout:              cfg.Timeout,
		styleTimeout:         cfg.StyleTimeout,
		debug:                cfg.Debug,
	}
	if g.styleDuration <= 0 {
		g.styleDuration = DefaultStyleDuration
	}
	if g.instrumentalEndpoint == g.vocalEndpoint {
		return nil, fmt.Errorf("generator: vocal endpoint must differ from instrumental endpoint (%s)", g.vocalEndpoint)
	}
	return g, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (g *Generator) log(format string, args ...interface{}) {
	if g.debug {
		format += "\n"
		log.Printf(format, args...)
	}
}

func (g *Generator) instrumentalInput(prompt string, duration int) map[string]any {
	return map[string]any{
		"prompt":        prompt,
		"duration":      duration,
		"output_format": g.outputFormat,
		"model_version": g.instrumentalVersion,
	}
}

// Generate runs a whole generation: optional style synthesis, submission,
// polling and download. Remote failures are returned as is and never
// retried.
func (g *Generator) Generate(ctx context.Context, req Request) (*Artifact, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	tags := map[string]string{
		"mode": string(req.Mode),
	}
	var endpoint string
	var input map[string]any
	switch req.Mode {
	case Instrumental:
		endpoint = g.instrumentalEndpoint
		input = g.instrumentalInput(req.Prompt, req.Duration)
	case Vocal:
		voicePath, err := g.library.VoicePath()
		if err != nil {
			return nil, err
		}
		style, source, err := g.style(ctx, req.Prompt, voicePath)
		if err != nil {
			return nil, err
		}
		voice, err := reference.Encode(voicePath)
		if err != nil {
			return nil, err
		}
		tags["style_source"] = source
		endpoint = g.vocalEndpoint
		input = map[string]any{
			"prompt":            req.Prompt,
			"lyrics":            req.Lyrics,
			"voice_file":        voice.URI(),
			"instrumental_file": style.URI(),
		}
	}

	pred, err := g.predictor.Submit(ctx, endpoint, input)
	if err != nil {
		return nil, err
	}
	g.log("generator: %s prediction %s submitted", req.Mode, pred.ID)
	pred, err = g.predictor.Poll(ctx, pred, g.pollInterval, g.maxAttempts)
	if err != nil {
		return nil, err
	}
	art, err := g.materializer.Materialize(ctx, pred)
	if err != nil {
		return nil, err
	}

	merged := map[string]string{}
	if g.tagger != nil {
		extra, err := g.tagger.Tags(ctx, req.Prompt, req.Mode)
		if err != nil {
			log.Printf("❌ generator: couldn't tag %s: %v\n", art.Filename, err)
		}
		for k, v := range extra {
			merged[k] = v
		}
	}
	for k, v := range art.Tags {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	art.Tags = merged
	art.Lyrics = req.Lyrics
	return art, nil
}
