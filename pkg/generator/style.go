package generator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/aulasonora/aulasonora/pkg/reference"
)

// ErrNoStyle is returned when no style reference could be encoded at all.
var ErrNoStyle = errors.New("generator: no style reference available")

const (
	StyleSynthesized = "synthesized"
	StyleFallbackMP3 = "fallback-mp3"
	StyleFallbackWAV = "fallback-wav"
	StyleVoice       = "voice"
)

// styleProvider yields a local file to be used as style reference. The
// returned cleanup func, if any, is called once the file has been encoded.
type styleProvider struct {
	name    string
	resolve func(ctx context.Context, prompt string) (string, func(), error)
}

func (g *Generator) styleProviders(voicePath string) []styleProvider {
	fallbacks := g.library.FallbackStyles()
	return []styleProvider{
		{name: StyleSynthesized, resolve: g.synthesizeStyle},
		{name: StyleFallbackMP3, resolve: fileProvider(fallbacks[0])},
		{name: StyleFallbackWAV, resolve: fileProvider(fallbacks[1])},
		{name: StyleVoice, resolve: fileProvider(voicePath)},
	}
}

func fileProvider(path string) func(context.Context, string) (string, func(), error) {
	return func(context.Context, string) (string, func(), error) {
		fi, err := os.Stat(path)
		if err != nil {
			return "", nil, err
		}
		if fi.IsDir() {
			return "", nil, fmt.Errorf("%s is a directory", path)
		}
		return path, nil, nil
	}
}

// style walks the provider chain and returns the first reference that
// encodes, together with the name of the provider that produced it.
// Provider failures are logged and absorbed.
func (g *Generator) style(ctx context.Context, prompt, voicePath string) (*reference.InlineAsset, string, error) {
	for _, p := range g.styleProviders(voicePath) {
		asset, err := g.tryStyle(ctx, p, prompt)
		if err == nil {
			g.log("generator: style reference from %s", p.name)
			return asset, p.name, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		log.Printf("❌ generator: style provider %s failed: %v\n", p.name, err)
	}
	return nil, "", ErrNoStyle
}

func (g *Generator) tryStyle(ctx context.Context, p styleProvider, prompt string) (*reference.InlineAsset, error) {
	path, cleanup, err := p.resolve(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}
	return reference.Encode(path)
}

// synthesizeStyle generates a short instrumental with the caller's prompt and
// downloads it to a temporary file.
func (g *Generator) synthesizeStyle(ctx context.Context, prompt string) (string, func(), error) {
	if g.styleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.styleTimeout)
		defer cancel()
	}
	pred, err := g.predictor.Submit(ctx, g.instrumentalEndpoint, g.instrumentalInput(prompt, g.styleDuration))
	if err != nil {
		return "", nil, fmt.Errorf("generator: couldn't submit style: %w", err)
	}
	pred, err = g.predictor.Poll(ctx, pred, g.pollInterval, g.maxAttempts)
	if err != nil {
		return "", nil, fmt.Errorf("generator: style prediction: %w", err)
	}
	path, _, err := g.materializer.Fetch(ctx, pred)
	if err != nil {
		return "", nil, fmt.Errorf("generator: couldn't fetch style: %w", err)
	}
	return path, func() {
		if err := os.Remove(path); err != nil {
			log.Printf("❌ generator: couldn't remove %s: %v\n", path, err)
		}
	}, nil
}
