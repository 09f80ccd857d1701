package generate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aulasonora/aulasonora/pkg/generator"
	"github.com/aulasonora/aulasonora/pkg/service"
)

type Config struct {
	Service     service.Config
	Timeout     time.Duration
	Concurrency int
	Limit       int
	Input       string
	User        string

	Prompt   string
	Mode     string
	Lyrics   string
	Duration int
}

// Run generates the songs given by a single prompt or an input file.
func Run(ctx context.Context, cfg *Config) error {
	var iteration int
	log.Println("generate: process started")
	defer func() {
		log.Printf("generate: process ended (%d)\n", iteration)
	}()

	debug := func(format string, args ...interface{}) {
		if !cfg.Service.Debug {
			return
		}
		format += "\n"
		log.Printf(format, args...)
	}

	var inputs []*input
	switch {
	case cfg.Input != "":
		candidate, err := loadInputs(cfg.Input)
		if err != nil {
			return err
		}
		inputs = candidate
	case cfg.Prompt != "":
		inputs = []*input{{
			Prompt:   cfg.Prompt,
			Mode:     cfg.Mode,
			Lyrics:   cfg.Lyrics,
			Duration: cfg.Duration,
		}}
	default:
		return errors.New("generate: prompt or input file is required")
	}

	svc, err := service.New(ctx, &cfg.Service)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Printf("❌ generate: couldn't close service: %v\n", err)
		}
	}()

	// Print time stats
	start := time.Now()
	defer func() {
		if iteration == 0 {
			return
		}
		total := time.Since(start)
		log.Printf("generate: total time %s, average time %s\n", total, total/time.Duration(iteration))
	}()

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 24 * time.Hour
	}
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	errC := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		errC <- nil
	}
	var wg sync.WaitGroup
	defer wg.Wait()

	var nErr, nOK int
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("generate: %w", ctx.Err())
		case <-ticker.C:
			return nil
		case err := <-errC:
			if err != nil {
				nErr++
			}

			if iteration >= len(inputs) || (cfg.Limit > 0 && iteration >= cfg.Limit) {
				// Drain the remaining workers before reporting.
				for i := 1; i < concurrency; i++ {
					if err := <-errC; err != nil {
						nErr++
					}
				}
				nOK = iteration - nErr
				log.Printf("generate: %d songs generated, %d failed\n", nOK, nErr)
				if nErr > 0 && nOK == 0 {
					return fmt.Errorf("generate: all %d generations failed", nErr)
				}
				return nil
			}

			in := inputs[iteration]
			iteration++
			user := in.User
			if user == "" {
				user = cfg.User
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				debug("generate: start %s", in)
				err := generate(ctx, svc, user, in)
				if err != nil {
					log.Println(err)
				}
				debug("generate: end %s", in)
				errC <- err
			}()
		}
	}
}

func generate(ctx context.Context, svc *service.Service, user string, in *input) error {
	mode, err := generator.ParseMode(in.Mode)
	if err != nil {
		return fmt.Errorf("generate: %s: %w", in, err)
	}
	song, err := svc.Generate(ctx, user, generator.Request{
		Prompt:   in.Prompt,
		Mode:     mode,
		Lyrics:   in.Lyrics,
		Duration: in.Duration,
	})
	if err != nil {
		return fmt.Errorf("generate: couldn't generate song %s: %w", in, err)
	}
	log.Printf("generate: song %s %q saved at %s\n", song.ID, song.Title, service.URL(song.Filename))
	return nil
}
