package reference

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aulasonora/aulasonora/pkg/audit"
	"github.com/aulasonora/aulasonora/pkg/reference"
)

type Config struct {
	UploadDir string
	LogsDir   string
	User      string

	Voice string
	Style string
}

// Run installs the given reference files and prints which ones are active.
func Run(ctx context.Context, cfg *Config) error {
	if cfg.UploadDir == "" {
		return errors.New("reference: upload dir is required")
	}
	lib := reference.NewLibrary(cfg.UploadDir)

	var auditLog *audit.Logger
	if cfg.LogsDir != "" && (cfg.Voice != "" || cfg.Style != "") {
		candidate, err := audit.New(cfg.LogsDir)
		if err != nil {
			return fmt.Errorf("reference: %w", err)
		}
		auditLog = candidate
		defer auditLog.Close()
	}

	if cfg.Voice != "" {
		if err := lib.SetVoice(cfg.Voice); err != nil {
			return err
		}
		auditLog.Reference(cfg.User, "voice", cfg.Voice)
		log.Printf("reference: voice installed from %s\n", cfg.Voice)
	}
	if cfg.Style != "" {
		if err := lib.SetStyle(cfg.Style); err != nil {
			return err
		}
		auditLog.Reference(cfg.User, "style", cfg.Style)
		log.Printf("reference: style installed from %s\n", cfg.Style)
	}

	status := lib.Status()
	voice, style := status.Voice, status.Style
	if voice == "" {
		voice = "(none, vocal songs disabled)"
	}
	if style == "" {
		style = "(none, synthesized or voice only)"
	}
	fmt.Printf("voice: %s\nstyle: %s\n", voice, style)
	return nil
}
