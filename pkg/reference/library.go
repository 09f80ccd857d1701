package reference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aulasonora/aulasonora/pkg/filestore/local"
)

// ErrNoVoice is returned when a vocal generation is requested and no voice
// reference has been installed.
var ErrNoVoice = errors.New("reference: no voice reference configured")

const (
	systemDir   = "system"
	voiceFile   = "system_voice.mp3"
	styleMP3    = "system_style.mp3"
	styleWAV    = "system_style.wav"
)

// Library resolves the admin managed reference files below the upload root.
// Files are read at the moment of use and replaced by rename, so a request
// always sees a whole file.
type Library struct {
	root string
}

func NewLibrary(root string) *Library {
	return &Library{root: root}
}

func (l *Library) dir() string {
	return filepath.Join(l.root, systemDir)
}

// VoicePath returns the voice reference path or ErrNoVoice if it is missing.
func (l *Library) VoicePath() (string, error) {
	p := filepath.Join(l.dir(), voiceFile)
	if !exists(p) {
		return "", fmt.Errorf("%w (%s)", ErrNoVoice, p)
	}
	return p, nil
}

// FallbackStyles returns the candidate fallback style paths in order of
// preference. Existence is checked by the caller.
func (l *Library) FallbackStyles() []string {
	return []string{
		filepath.Join(l.dir(), styleMP3),
		filepath.Join(l.dir(), styleWAV),
	}
}

// SetVoice installs the voice reference from src. Only mp3 is accepted.
func (l *Library) SetVoice(src string) error {
	if !strings.EqualFold(filepath.Ext(src), ".mp3") {
		return fmt.Errorf("reference: voice reference must be an mp3: %s", src)
	}
	return l.install(src, voiceFile)
}

// SetStyle installs the fallback style reference from src. The other format
// is removed so only one fallback is active.
func (l *Library) SetStyle(src string) error {
	var name, other string
	switch strings.ToLower(filepath.Ext(src)) {
	case ".mp3":
		name, other = styleMP3, styleWAV
	case ".wav":
		name, other = styleWAV, styleMP3
	default:
		return fmt.Errorf("reference: style reference must be mp3 or wav: %s", src)
	}
	if err := l.install(src, name); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.dir(), other)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reference: couldn't remove %s: %w", other, err)
	}
	return nil
}

// Status describes which reference files are installed.
type Status struct {
	Voice string
	Style string
}

func (l *Library) Status() Status {
	var s Status
	if p, err := l.VoicePath(); err == nil {
		s.Voice = p
	}
	for _, p := range l.FallbackStyles() {
		if exists(p) {
			s.Style = p
			break
		}
	}
	return s
}

func (l *Library) install(src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreadable, src, err)
	}
	defer in.Close()
	if err := os.MkdirAll(l.dir(), 0755); err != nil {
		return fmt.Errorf("reference: couldn't create %s: %w", l.dir(), err)
	}
	if err := local.WriteAtomic(filepath.Join(l.dir(), name), in); err != nil {
		return fmt.Errorf("reference: couldn't install %s: %w", name, err)
	}
	return nil
}

func exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
