package reference

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnreadable is matched when a reference file can't be opened or read.
var ErrUnreadable = errors.New("reference: asset unreadable")

// InlineAsset is an audio file ready to be embedded in a request body.
type InlineAsset struct {
	MimeType string
	Data     string
}

// URI returns the asset as a base64 data URI.
func (a *InlineAsset) URI() string {
	return fmt.Sprintf("data:%s;base64,%s", a.MimeType, a.Data)
}

// MimeType guesses the audio mime type from the file extension.
func MimeType(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		return "audio/mpeg"
	}
	return "audio/wav"
}

// Encode reads the file at path and returns it inline encoded.
func Encode(path string) (*InlineAsset, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	return &InlineAsset{
		MimeType: MimeType(path),
		Data:     base64.StdEncoding.EncodeToString(b),
	}, nil
}
