package generate

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"gopkg.in/yaml.v3"
)

type input struct {
	User     string `json:"user,omitempty" csv:"user" yaml:"user"`
	Prompt   string `json:"prompt" csv:"prompt" yaml:"prompt"`
	Mode     string `json:"mode,omitempty" csv:"mode" yaml:"mode"`
	Lyrics   string `json:"lyrics,omitempty" csv:"lyrics" yaml:"lyrics"`
	Duration int    `json:"duration,omitempty" csv:"duration" yaml:"duration"`
}

func (i *input) String() string {
	mode := i.Mode
	if mode == "" {
		mode = "instrumental"
	}
	return fmt.Sprintf("{%s, p: %s, d: %d}", mode, i.Prompt, i.Duration)
}

func loadInputs(file string) ([]*input, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("generate: couldn't read input file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(file))
	var unmarshal func([]byte) ([]*input, error)
	switch ext {
	case ".json":
		unmarshal = func(b []byte) ([]*input, error) {
			var is []*input
			if err := json.Unmarshal(b, &is); err != nil {
				return nil, fmt.Errorf("couldn't unmarshal items: %w", err)
			}
			return is, nil
		}
	case ".csv":
		unmarshal = func(b []byte) ([]*input, error) {
			var is []*input
			if err := gocsv.UnmarshalBytes(b, &is); err != nil {
				return nil, fmt.Errorf("couldn't unmarshal items: %w", err)
			}
			return is, nil
		}
	case ".yaml", ".yml":
		unmarshal = func(b []byte) ([]*input, error) {
			var is []*input
			if err := yaml.Unmarshal(b, &is); err != nil {
				return nil, fmt.Errorf("couldn't unmarshal items: %w", err)
			}
			return is, nil
		}
	default:
		return nil, fmt.Errorf("generate: unsupported input format: %s", ext)
	}
	inputs, err := unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("generate: couldn't unmarshal input: %w", err)
	}
	var valid []*input
	for _, i := range inputs {
		if i == nil || strings.TrimSpace(i.Prompt) == "" {
			log.Println("generate: skipping empty input")
			continue
		}
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("generate: no inputs found in file")
	}
	return valid, nil
}
