package sound

import (
	"fmt"
	"os"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// Decoded PCM from go-mp3 is always 16-bit stereo.
const bytesPerFrame = 4

// Duration decodes the mp3 file headers and returns its playback length.
func Duration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("sound: couldn't open file: %w", err)
	}
	defer f.Close()

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return 0, fmt.Errorf("sound: couldn't decode mp3: %w", err)
	}
	length := decoder.Length()
	if length <= 0 || decoder.SampleRate() <= 0 {
		return 0, fmt.Errorf("sound: unknown length for %s", path)
	}
	frames := float64(length) / bytesPerFrame
	return time.Duration(frames / float64(decoder.SampleRate()) * float64(time.Second)), nil
}

// Seconds formats d rounded to whole seconds.
func Seconds(d time.Duration) string {
	return fmt.Sprintf("%d", int(d.Round(time.Second)/time.Second))
}
