// Package whisper turns voice replies into text with a local whisper.cpp
// binary, so a human can speak a one-time code instead of typing it.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

// runner executes a command and returns its stdout.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Transcriber turns voice notes into text with a local whisper.cpp build.
type Transcriber struct {
	whisperPath string
	modelPath   string
	tmpDir      string
	log         zerolog.Logger
	run         runner
}

// NewTranscriber checks that the binary, the model and ffmpeg are present.
func NewTranscriber(whisperPath, modelPath, tmpDir string, logger zerolog.Logger) (*Transcriber, error) {
	if whisperPath == "" {
		whisperPath = Find()
	}
	if whisperPath == "" {
		return nil, errors.New("whisper-cli not found")
	}
	for _, p := range []string{whisperPath, modelPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("whisper: %w", err)
		}
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("whisper: voice transcription needs ffmpeg: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, err
	}

	return &Transcriber{
		whisperPath: whisperPath,
		modelPath:   modelPath,
		tmpDir:      tmpDir,
		log:         logger.With().Str("component", "whisper").Logger(),
		run:         execRun,
	}, nil
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, fmt.Errorf("%s: %w (stderr: %s)", filepath.Base(name), err, exitErr.Stderr)
	}
	return out, err
}

// Transcribe converts the audio file to 16kHz mono WAV and transcribes it.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	wavPath := filepath.Join(t.tmpDir, strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))+".wav")
	if _, err := t.run(ctx, "ffmpeg", "-y", "-i", audioPath, "-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le", wavPath); err != nil {
		return "", fmt.Errorf("ffmpeg conversion failed: %w", err)
	}
	defer os.Remove(wavPath)

	// -nt: no timestamps
	out, err := t.run(ctx, t.whisperPath, "-m", t.modelPath, "-f", wavPath, "-nt", "-l", "auto")
	if err != nil {
		return "", fmt.Errorf("whisper transcription failed: %w", err)
	}
	text := parseOutput(out)
	t.log.Debug().Int("chars", len(text)).Msg("transcribed voice message")
	return text, nil
}

// parseOutput drops whisper's diagnostic lines and joins the rest.
func parseOutput(out []byte) string {
	var result []string
	for _, line := range strings.Split(string(out), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "whisper_") || strings.HasPrefix(trimmed, "system_info") || strings.HasPrefix(trimmed, "main:") {
			continue
		}
		result = append(result, trimmed)
	}
	return strings.Join(result, " ")
}

// CompactDigits turns a spoken code such as "1 2 3, 4-5-6." into "123456".
// Text with any letters is returned trimmed but otherwise unchanged.
func CompactDigits(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || strings.ContainsRune("-.,", r):
		default:
			return s
		}
	}
	if b.Len() == 0 {
		return s
	}
	return b.String()
}

// Find looks for whisper-cli in common locations.
func Find() string {
	if p, err := exec.LookPath("whisper-cli"); err == nil {
		return p
	}
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/usr/local/bin/whisper-cli",
			"/opt/homebrew/bin/whisper-cli",
		}
	case "linux":
		candidates = []string{
			"/usr/local/bin/whisper-cli",
			"/usr/bin/whisper-cli",
		}
	case "windows":
		candidates = []string{
			"C:\\Program Files\\whisper\\whisper-cli.exe",
			"C:\\whisper\\whisper-cli.exe",
		}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
