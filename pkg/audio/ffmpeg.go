package audio

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// FFmpeg transcodes audio with the ffmpeg executable
type FFmpeg struct {
	path string
}

// NewFFmpeg returns a transcoder using the ffmpeg binary at path, or the one
// found in PATH when path is empty
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path}
}

// Available reports whether the ffmpeg executable can be found
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.path); err != nil {
		return goerr.Wrap(err, "ffmpeg is not installed or not in PATH", goerr.V("path", f.path))
	}
	return nil
}

// ToWAV writes the input to a temporary file, since the mp4 family of
// demuxers needs a seekable input, and reads the WAV from stdout.
func (f *FFmpeg) ToWAV(ctx context.Context, data []byte, format string) ([]byte, error) {
	if err := f.Available(); err != nil {
		return nil, err
	}

	in, err := os.CreateTemp("", "kioku-*."+format)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(in.Name())

	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, goerr.Wrap(err, "failed to write temp file", goerr.V("path", in.Name()))
	}
	if err := in.Close(); err != nil {
		return nil, goerr.Wrap(err, "failed to close temp file", goerr.V("path", in.Name()))
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.path,
		"-hide_banner", "-loglevel", "error",
		"-i", in.Name(),
		"-ac", "1",
		"-ar", strconv.Itoa(CanonicalSampleRate),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		"pipe:1",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, goerr.Wrap(err, "ffmpeg failed",
			goerr.V("format", format),
			goerr.V("stderr", strings.TrimSpace(stderr.String())))
	}

	if stdout.Len() == 0 {
		return nil, goerr.New("ffmpeg produced no output", goerr.V("format", format))
	}

	return stdout.Bytes(), nil
}
