// Package generate runs audio generation for queued items.
package generate

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/japaniel/voxqueue/pkg/content"
)

// Argument placeholders expanded by CommandGenerator.
const (
	OutputPlaceholder = "{output}"
	KindPlaceholder   = "{kind}"
)

// CommandGenerator synthesizes audio by running an external program. The
// item's content is written to the program's stdin. The program either
// writes the file named by the {output} argument or prints the audio to
// stdout, which is then saved to that file.
type CommandGenerator struct {
	Binary  string
	Args    []string
	Dir     string
	Ext     string
	Timeout time.Duration
}

// NewCommandGenerator returns a generator writing "<fingerprint><ext>" files
// into dir.
func NewCommandGenerator(binary string, args []string, dir, ext string, timeout time.Duration) *CommandGenerator {
	if ext == "" {
		ext = ".wav"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &CommandGenerator{Binary: binary, Args: args, Dir: dir, Ext: ext, Timeout: timeout}
}

// FileName is the audio file name generated for item.
func (g *CommandGenerator) FileName(item content.Item) string {
	return item.Fingerprint + g.Ext
}

// Generate runs the command for item and returns the produced file name.
func (g *CommandGenerator) Generate(ctx context.Context, item content.Item) (string, error) {
	if g.Binary == "" {
		return "", errors.New("no generator binary configured")
	}
	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create audio dir")
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	name := g.FileName(item)
	out := filepath.Join(g.Dir, name)
	args := make([]string, len(g.Args))
	for i, a := range g.Args {
		a = strings.ReplaceAll(a, OutputPlaceholder, out)
		args[i] = strings.ReplaceAll(a, KindPlaceholder, item.Kind.String())
	}

	cmd := exec.CommandContext(ctx, g.Binary, args...)
	// Stdin is set before the process starts.
	cmd.Stdin = strings.NewReader(item.Content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that outlive a killed command keep the output pipes open.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", errors.Errorf("generator timed out after %v", g.Timeout)
	}
	if ctx.Err() != nil {
		return "", errors.Wrap(ctx.Err(), "generator cancelled")
	}
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", errors.Wrapf(err, "generator failed: %s", msg)
		}
		return "", errors.Wrap(err, "generator failed")
	}

	if _, err := os.Stat(out); os.IsNotExist(err) {
		if stdout.Len() == 0 {
			return "", errors.New("generator produced no audio")
		}
		if err := os.WriteFile(out, stdout.Bytes(), 0o644); err != nil {
			return "", errors.Wrap(err, "write audio")
		}
	} else if err != nil {
		return "", errors.Wrap(err, "stat audio")
	}
	return name, nil
}

// Func adapts a function to the generator interface.
type Func func(ctx context.Context, item content.Item) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, item content.Item) (string, error) {
	return f(ctx, item)
}
