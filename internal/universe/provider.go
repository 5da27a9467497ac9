package universe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/omnilingual/langmeta/internal/fetcher"
)

// ErrUnavailable means a provider has no code list to offer (tool not
// installed, file absent). Load moves on to the next provider.
var ErrUnavailable = eris.New("universe: source unavailable")

// Provider yields the supported code list from one source.
type Provider interface {
	Name() string
	Codes(ctx context.Context) ([]string, error)
}

// Load asks each provider in order and returns the first successful list
// together with the name of the provider that produced it.
func Load(ctx context.Context, providers ...Provider) ([]string, string, error) {
	log := zap.L().With(zap.String("component", "universe"))

	for _, p := range providers {
		codes, err := p.Codes(ctx)
		if errors.Is(err, ErrUnavailable) {
			log.Debug("code source unavailable", zap.String("provider", p.Name()))
			continue
		}
		if err != nil {
			return nil, "", eris.Wrapf(err, "universe: load from %s", p.Name())
		}
		log.Info("loaded supported codes",
			zap.String("provider", p.Name()),
			zap.Int("count", len(codes)),
		)
		return codes, p.Name(), nil
	}

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	return nil, "", eris.Errorf("universe: no code source available (tried %s)", strings.Join(names, ", "))
}

// Command runs an external program that prints the supported codes, either
// one per line or as a JSON array.
type Command struct {
	Path string
	Args []string
}

func (c Command) Name() string {
	return "command:" + c.Path
}

func (c Command) Codes(ctx context.Context) ([]string, error) {
	if c.Path == "" {
		return nil, ErrUnavailable
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.As(err, &exitErr) {
			zap.L().Debug("code listing command failed",
				zap.String("command", c.Path),
				zap.String("stderr", strings.TrimSpace(stderr.String())),
				zap.Error(err),
			)
			return nil, ErrUnavailable
		}
		return nil, eris.Wrapf(err, "universe: run %s", c.Path)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, ErrUnavailable
	}
	if out[0] == '[' {
		return decodeCodeArray(ctx, bytes.NewReader(out))
	}
	return splitLines(string(out)), nil
}

// TextFile reads one code per line. Blank lines are ignored.
type TextFile struct {
	Path string
}

func (f TextFile) Name() string {
	return "text:" + f.Path
}

func (f TextFile) Codes(_ context.Context) ([]string, error) {
	data, err := readOptional(f.Path)
	if err != nil {
		return nil, err
	}
	return splitLines(string(data)), nil
}

// JSONFile reads a JSON array of codes.
type JSONFile struct {
	Path string
}

func (f JSONFile) Name() string {
	return "json:" + f.Path
}

func (f JSONFile) Codes(ctx context.Context) ([]string, error) {
	data, err := readOptional(f.Path)
	if err != nil {
		return nil, err
	}
	return decodeCodeArray(ctx, bytes.NewReader(data))
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, ErrUnavailable
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, eris.Wrapf(err, "universe: read %s", path)
	}
	return data, nil
}

func splitLines(s string) []string {
	var codes []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			codes = append(codes, line)
		}
	}
	return codes
}

// decodeCodeArray keeps string entries verbatim (including "nan", the code for
// Min Nan) and drops anything else with a warning.
func decodeCodeArray(ctx context.Context, r *bytes.Reader) ([]string, error) {
	var codes []string
	err := fetcher.EachJSON(ctx, r, func(raw json.RawMessage) error {
		var code string
		if err := json.Unmarshal(raw, &code); err != nil {
			zap.L().Warn("skipping non-string code entry", zap.String("entry", string(raw)))
			return nil
		}
		if code = strings.TrimSpace(code); code != "" {
			codes = append(codes, code)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "universe: decode code list")
	}
	return codes, nil
}
