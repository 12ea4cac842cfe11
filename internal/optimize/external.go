package optimize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const stderrLimit = 4 << 10

type externalPass struct {
	name string
	argv []string
}

// ExternalPass runs an external optimizer such as pngquant or gifsicle.
// argv must reference both {in} and {out}; out is removed before the tool
// runs so tools that refuse to overwrite still work.
func ExternalPass(name string, argv []string) (Pass, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("optimize: external pass needs a command")
	}
	var hasIn, hasOut bool
	for _, arg := range argv {
		hasIn = hasIn || strings.Contains(arg, "{in}")
		hasOut = hasOut || strings.Contains(arg, "{out}")
	}
	if !hasIn || !hasOut {
		return nil, fmt.Errorf("optimize: external pass %q must reference {in} and {out}", name)
	}
	return externalPass{name: name, argv: append([]string(nil), argv...)}, nil
}

// ParseCommand splits a command template on whitespace. Quoting is not
// supported; wrap complex invocations in a script.
func ParseCommand(cmd string) []string {
	return strings.Fields(cmd)
}

func (p externalPass) Name() string { return p.name }

func (p externalPass) Run(ctx context.Context, in, out string) error {
	args := make([]string, len(p.argv))
	r := strings.NewReplacer("{in}", in, "{out}", out)
	for i, arg := range p.argv {
		args[i] = r.Replace(arg)
	}
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
