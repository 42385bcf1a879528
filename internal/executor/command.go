package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Command runs a shell command per unit. The command receives the prompt on
// stdin and in PROMPT, and must create one file in OUTPUT_DIR, a scratch
// directory private to the unit.
type Command struct {
	Shell   string // defaults to sh
	Command string
	Env     []string
	Log     *slog.Logger
}

func (c *Command) shell() string {
	if c.Shell == "" {
		return "sh"
	}
	return c.Shell
}

func (c *Command) Open(_ context.Context, jobID string) (Session, error) {
	if strings.TrimSpace(c.Command) == "" {
		return nil, errors.New("command executor: no command configured")
	}
	path, err := exec.LookPath(c.shell())
	if err != nil {
		return nil, fmt.Errorf("command executor: %w", err)
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	return &commandSession{cmd: c, shellPath: path, log: log.With("job_id", jobID)}, nil
}

type commandSession struct {
	cmd       *Command
	shellPath string
	log       *slog.Logger
}

func (s *commandSession) Execute(ctx context.Context, req Request) (Artifact, error) {
	// Only the chosen artifact ever leaves the scratch directory.
	scratch, err := os.MkdirTemp(req.OutputDir, ".unit-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			s.log.Warn("removing scratch dir", "dir", scratch, "err", err)
		}
	}()

	cmd := exec.CommandContext(ctx, s.shellPath, "-c", s.cmd.Command)
	cmd.Dir = scratch
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(), s.cmd.Env...)
	cmd.Env = append(cmd.Env,
		"PROMPT="+req.Prompt,
		"OUTPUT_DIR="+scratch,
		"JOB_ID="+req.JobID,
		"UNIT_INDEX="+strconv.Itoa(req.Index),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Artifact{}, fmt.Errorf("command: %w", ctxErr)
		}
		if tail := tailLine(stderr.String()); tail != "" {
			return Artifact{}, fmt.Errorf("command: %w: %s", err, tail)
		}
		return Artifact{}, fmt.Errorf("command: %w", err)
	}

	created, err := listFiles(scratch)
	if err != nil {
		return Artifact{}, fmt.Errorf("scan scratch dir: %w", err)
	}
	if len(created) == 0 {
		return Artifact{}, ErrNoArtifact
	}
	names := make([]string, 0, len(created))
	for name := range created {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 1 {
		s.log.Warn("command produced several files, keeping the first", "index", req.Index, "files", names)
	}

	name := names[0]
	target := name
	if _, err := os.Stat(filepath.Join(req.OutputDir, target)); err == nil {
		target = fmt.Sprintf("unit-%03d-%s", req.Index, name)
	}
	if err := os.Rename(filepath.Join(scratch, name), filepath.Join(req.OutputDir, target)); err != nil {
		return Artifact{}, fmt.Errorf("move artifact: %w", err)
	}
	return Artifact{Filename: target, Size: created[name]}, nil
}

func (s *commandSession) Close() error { return nil }

func listFiles(dir string) (map[string]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out[e.Name()] = info.Size()
	}
	return out, nil
}

func tailLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
