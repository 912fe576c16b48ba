// Package docker adapts the Docker Engine API to the collector's Runtime.
package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"logship/internal/collector"
	"logship/internal/domain"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DefaultMaxLineBytes matches the gateway's default request body limit.
const DefaultMaxLineBytes = 1 << 20

type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host string
	// MaxLineBytes caps one log line including its newline. Longer lines are
	// discarded and reported as collector.ErrLineTooLong.
	MaxLineBytes int
}

type Runtime struct {
	cli     *client.Client
	maxLine int
}

func New(cfg Config) (*Runtime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("new docker client: %w", err)
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Runtime{cli: cli, maxLine: maxLine}, nil
}

func (r *Runtime) Close() error { return r.cli.Close() }

func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

func (r *Runtime) ListRunning(ctx context.Context) ([]domain.ContainerDescriptor, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]domain.ContainerDescriptor, 0, len(list))
	for _, c := range list {
		if d, ok := describe(c.Names, c.Labels); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// StreamLogs follows stdout and stderr merged in arrival order. The Engine
// API only accepts whole seconds for since.
func (r *Runtime) StreamLogs(ctx context.Context, name string, since time.Time) (collector.LogStream, error) {
	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", name, err)
	}
	tty := info.Config != nil && info.Config.Tty

	rc, err := r.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Since:      strconv.FormatInt(since.Unix(), 10),
	})
	if err != nil {
		return nil, fmt.Errorf("logs %s: %w", name, err)
	}
	return newLineStream(rc, tty, r.maxLine), nil
}

func describe(names []string, labels map[string]string) (domain.ContainerDescriptor, bool) {
	if len(names) == 0 {
		return domain.ContainerDescriptor{}, false
	}
	name := strings.TrimPrefix(names[0], "/")
	if name == "" {
		return domain.ContainerDescriptor{}, false
	}
	if labels == nil {
		labels = map[string]string{}
	}
	return domain.ContainerDescriptor{Name: name, Labels: labels}, true
}

// lineStream splits a container log body into lines. Non-TTY bodies carry
// the stdcopy multiplexing header, which is stripped while both channels are
// written into one pipe.
type lineStream struct {
	src       io.ReadCloser
	pipe      *io.PipeReader
	r         *bufio.Reader
	max       int
	closeOnce sync.Once
}

func newLineStream(src io.ReadCloser, tty bool, maxLine int) *lineStream {
	if tty {
		return &lineStream{src: src, r: bufio.NewReader(src), max: maxLine}
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, src)
		pw.CloseWithError(err)
	}()
	return &lineStream{src: src, pipe: pr, r: bufio.NewReaderSize(pr, 64<<10), max: maxLine}
}

// Next returns the next line. A line longer than max is read to its end and
// discarded, so memory held per stream stays bounded by max plus the buffer.
func (s *lineStream) Next() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		frag, err := s.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(frag) > s.max {
				tooLong, line = true, nil
			} else {
				line = append(line, frag...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case tooLong && (err == nil || errors.Is(err, io.EOF)):
			return nil, fmt.Errorf("%w: more than %d bytes", collector.ErrLineTooLong, s.max)
		case err == nil:
			return line, nil
		case errors.Is(err, io.EOF) && len(line) > 0:
			return line, nil
		default:
			return nil, err
		}
	}
}

func (s *lineStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.src.Close()
		if s.pipe != nil {
			_ = s.pipe.Close()
		}
	})
	return err
}
