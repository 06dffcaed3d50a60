package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/audio"
	"github.com/teslashibe/go-intake/pkg/caller"
	"github.com/teslashibe/go-intake/pkg/playback"
	"github.com/teslashibe/go-intake/pkg/protocol"
	"github.com/teslashibe/go-intake/pkg/store"
)

type callOptions struct {
	path         string
	rate         int
	agentName    string
	organization string
	linger       time.Duration
}

func newCallCmd(flags *GlobalFlags) *cobra.Command {
	opts := callOptions{}
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place a call: raw PCM16 on stdin, synthesized speech on stdout",
		Long: `call streams mono little-endian PCM16 from stdin to the relay and writes
the agent's 24 kHz PCM16 speech to stdout in real time, for example:

  arecord -f S16_LE -r 16000 -c 1 -t raw | intake call | aplay -f S16_LE -r 24000 -c 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCall(cmd.Context(), flags, opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.path, "path", "/ws", "relay websocket path")
	f.IntVar(&opts.rate, "rate", audio.InputRate, "sample rate of stdin audio")
	f.StringVar(&opts.agentName, "agent-name", "", "name the agent introduces itself with")
	f.StringVar(&opts.organization, "organization", "", "organization hint for the agent")
	f.DurationVar(&opts.linger, "linger", 10*time.Second, "how long to keep listening after stdin ends")
	return cmd
}

func runCall(ctx context.Context, flags *GlobalFlags, opts callOptions, in io.Reader, out, console io.Writer) error {
	logger := log.Component("call")

	speaker := playback.NewWriterOutput(out)
	defer speaker.Close()
	player := playback.NewScheduler(speaker)

	url, err := wsURL(flags.Server, opts.path)
	if err != nil {
		return err
	}

	opened := make(chan struct{})
	var openOnce sync.Once
	client, err := caller.Dial(ctx, url, player, caller.Options{
		Handlers: caller.Handlers{
			OnOpen: func() { openOnce.Do(func() { close(opened) }) },
			OnTranscript: func(text string, isUser bool) {
				who := "agent"
				if isUser {
					who = "caller"
				}
				fmt.Fprintf(console, "[%s] %s\n", who, text)
			},
			OnRecord: func(r store.Record) {
				fmt.Fprintf(console, "record %s saved for %s (%s)\n", r.ID, r.SubjectName, r.OrganizationName)
			},
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	cfg := &protocol.StartConfig{AgentName: opts.agentName, OrganizationName: opts.organization}
	if err := client.Start(cfg); err != nil {
		return err
	}

	go func() {
		select {
		case <-opened:
		case <-ctx.Done():
			return
		}
		if err := pump(ctx, client, in, opts.rate); err != nil {
			logger.Warn("capture stopped", "error", err)
		}
		if dropped := client.Dropped(); dropped > 0 {
			logger.Warn("capture blocks dropped", "count", dropped)
		}
		select {
		case <-time.After(opts.linger):
		case <-ctx.Done():
			return
		}
		client.Stop()
	}()

	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pump reads stdin in capture-sized blocks until EOF.
func pump(ctx context.Context, client *caller.Client, in io.Reader, rate int) error {
	r := bufio.NewReaderSize(in, audio.BlockSize*2)
	buf := make([]byte, audio.BlockSize*2)
	for ctx.Err() == nil {
		n, err := io.ReadFull(r, buf)
		if n >= 2 {
			samples := audio.Dequantize(audio.BytesToSamples(buf[:n]))
			client.Capture(samples, rate)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

func wsURL(server, path string) (string, error) {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(strings.TrimRight(server, "/"), "https://") + path, nil
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(strings.TrimRight(server, "/"), "http://") + path, nil
	case strings.HasPrefix(server, "ws://"), strings.HasPrefix(server, "wss://"):
		return strings.TrimRight(server, "/") + path, nil
	default:
		return "", fmt.Errorf("unsupported server url %q", server)
	}
}
