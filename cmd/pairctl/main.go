// Command pairctl drives a pairing relay from the terminal.
//
//	pairctl [flags] list
//	pairctl [flags] request <device-id> [message]
//	pairctl [flags] listen [--accept | --reject]
//	pairctl [flags] history
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/client"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
)

const (
	envURL         = "PAIRCTL_URL"
	defaultURL     = "ws://localhost:8080/"
	defaultName    = "pairctl"
	defaultTimeout = 30 * time.Second
)

var errUsage = errors.New("usage: pairctl [flags] list | request <device-id> [message] | listen [--accept|--reject] | history")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	url        string
	name       string
	deviceType string
	timeout    time.Duration
	verbose    bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	url := defaultURL
	if v, ok := os.LookupEnv(envURL); ok && v != "" {
		url = v
	}

	var opts options
	fs := flag.NewFlagSet("pairctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.url, "url", url, "Relay WebSocket URL (env "+envURL+")")
	fs.StringVar(&opts.name, "name", defaultName, "Device name to register")
	fs.StringVar(&opts.deviceType, "type", string(protocol.ClassDesktop), "Device type: desktop, mobile or unknown")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "How long to wait for the relay (0 waits forever)")
	fs.BoolVar(&opts.verbose, "v", false, "Log client activity to stderr")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, errUsage)
		return 2
	}

	var err error
	switch rest[0] {
	case "list":
		err = withSession(ctx, opts, stderr, func(s *session) error { return cmdList(s, stdout) })
	case "request":
		if len(rest) < 2 {
			err = errUsage
			break
		}
		err = withSession(ctx, opts, stderr, func(s *session) error {
			return cmdRequest(s, stdout, rest[1], strings.Join(rest[2:], " "))
		})
	case "listen":
		var policy string
		lfs := flag.NewFlagSet("listen", flag.ContinueOnError)
		lfs.SetOutput(stderr)
		accept := lfs.Bool("accept", false, "Accept every incoming request")
		reject := lfs.Bool("reject", false, "Reject every incoming request")
		if err := lfs.Parse(rest[1:]); err != nil {
			return 2
		}
		switch {
		case *accept && *reject:
			err = errors.New("--accept and --reject are mutually exclusive")
		case *accept:
			policy = "accept"
		case *reject:
			policy = "reject"
		}
		if err == nil {
			opts.timeout = 0
			err = withSession(ctx, opts, stderr, func(s *session) error { return cmdListen(s, stdout, policy) })
		}
	case "history":
		err = withSession(ctx, opts, stderr, func(s *session) error { return cmdHistory(s, stdout) })
	default:
		err = errUsage
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, err)
		return 2
	default:
		fmt.Fprintln(stderr, "pairctl:", err)
		return 1
	}
}

// session is one registered connection to the relay.
type session struct {
	ctx    context.Context
	client *client.Client
	self   protocol.DeviceRef
}

func withSession(ctx context.Context, opts options, stderr io.Writer, fn func(*session) error) error {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.verbose {
		logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	c := client.New(client.Config{
		URL:        opts.url,
		Name:       opts.name,
		DeviceType: protocol.ParseDeviceClass(opts.deviceType),
		Logger:     logger,
	})
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	s := &session{ctx: ctx, client: c}
	reg, err := waitFor[*protocol.RegistrationComplete](s)
	if err == nil {
		s.self = reg.DeviceInfo
		err = fn(s)
	}
	cancel()
	for range c.Events() {
	}
	if rerr := <-runErr; err == nil && rerr != nil && !errors.Is(rerr, context.Canceled) {
		err = rerr
	}
	return err
}

// next returns the next relay envelope. A terminal client failure or a lost
// connection ends the session.
func (s *session) next() (protocol.Outbound, error) {
	for {
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case ev, ok := <-s.client.Events():
			if !ok {
				return nil, errors.New("relay connection closed")
			}
			switch ev.Kind {
			case client.EventMessage:
				return ev.Message, nil
			case client.EventDisconnected:
				return nil, fmt.Errorf("disconnected from relay: %w", ev.Err)
			case client.EventFailed:
				return nil, ev.Err
			}
		}
	}
}

func waitFor[T protocol.Outbound](s *session) (T, error) {
	for {
		msg, err := s.next()
		if err != nil {
			var zero T
			return zero, err
		}
		if m, ok := msg.(T); ok {
			return m, nil
		}
	}
}

func cmdList(s *session, stdout io.Writer) error {
	list, err := waitFor[*protocol.DeviceListUpdated](s)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tCONNECTED")
	for _, d := range list.Devices {
		self := ""
		if d.ID == s.self.ID {
			self = " (this)"
		}
		fmt.Fprintf(tw, "%s\t%s%s\t%s\t%s\t%s\n", d.ID, d.Name, self, d.Type, d.Status, d.ConnectedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func cmdRequest(s *session, stdout io.Writer, target, message string) error {
	if err := s.client.RequestConnection(target, message); err != nil {
		return err
	}
	for {
		msg, err := s.next()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *protocol.ConnectionRequestSent:
			fmt.Fprintf(stdout, "request sent to %s (%s); waiting for a response\n", m.To.Name, m.To.ID)
		case *protocol.ConnectionEstablished:
			fmt.Fprintf(stdout, "%s\n", m.Message)
			for _, ice := range m.ICEServers {
				fmt.Fprintf(stdout, "ice: %s\n", strings.Join(ice.URLs, ","))
			}
			return nil
		case *protocol.ConnectionRejected:
			return errors.New(m.Message)
		case *protocol.Error:
			return fmt.Errorf("relay error: %s", m.Message)
		}
	}
}

func cmdListen(s *session, stdout io.Writer, policy string) error {
	fmt.Fprintf(stdout, "listening as %s (%s)\n", s.self.Name, s.self.ID)
	for {
		msg, err := s.next()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *protocol.IncomingConnectionRequest:
			fmt.Fprintf(stdout, "request from %s (%s): %s\n", m.From.Name, m.From.ID, m.Message)
			switch policy {
			case "accept":
				if err := s.client.Respond(m.From.ID, true, ""); err != nil {
					return err
				}
			case "reject":
				if err := s.client.Respond(m.From.ID, false, ""); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "rejected %s\n", m.From.ID)
			}
		case *protocol.ConnectionEstablished:
			fmt.Fprintf(stdout, "%s\n", m.Message)
		case *protocol.DeviceDisconnected:
			fmt.Fprintf(stdout, "%s disconnected\n", m.From.Name)
		case *protocol.Error:
			fmt.Fprintf(stdout, "relay error: %s\n", m.Message)
		}
	}
}

func cmdHistory(s *session, stdout io.Writer) error {
	if err := s.client.RequestHistory(); err != nil {
		return err
	}
	hist, err := waitFor[*protocol.ConnectionHistory](s)
	if err != nil {
		return err
	}
	if len(hist.History) == 0 {
		fmt.Fprintln(stdout, "no connections yet")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tDEVICE\tID\tSTATUS")
	for _, e := range hist.History {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.ConnectedTo.Name, e.ConnectedTo.ID, e.Status)
	}
	return tw.Flush()
}
