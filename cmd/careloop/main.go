package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"

	"careloop-ai/internal/adapter/channel"
	"careloop-ai/internal/adapter/stream"
	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
	"careloop-ai/internal/infra/logger"
	"careloop-ai/internal/infra/tracer"
	"careloop-ai/internal/usecase"
)

func main() {
	if len(os.Args) < 2 {
		showUsage(os.Stderr)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage(os.Stdout)
		return
	case "serve":
		err = runServe(os.Args[2:])
	case "route":
		err = runRoute(os.Args[2:], os.Stdout)
	case "chat":
		err = runChat(os.Args[2:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'careloop --help' for usage information.\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, `careloop - model routing and tool orchestration for caregiver chat

USAGE:
    careloop COMMAND [FLAGS]

COMMANDS:
    serve       Run the HTTP and WebSocket API
    route       Classify a message and print the chosen tier
    chat        Answer one message

FLAGS:
    --config PATH      Config file path (default: ./config.yaml)
    --tier NAME        chat: skip classification (fast, balanced, reasoning)
    --tools            chat: offer configured MCP tools to the model
    --ndjson           chat: print wire events instead of rendered markdown

CONFIGURATION:
    Environment: CARELOOP_* variables override config
    Secrets prefixed with enc: are decrypted with CARELOOP_CONFIG_KEY

EXAMPLES:
    careloop serve --config /etc/careloop/config.yaml
    careloop route "Plan speech practice for next month"
    careloop chat --tier fast "Hi there"`)
}

// configPath resolves the config file from the flag value, then
// CARELOOP_CONFIG, then ./config.yaml.
func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("CARELOOP_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// session is the loaded config plus the ambient stack built from it.
type session struct {
	cfg      *config.Config
	app      *app
	shutdown func()
}

func openSession(ctx context.Context, cfgFlag string) (*session, error) {
	cfg, err := config.Load(configPath(cfgFlag))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := config.ValidateCredentials(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		tracerShutdown(ctx)
		logCloser()
		return nil, err
	}

	return &session{
		cfg: cfg,
		app: a,
		shutdown: func() {
			a.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tracerShutdown(shutdownCtx)
			logCloser()
		},
	}, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgFlag := fs.String("config", "", "config file path")
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := openSession(ctx, *cfgFlag)
	if err != nil {
		return err
	}
	defer s.shutdown()

	serverCfg := s.cfg.Server
	if *addr != "" {
		serverCfg.Addr = *addr
	}

	h := channel.NewHTTPChannel(serverCfg, s.app.assistant, s.app.logger)
	if err := h.Start(ctx); err != nil {
		return err
	}
	s.app.logger.Info("careloop starting",
		"provider", s.cfg.LLM.Provider.Type,
		"addr", h.Addr(),
		"tools", s.app.tools.Len(),
		"circuit_breaker", s.cfg.LLM.CircuitBreaker.Enabled,
	)

	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := h.Stop(shutdownCtx); err != nil {
		s.app.logger.Error("http shutdown error", "error", err)
	}
	s.app.logger.Info("careloop stopped")
	return nil
}

func runRoute(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("route", flag.ContinueOnError)
	cfgFlag := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("a message is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := openSession(ctx, *cfgFlag)
	if err != nil {
		return err
	}
	defer s.shutdown()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(s.app.assistant.Route(ctx, text))
}

// chatOptions are the parsed chat command flags.
type chatOptions struct {
	config string
	tier   domain.ModelTier
	tools  bool
	ndjson bool
	text   string
}

func parseChatArgs(args []string) (chatOptions, error) {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var opts chatOptions
	var tier string
	fs.StringVar(&opts.config, "config", "", "config file path")
	fs.StringVar(&tier, "tier", "", "model tier")
	fs.BoolVar(&opts.tools, "tools", false, "offer tools")
	fs.BoolVar(&opts.ndjson, "ndjson", false, "print wire events")
	if err := fs.Parse(args); err != nil {
		return chatOptions{}, err
	}

	if tier != "" {
		t, ok := domain.ParseModelTier(tier)
		if !ok {
			return chatOptions{}, fmt.Errorf("unknown tier %q", tier)
		}
		opts.tier = t
	}
	opts.text = strings.TrimSpace(strings.Join(fs.Args(), " "))
	if opts.text == "" {
		return chatOptions{}, errors.New("a message is required")
	}
	return opts, nil
}

func runChat(args []string, out io.Writer) error {
	opts, err := parseChatArgs(args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := openSession(ctx, opts.config)
	if err != nil {
		return err
	}
	defer s.shutdown()

	turn := usecase.TurnRequest{Message: opts.text, Tier: opts.tier, UseTools: opts.tools}
	if opts.ndjson {
		return chatNDJSON(ctx, s.app.assistant, turn, out)
	}

	res, err := s.app.assistant.Respond(ctx, turn)
	if err != nil {
		return err
	}
	fmt.Fprint(out, renderMarkdown(res.Reply, 100))
	fmt.Fprintf(out, "\n%s · %s · %d in / %d out · $%.6f\n",
		res.Route.ModelSelection.Model, res.Model,
		res.Usage.InputTokens, res.Usage.OutputTokens, res.Cost.TotalCost.TotalCost)
	return nil
}

// chatNDJSON prints the turn as the same wire events /api/v1/chat/stream
// sends.
func chatNDJSON(ctx context.Context, a *usecase.Assistant, turn usecase.TurnRequest, out io.Writer) error {
	enc := stream.NewEncoder(out)
	var relay *stream.Relay
	turn.OnRoute = func(_ domain.RouteResult, model string) {
		relay = stream.NewRelay(enc, "", model)
		relay.Start()
	}
	turn.OnEvent = func(evt domain.LoopEvent) { relay.Loop(evt) }

	res, err := a.Respond(ctx, turn)
	if relay == nil {
		relay = stream.NewRelay(enc, "", "")
		relay.Start()
	}
	if err != nil {
		relay.Fail(err)
		return err
	}
	return relay.End(res.Usage)
}

// renderMarkdown renders reply for the terminal, falling back to the raw
// text when rendering fails.
func renderMarkdown(reply string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return reply + "\n"
	}
	rendered, err := r.Render(reply)
	if err != nil {
		return reply + "\n"
	}
	return rendered
}
