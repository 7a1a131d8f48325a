package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"guardlink/internal/config"
	"guardlink/internal/constants"
	"guardlink/internal/models"
	"guardlink/internal/service"
	"guardlink/pkg/transport"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	bookingID  = flag.String("booking", "", "Booking whose chat to open")
	role       = flag.String("role", string(models.SenderRoleClient), "Sender role: client or operator")
	senderID   = flag.String("sender", "", "Sender ID used for outgoing messages")
	memory     = flag.Bool("memory", false, "Use a process-local endpoint instead of the configured transport")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("GuardLink chat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{
		BookingID:  *bookingID,
		Role:       models.SenderRole(*role),
		SenderID:   *senderID,
		Memory:     *memory,
		ConfigPath: *configPath,
		Verbose:    *verbose,
	}
	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

type options struct {
	BookingID  string
	Role       models.SenderRole
	SenderID   string
	Memory     bool
	ConfigPath string
	Verbose    bool
}

func (o options) validate() error {
	if strings.TrimSpace(o.BookingID) == "" {
		return errors.New("-booking is required")
	}
	if o.Role != models.SenderRoleClient && o.Role != models.SenderRoleOperator {
		return fmt.Errorf("-role must be client or operator, got %q", o.Role)
	}
	if strings.TrimSpace(o.SenderID) == "" {
		return errors.New("-sender is required")
	}
	return nil
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	if err := opts.validate(); err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WithError(err).Warn("Failed to load .env file")
	}

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel, opts.Verbose)

	endpoint, err := newEndpoint(cfg, opts.Memory, logger)
	if err != nil {
		return err
	}

	session := service.NewChatSession(opts.BookingID, endpoint, service.SessionConfigFrom(cfg), logger)
	view := newConsole(out)
	session.OnChange(func() {
		view.render(session.Messages())
	})
	session.OnConnectionChange(view.connection)

	if err := session.Open(service.WithVerboseLogging(ctx, opts.Verbose)); err != nil {
		return fmt.Errorf("failed to open chat: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultDrainTimeoutSec*time.Second)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("Chat session did not close cleanly")
		}
	}()

	view.render(session.Messages())
	view.printf("-- booking %s (%s) --\n", opts.BookingID, session.Status())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			handleLine(session, view, opts, line)
		}
	}
}

// chatSession is the part of a ChatSession driven by console input
type chatSession interface {
	Send(senderRole models.SenderRole, senderID, body string) (models.Message, error)
	RetryFailed()
	Reconnect()
	Status() models.BookingStatus
	Queue() []models.DeliveryQueueEntry
}

func handleLine(session chatSession, view *console, opts options, line string) {
	text := strings.TrimSpace(line)
	switch text {
	case "":
		return
	case "/retry":
		session.RetryFailed()
		view.printf("-- retrying failed messages --\n")
	case "/reconnect":
		session.Reconnect()
		view.printf("-- reconnecting --\n")
	case "/status":
		view.printf("-- status: %s, %d queued --\n", session.Status(), len(session.Queue()))
	default:
		if _, err := session.Send(opts.Role, opts.SenderID, text); err != nil {
			view.printf("!! %v\n", err)
		}
	}
}

func newEndpoint(cfg *models.Config, inMemory bool, logger *logrus.Logger) (service.Endpoint, error) {
	if inMemory {
		return transport.NewMemoryEndpoint(transport.MemoryOptions{
			PushEnabled: cfg.Transport.PushEnabled,
		}, logger), nil
	}
	if err := config.RequireTransport(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return transport.NewClient(transport.ClientConfigFrom(cfg.Transport), nil, logger), nil
}

// loadConfig falls back to defaults plus environment when the file is absent
func loadConfig(path string) (*models.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return config.Default()
	}
	return config.LoadConfig(path)
}

func applyLogLevel(logger *logrus.Logger, configured string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil || level > logrus.WarnLevel {
		// info and below would interleave with the chat
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)
}
