package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/PrintPipe/internal/extract"
	"github.com/BTreeMap/PrintPipe/internal/history"
	"github.com/BTreeMap/PrintPipe/internal/ledger"
	"github.com/BTreeMap/PrintPipe/internal/lockfile"
	"github.com/BTreeMap/PrintPipe/internal/mailbox"
	"github.com/BTreeMap/PrintPipe/internal/notify"
	"github.com/BTreeMap/PrintPipe/internal/printnode"
	"github.com/BTreeMap/PrintPipe/internal/processor"
	"github.com/BTreeMap/PrintPipe/internal/report"
	"github.com/BTreeMap/PrintPipe/internal/scheduler"
	"github.com/BTreeMap/PrintPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PrintPipe state data
	DefaultStateDir = "/var/lib/printpipe"
	// DefaultLedgerFileName is the processed-message ledger filename
	DefaultLedgerFileName = "processed_messages.txt"
	// DefaultHistoryFileName is the print history filename
	DefaultHistoryFileName = "print_history.csv"
	// DefaultPollInterval is the mailbox polling interval
	DefaultPollInterval = 60 * time.Second
	// DefaultSubjectFilter selects candidate messages in the mailbox
	DefaultSubjectFilter = "Batch Order Shipment Report"
	// DefaultReportHour is the UTC hour at which the daily report is sent
	DefaultReportHour = 18
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// One poller per state directory
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(flags); err != nil {
		slog.Error("PrintPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("PrintPipe exited successfully")
}

// run wires the modules together and drives the polling loop until a
// shutdown signal arrives.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := mailbox.NewIMAPSource(buildMailboxOptions(flags)...)
	if err != nil {
		return err
	}

	client, err := printnode.NewClient(buildPrintNodeOptions(flags)...)
	if err != nil {
		return err
	}

	led, err := ledger.New(filepath.Join(*flags.stateDir, DefaultLedgerFileName))
	if err != nil {
		return err
	}
	defer led.Close()
	slog.Info("Loaded processed-message ledger", "entries", led.Len())

	recorder, closeRecorder, err := buildRecorder(flags)
	if err != nil {
		return err
	}
	defer closeRecorder()

	transport, err := buildTransport(flags)
	if err != nil {
		return err
	}
	gate := notify.NewGate(transport, buildGateOptions(flags)...)

	proc := processor.New(source, led, client, recorder, gate, buildProcessorOptions(flags)...)

	// Fail fast on a misconfigured print queue before polling starts.
	if err := proc.VerifySetup(ctx); err != nil {
		return err
	}

	if *flags.reportEnabled {
		reporter := report.New(recorder, transport,
			report.WithRecipients(splitList(*flags.reportRecipients)))
		go runDailyReports(ctx, reporter, *flags.reportHour)
	}

	slog.Info("Bootstrapping PrintPipe",
		"state_dir", *flags.stateDir,
		"poll_interval", *flags.pollInterval,
		"subject_filter", *flags.subjectFilter,
		"column", *flags.column,
		"history_dsn_set", *flags.historyDSN != "")

	sched := scheduler.New()
	err = sched.Run(ctx, *flags.pollInterval, proc.RunOnce)
	if err == context.Canceled {
		return nil
	}
	return err
}

// runDailyReports sends the statistics summary once per day at the given
// UTC hour.
func runDailyReports(ctx context.Context, reporter *report.Reporter, hour int) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		slog.Debug("Next daily report scheduled", "at", next)

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		if err := reporter.Send(); err != nil {
			slog.Error("Daily report failed", "error", err)
		}
	}
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	SubjectFilter    string
	PollInterval     time.Duration
	Column           string
	IMAPHost         string
	IMAPPort         string
	IMAPUsername     string
	IMAPPassword     string
	Mailbox          string
	IMAPTLS          bool
	PrintNodeKey     string
	PrinterID        int64
	PrintNodeURL     string
	MaxArtifactSize  int64
	Recipients       string
	Threshold        int
	Window           time.Duration
	SubjectTemplate  string
	BodyTemplate     string
	SMTPAddr         string
	SMTPFrom         string
	SMTPUsername     string
	SMTPPassword     string
	TwilioTo         string
	HistoryDSN       string
	ReportEnabled    bool
	ReportRecipients string
	ReportHour       int
}

// Flags holds command line flag values
type Flags struct {
	stateDir         *string
	subjectFilter    *string
	pollInterval     *time.Duration
	column           *string
	imapHost         *string
	imapPort         *string
	imapUsername     *string
	imapPassword     *string
	mailboxName      *string
	imapTLS          *bool
	printNodeKey     *string
	printerID        *int64
	printNodeURL     *string
	maxArtifactSize  *int64
	recipients       *string
	threshold        *int
	window           *time.Duration
	subjectTemplate  *string
	bodyTemplate     *string
	smtpAddr         *string
	smtpFrom         *string
	smtpUsername     *string
	smtpPassword     *string
	twilioTo         *string
	historyDSN       *string
	reportEnabled    *bool
	reportRecipients *string
	reportHour       *int
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("PRINTPIPE_STATE_DIR"),
		SubjectFilter:    os.Getenv("EMAIL_SUBJECT_FILTER"),
		PollInterval:     util.ParseDurationEnv("CHECK_INTERVAL_SECONDS", DefaultPollInterval),
		Column:           os.Getenv("EXTRACT_COLUMN"),
		IMAPHost:         os.Getenv("IMAP_HOST"),
		IMAPPort:         os.Getenv("IMAP_PORT"),
		IMAPUsername:     os.Getenv("IMAP_USERNAME"),
		IMAPPassword:     os.Getenv("IMAP_PASSWORD"),
		Mailbox:          os.Getenv("IMAP_MAILBOX"),
		IMAPTLS:          util.ParseBoolEnv("IMAP_TLS", true),
		PrintNodeKey:     os.Getenv("PRINTNODE_API_KEY"),
		PrinterID:        util.ParseInt64Env("PRINTNODE_PRINTER_ID", 0),
		PrintNodeURL:     os.Getenv("PRINTNODE_API_URL"),
		MaxArtifactSize:  util.ParseInt64Env("MAX_ARTIFACT_SIZE", 0),
		Recipients:       os.Getenv("ERROR_NOTIFICATION_EMAIL"),
		Threshold:        util.ParseIntEnv("NOTIFY_THRESHOLD", notify.DefaultThreshold),
		Window:           util.ParseDurationEnv("NOTIFY_WINDOW", notify.DefaultWindow),
		SubjectTemplate:  os.Getenv("NOTIFY_SUBJECT_TEMPLATE"),
		BodyTemplate:     os.Getenv("NOTIFY_BODY_TEMPLATE"),
		SMTPAddr:         os.Getenv("SMTP_ADDR"),
		SMTPFrom:         os.Getenv("SMTP_FROM"),
		SMTPUsername:     os.Getenv("SMTP_USERNAME"),
		SMTPPassword:     os.Getenv("SMTP_PASSWORD"),
		TwilioTo:         os.Getenv("TWILIO_TO_NUMBERS"),
		HistoryDSN:       os.Getenv("HISTORY_DSN"),
		ReportEnabled:    util.ParseBoolEnv("DAILY_REPORT_ENABLED", false),
		ReportRecipients: os.Getenv("DAILY_REPORT_RECIPIENTS"),
		ReportHour:       util.ParseIntEnv("DAILY_REPORT_HOUR", DefaultReportHour),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PRINTPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.SubjectFilter == "" {
		config.SubjectFilter = DefaultSubjectFilter
	}
	if config.Column == "" {
		config.Column = extract.DefaultColumn
	}
	if config.ReportRecipients == "" {
		config.ReportRecipients = config.Recipients
	}

	slog.Debug("environment variables loaded",
		"PRINTPIPE_STATE_DIR", config.StateDir,
		"EMAIL_SUBJECT_FILTER", config.SubjectFilter,
		"CHECK_INTERVAL", config.PollInterval,
		"EXTRACT_COLUMN", config.Column,
		"ERROR_NOTIFICATION_EMAIL_SET", config.Recipients != "",
		"SMTP_ADDR_SET", config.SMTPAddr != "",
		"TWILIO_TO_SET", config.TwilioTo != "",
		"HISTORY_DSN_SET", config.HistoryDSN != "",
		"DAILY_REPORT_ENABLED", config.ReportEnabled)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:         flag.String("state-dir", config.StateDir, "state directory for PrintPipe data (overrides $PRINTPIPE_STATE_DIR)"),
		subjectFilter:    flag.String("subject-filter", config.SubjectFilter, "subject filter for candidate messages (overrides $EMAIL_SUBJECT_FILTER)"),
		pollInterval:     flag.Duration("poll-interval", config.PollInterval, "mailbox polling interval (overrides $CHECK_INTERVAL_SECONDS)"),
		column:           flag.String("column", config.Column, "column letter holding the document URL (overrides $EXTRACT_COLUMN)"),
		imapHost:         flag.String("imap-host", config.IMAPHost, "IMAP server host (overrides $IMAP_HOST)"),
		imapPort:         flag.String("imap-port", config.IMAPPort, "IMAP server port (overrides $IMAP_PORT)"),
		imapUsername:     flag.String("imap-username", config.IMAPUsername, "IMAP login username (overrides $IMAP_USERNAME)"),
		imapPassword:     flag.String("imap-password", config.IMAPPassword, "IMAP login password (overrides $IMAP_PASSWORD)"),
		mailboxName:      flag.String("mailbox", config.Mailbox, "IMAP mailbox to poll (overrides $IMAP_MAILBOX)"),
		imapTLS:          flag.Bool("imap-tls", config.IMAPTLS, "connect to the IMAP server over TLS (overrides $IMAP_TLS)"),
		printNodeKey:     flag.String("printnode-api-key", config.PrintNodeKey, "print queue API key (overrides $PRINTNODE_API_KEY)"),
		printerID:        flag.Int64("printnode-printer-id", config.PrinterID, "print queue printer id (overrides $PRINTNODE_PRINTER_ID)"),
		printNodeURL:     flag.String("printnode-url", config.PrintNodeURL, "print queue base URL (overrides $PRINTNODE_API_URL)"),
		maxArtifactSize:  flag.Int64("max-artifact-size", config.MaxArtifactSize, "maximum document size in bytes (overrides $MAX_ARTIFACT_SIZE)"),
		recipients:       flag.String("notify-recipients", config.Recipients, "comma-separated failure alert recipients (overrides $ERROR_NOTIFICATION_EMAIL)"),
		threshold:        flag.Int("notify-threshold", config.Threshold, "max alerts per rate-limit window (overrides $NOTIFY_THRESHOLD)"),
		window:           flag.Duration("notify-window", config.Window, "alert rate-limit window (overrides $NOTIFY_WINDOW)"),
		subjectTemplate:  flag.String("notify-subject", config.SubjectTemplate, "alert subject template (overrides $NOTIFY_SUBJECT_TEMPLATE)"),
		bodyTemplate:     flag.String("notify-body", config.BodyTemplate, "alert body template (overrides $NOTIFY_BODY_TEMPLATE)"),
		smtpAddr:         flag.String("smtp-addr", config.SMTPAddr, "SMTP server host:port for alerts (overrides $SMTP_ADDR)"),
		smtpFrom:         flag.String("smtp-from", config.SMTPFrom, "alert sender address (overrides $SMTP_FROM)"),
		smtpUsername:     flag.String("smtp-username", config.SMTPUsername, "SMTP username (overrides $SMTP_USERNAME)"),
		smtpPassword:     flag.String("smtp-password", config.SMTPPassword, "SMTP password (overrides $SMTP_PASSWORD)"),
		twilioTo:         flag.String("twilio-to", config.TwilioTo, "comma-separated SMS alert numbers (overrides $TWILIO_TO_NUMBERS)"),
		historyDSN:       flag.String("history-dsn", config.HistoryDSN, "SQLite DSN for print history, empty for the file store (overrides $HISTORY_DSN)"),
		reportEnabled:    flag.Bool("daily-report", config.ReportEnabled, "send a daily statistics report (overrides $DAILY_REPORT_ENABLED)"),
		reportRecipients: flag.String("report-recipients", config.ReportRecipients, "comma-separated daily report recipients (overrides $DAILY_REPORT_RECIPIENTS)"),
		reportHour:       flag.Int("report-hour", config.ReportHour, "UTC hour to send the daily report (overrides $DAILY_REPORT_HOUR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"subjectFilter", *flags.subjectFilter,
		"pollInterval", *flags.pollInterval,
		"column", *flags.column,
		"recipients_set", *flags.recipients != "",
		"smtpAddr_set", *flags.smtpAddr != "",
		"twilioTo_set", *flags.twilioTo != "",
		"historyDSN_set", *flags.historyDSN != "",
		"dailyReport", *flags.reportEnabled)

	return flags
}

// buildMailboxOptions constructs IMAP source configuration options
func buildMailboxOptions(flags Flags) []mailbox.Option {
	opts := []mailbox.Option{
		mailbox.WithSubjectFilter(*flags.subjectFilter),
		mailbox.WithTLS(*flags.imapTLS),
	}
	if *flags.imapHost != "" || *flags.imapPort != "" {
		opts = append(opts, mailbox.WithServer(*flags.imapHost, *flags.imapPort))
	}
	if *flags.imapUsername != "" || *flags.imapPassword != "" {
		opts = append(opts, mailbox.WithCredentials(*flags.imapUsername, *flags.imapPassword))
	}
	if *flags.mailboxName != "" {
		opts = append(opts, mailbox.WithMailbox(*flags.mailboxName))
	}
	return opts
}

// buildPrintNodeOptions constructs print queue client configuration options
func buildPrintNodeOptions(flags Flags) []printnode.Option {
	var opts []printnode.Option
	if *flags.printNodeKey != "" {
		opts = append(opts, printnode.WithAPIKey(*flags.printNodeKey))
	}
	if *flags.printerID != 0 {
		opts = append(opts, printnode.WithPrinterID(*flags.printerID))
	}
	if *flags.printNodeURL != "" {
		opts = append(opts, printnode.WithBaseURL(*flags.printNodeURL))
	}
	if *flags.maxArtifactSize > 0 {
		opts = append(opts, printnode.WithMaxArtifactSize(*flags.maxArtifactSize))
	}
	return opts
}

// buildGateOptions constructs notification gate configuration options
func buildGateOptions(flags Flags) []notify.Option {
	opts := []notify.Option{
		notify.WithRecipients(splitList(*flags.recipients)),
		notify.WithThreshold(*flags.threshold),
		notify.WithWindow(*flags.window),
	}
	if *flags.subjectTemplate != "" || *flags.bodyTemplate != "" {
		subject := *flags.subjectTemplate
		if subject == "" {
			subject = notify.DefaultSubjectTemplate
		}
		body := *flags.bodyTemplate
		if body == "" {
			body = notify.DefaultBodyTemplate
		}
		opts = append(opts, notify.WithTemplates(subject, body))
	}
	return opts
}

// buildProcessorOptions constructs processor configuration options
func buildProcessorOptions(flags Flags) []processor.Option {
	return []processor.Option{processor.WithColumn(*flags.column)}
}

// buildTransport assembles the configured notification channels. Email and
// SMS can run side by side; with neither configured alerts are logged only.
func buildTransport(flags Flags) (notify.Transport, error) {
	var transports []notify.Transport

	if *flags.smtpAddr != "" {
		transports = append(transports,
			notify.NewSMTPTransport(*flags.smtpAddr, *flags.smtpFrom, *flags.smtpUsername, *flags.smtpPassword))
	}
	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		sms, err := notify.NewTwilioTransport(
			notify.WithToNumbers(splitList(*flags.twilioTo)))
		if err != nil {
			return nil, err
		}
		transports = append(transports, sms)
	}

	if len(transports) == 0 {
		slog.Warn("No notification transport configured, failure alerts will only be logged")
	}
	return notify.Multi(transports...), nil
}

// buildRecorder selects the history backend from the DSN: SQLite when a DSN
// is set, the file store in the state directory otherwise.
func buildRecorder(flags Flags) (history.Recorder, func(), error) {
	if dsn := *flags.historyDSN; dsn != "" {
		slog.Debug("Using SQLite print history", "dsn_set", true)
		rec, err := history.NewSQLiteRecorder(dsn)
		if err != nil {
			return nil, nil, err
		}
		return rec, func() { rec.Close() }, nil
	}

	path := filepath.Join(*flags.stateDir, DefaultHistoryFileName)
	slog.Debug("Using file-backed print history", "path", path)
	rec, err := history.NewFileRecorder(path)
	if err != nil {
		return nil, nil, err
	}
	return rec, func() { rec.Close() }, nil
}

// splitList parses a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
