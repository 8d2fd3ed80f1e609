// Command rewire runs the expectation monitoring server: HTTP ingress for
// observations and acks, the background checker, and outbound notification
// dispatch.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rewire/rewire/internal/checker"
	"github.com/rewire/rewire/internal/config"
	"github.com/rewire/rewire/internal/metrics"
	"github.com/rewire/rewire/internal/notify"
	"github.com/rewire/rewire/internal/server"
	"github.com/rewire/rewire/internal/store"
	"github.com/rewire/rewire/internal/webhooks"
)

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	// .env is optional; missing file is not an error.
	_ = godotenv.Load()

	defaults := config.ApplyEnv(config.Default())

	configPath := flag.String("config", "", "YAML config file (optional)")
	dbPath := flag.String("db", defaults.DBPath, "SQLite database path")
	initDB := flag.Bool("init-db", false, "initialize database schema and log it")
	listen := flag.String("listen", defaults.Listen, "listen address")
	port := flag.Int("port", defaults.Port, "listen port")
	baseURL := flag.String("base-url", defaults.BaseURL, "public base URL")
	adminToken := flag.String("admin-token", defaults.AdminToken, "admin API token")
	checkEvery := flag.Int("check-every", defaults.CheckEverySec, "check interval (seconds)")
	renotifyAfter := flag.Int("renotify-after", defaults.RenotifyAfterSec, "renotify interval (0=disable)")
	smtpHost := flag.String("smtp-host", defaults.SMTP.Host, "SMTP server (empty=dev mode)")
	smtpPort := flag.Int("smtp-port", defaults.SMTP.Port, "SMTP port")
	smtpUser := flag.String("smtp-user", defaults.SMTP.User, "SMTP username")
	smtpPass := flag.String("smtp-pass", defaults.SMTP.Password, "SMTP password")
	fromEmail := flag.String("from-email", defaults.SMTP.From, "From address")
	slackWebhook := flag.String("slack-webhook", defaults.SlackWebhook, "Slack incoming webhook URL")
	discordWebhook := flag.String("discord-webhook", defaults.DiscordWebhook, "Discord webhook URL")
	var genericWebhooks stringList
	flag.Var(&genericWebhooks, "webhook", "generic webhook URL (can be repeated)")
	flag.Parse()

	// Only flags the operator actually passed may override the file and
	// environment; untouched flags still hold pre-file defaults.
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	flagCfg := config.Config{
		DBPath:           *dbPath,
		Listen:           *listen,
		Port:             *port,
		BaseURL:          *baseURL,
		AdminToken:       *adminToken,
		CheckEverySec:    *checkEvery,
		RenotifyAfterSec: *renotifyAfter,
		SMTP: config.SMTPConfig{
			Host:     *smtpHost,
			Port:     *smtpPort,
			User:     *smtpUser,
			Password: *smtpPass,
			From:     *fromEmail,
		},
		SlackWebhook:   *slackWebhook,
		DiscordWebhook: *discordWebhook,
	}

	cfg, err := config.Resolve(*configPath, flagCfg, setFlags)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Webhooks = append(cfg.Webhooks, genericWebhooks...)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()
	if *initDB {
		log.Println("db initialized")
	}

	m := metrics.New()
	notifier := notify.New(cfg.SMTP, m)

	dispatcher := webhooks.NewDispatcher(m, 4)
	if cfg.SlackWebhook != "" {
		dispatcher.SetSlack(cfg.SlackWebhook)
		log.Println("slack webhook configured")
	}
	if cfg.DiscordWebhook != "" {
		dispatcher.SetDiscord(cfg.DiscordWebhook)
		log.Println("discord webhook configured")
	}
	for _, url := range cfg.Webhooks {
		dispatcher.AddWebhook(url)
		log.Printf("webhook configured: %s", url)
	}

	chk := checker.New(st, notifier, dispatcher, m, checker.Config{
		BaseURL:          cfg.BaseURL,
		CheckEvery:       time.Duration(cfg.CheckEverySec) * time.Second,
		RenotifyAfterSec: int64(cfg.RenotifyAfterSec),
	})

	ingress := server.New(st, m, server.Config{
		BaseURL:            cfg.BaseURL,
		AdminToken:         cfg.AdminToken,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Listen, cfg.Port),
		Handler:      ingress.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkerDone := make(chan struct{})
	go func() {
		defer close(checkerDone)
		chk.Run(ctx)
	}()

	go func() {
		log.Printf("rewire listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	<-checkerDone
	dispatcher.Shutdown()

	os.Exit(0)
}
