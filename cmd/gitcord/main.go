package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bobg/mid"
	"github.com/bobg/subcmd/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"gitcord"
	"gitcord/discord"
	"gitcord/mapfile"
	"gitcord/pg"
	"gitcord/resilience"
	"gitcord/sqlite"
)

func main() {
	var c maincmd
	err := subcmd.Run(context.Background(), c, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
}

type maincmd struct{}

func (maincmd) Subcmds() subcmd.Map {
	return subcmd.Commands(
		"serve", doServe, "run the gitcord server", subcmd.Params(
			"-config", subcmd.String, "config.yml", "path to config file",
		),
		"admin", doAdmin, "send an admin command to a gitcord server", subcmd.Params(
			"-url", subcmd.String, "http://localhost:3853", "base URL of gitcord server",
			"-key", subcmd.String, "", "admin key",
		),
		"add-mapping", doAddMapping, "add a mapping to the mapping store", subcmd.Params(
			"-config", subcmd.String, "config.yml", "path to config file",
			"-id", subcmd.String, "", "mapping id (default: random)",
			"-channel", subcmd.String, "", "Discord forum channel id",
			"-repo", subcmd.String, "", "GitHub repository, OWNER/NAME",
			"-secret", subcmd.String, "", "GitHub webhook secret",
			"-disabled", subcmd.Bool, false, "add the mapping disabled",
		),
		"list-mappings", doListMappings, "list the mappings in the mapping store", subcmd.Params(
			"-config", subcmd.String, "config.yml", "path to config file",
		),
		"restore-mappings", doRestoreMappings, "replace the mapping list with its backup", subcmd.Params(
			"-config", subcmd.String, "config.yml", "path to config file",
		),
	)
}

type config struct {
	AdminKey             string                    `yaml:"admin_key"`
	Breaker              resilience.BreakerOptions `yaml:"breaker"`
	Certfile             string
	DiscordToken         string                    `yaml:"discord_token"`
	EchoWindow           time.Duration             `yaml:"echo_window"`
	GithubAPIURL         string                    `yaml:"github_api_url"`    // "https://api.github.com/" or "https://HOST/api/v3/"
	GithubUploadURL      string                    `yaml:"github_upload_url"` // "https://uploads.github.com/" or "https://HOST/api/uploads/"
	GithubAppID          int64                     `yaml:"github_app_id"`
	GithubInstallationID int64                     `yaml:"github_installation_id"`
	GithubPrivateKeyFile string                    `yaml:"github_private_key_file"`
	GithubToken          string                    `yaml:"github_token"`
	HealthInterval       time.Duration             `yaml:"health_interval"`
	Keyfile              string
	Listen               string
	Mappings             string
	ReconcileOnStart     bool                      `yaml:"reconcile_on_start"`
	Retry                resilience.RetryOptions   `yaml:"retry"`
	WebhookPath          string                    `yaml:"webhook_path"`
}

var defaultConfig = config{
	EchoWindow:       500 * time.Millisecond,
	HealthInterval:   time.Minute,
	Listen:           ":3853",
	Mappings:         "file:mappings.yml",
	ReconcileOnStart: true,
	Retry:            resilience.DefaultRetryOptions,
	Breaker:          resilience.DefaultBreakerOptions,
	WebhookPath:      "/github",
}

func loadConfig(path string) (config, error) {
	c := defaultConfig

	f, err := os.Open(path)
	if err != nil {
		return c, errors.Wrap(err, "opening config file")
	}
	defer f.Close()

	err = yaml.NewDecoder(f).Decode(&c)
	if err != nil && !errors.Is(err, io.EOF) {
		return c, errors.Wrap(err, "parsing config file")
	}
	return c, nil
}

func newLogger() *slog.Logger {
	var level slog.LevelVar
	if s := os.Getenv("GITCORD_LOG_LEVEL"); s != "" {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			log.Printf("Ignoring bad GITCORD_LOG_LEVEL %q: %s", s, err)
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
}

// openMappings opens the mapping store named by a locator:
// file:PATH, sqlite3:DSN, or postgresql:DSN.
func openMappings(ctx context.Context, locator string) (gitcord.MappingStore, func() error, error) {
	parts := strings.SplitN(locator, ":", 2)
	if len(parts) < 2 {
		return nil, nil, fmt.Errorf("bad mappings locator %s", locator)
	}

	switch parts[0] {
	case "file":
		return mapfile.New(parts[1]), func() error { return nil }, nil

	case "sqlite3":
		s, err := sqlite.Open(ctx, parts[1])
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening database")
		}
		return s, s.Close, nil

	case "postgresql":
		s, err := pg.Open(ctx, parts[1])
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening database")
		}
		return s, s.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown mappings store type %s", parts[0])
}

func doServe(ctx context.Context, configPath string, _ []string) error {
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if c.DiscordToken == "" {
		return fmt.Errorf("no discord_token in %s", configPath)
	}
	if c.GithubToken == "" && c.GithubAppID == 0 {
		return fmt.Errorf("neither github_token nor github_app_id in %s", configPath)
	}

	logger := newLogger()
	slog.SetDefault(logger)

	store, closeStore, err := openMappings(ctx, c.Mappings)
	if err != nil {
		return err
	}
	defer closeStore()

	chat, err := discord.New(c.DiscordToken)
	if err != nil {
		return err
	}
	chat.Logger = logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	colls, err := resilience.NewCollectors(reg)
	if err != nil {
		return errors.Wrap(err, "registering metrics")
	}

	var (
		metrics  = &resilience.Metrics{}
		breakers = &resilience.Breakers{
			Options:    c.Breaker,
			Neutral:    gitcord.IsNeutral,
			Collectors: colls,
		}
		registry = &gitcord.Registry{
			Credentials: gitcord.Credentials{
				Token:          c.GithubToken,
				AppID:          c.GithubAppID,
				InstallationID: c.GithubInstallationID,
				PrivateKeyFile: c.GithubPrivateKeyFile,
				APIURL:         c.GithubAPIURL,
				UploadURL:      c.GithubUploadURL,
			},
			NewTracker: gitcord.NewGitHubTracker,
			Logger:     logger,
		}
	)

	s := &gitcord.Service{
		Chat:     chat,
		Registry: registry,
		Mappings: store,
		Errors: &resilience.ErrorHandler{
			Metrics:    metrics,
			Options:    c.Retry,
			Classify:   gitcord.ClassifyError,
			Collectors: colls,
			Logger:     logger,
		},
		Breakers: breakers,
		Health: &resilience.HealthMonitor{
			Metrics:  metrics,
			Breakers: breakers,
			IDs: func() []string {
				var ids []string
				for _, m := range registry.Enabled() {
					ids = append(ids, m.ID)
				}
				return ids
			},
			Interval:   c.HealthInterval,
			Collectors: colls,
			Logger:     logger,
		},
		Collectors: colls,
		AdminKey:   c.AdminKey,
		EchoWindow: c.EchoWindow,
		Logger:     logger,
	}

	if err := s.Load(ctx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		ch       = make(chan struct{})
		shutdown = sync.OnceFunc(func() { close(ch) })
	)

	mux := s.Routes(c.WebhookPath, reg)
	mux.Method(http.MethodPost, "/admin", mid.JSON(s.OnAdmin(shutdown)))

	httpServer := &http.Server{
		Addr:              c.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	chat.Attach(s)
	if err := chat.Open(); err != nil {
		return err
	}

	monitorCtx, stopMonitor := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMonitor()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Health.Run(monitorCtx)
	})

	g.Go(func() error {
		logger.Info("Listening", "addr", httpServer.Addr, "webhook_path", c.WebhookPath)
		var err error
		if c.Certfile != "" && c.Keyfile != "" {
			err = httpServer.ListenAndServeTLS(c.Certfile, c.Keyfile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serving HTTP")
	})

	if c.ReconcileOnStart {
		g.Go(func() error {
			s.ReconcileAll(gctx)
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-ch:
		}
		logger.Info("Shutting down")

		if err := chat.Close(); err != nil {
			logger.Warn("Closing Discord session", "err", err)
		}
		stopMonitor()
		return httpServer.Shutdown(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

func doAdmin(ctx context.Context, url, key string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: gitcord admin [-url URL] [-key KEY] COMMAND [ARG]")
	}
	cmd := gitcord.AdminCmd{
		Key:  key,
		Name: args[0],
	}

	switch cmd.Name {
	case "add-mapping":
		if len(args) != 2 {
			return fmt.Errorf("usage: gitcord admin add-mapping MAPPING.yml")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return errors.Wrapf(err, "reading %s", args[1])
		}
		var m gitcord.Mapping
		if err := yaml.Unmarshal(data, &m); err != nil {
			return errors.Wrapf(err, "parsing %s", args[1])
		}
		cmd.Mapping = &m

	case "remove-mapping", "reset-errors", "reconcile":
		if len(args) > 1 {
			cmd.MappingID = args[1]
		}
	}

	enc, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshaling command")
	}
	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimSuffix(url, "/")+"/admin", bytes.NewReader(enc))
	if err != nil {
		return errors.Wrap(err, "preparing request")
	}
	req.Header.Set("Content-Type", "application/json")
	var cl http.Client
	resp, err := cl.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending command to gitcord service")
	}
	defer resp.Body.Close()
	log.Printf("Response: %s", resp.Status)
	io.Copy(os.Stdout, resp.Body)
	return nil
}

func doAddMapping(ctx context.Context, configPath, id, channelID, repo, secret string, disabled bool, _ []string) error {
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return fmt.Errorf("repository %q is not OWNER/NAME", repo)
	}
	if id == "" {
		id = uuid.NewString()
	}
	m := gitcord.Mapping{
		ID:            id,
		ChannelID:     channelID,
		Repository:    gitcord.Repository{Owner: owner, Name: name},
		WebhookSecret: secret,
		Enabled:       !disabled,
	}
	if err := m.Validate(); err != nil {
		return err
	}

	store, closeStore, err := openMappings(ctx, c.Mappings)
	if err != nil {
		return err
	}
	defer closeStore()

	mappings, err := store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading mappings")
	}
	mappings = append(mappings, m)
	if err := gitcord.ValidateMappings(mappings); err != nil {
		return err
	}
	if err := store.Save(ctx, mappings); err != nil {
		return errors.Wrap(err, "saving mappings")
	}
	fmt.Println(id)
	return nil
}

func doListMappings(ctx context.Context, configPath string, _ []string) error {
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openMappings(ctx, c.Mappings)
	if err != nil {
		return err
	}
	defer closeStore()

	mappings, err := store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading mappings")
	}
	for _, m := range mappings {
		state := "enabled"
		if !m.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", m.ID, m.Repository, m.ChannelID, state)
	}
	return nil
}

// doRestoreMappings is meant to run while the server is stopped.
// The server reads the mapping list only at startup.
func doRestoreMappings(ctx context.Context, configPath string, _ []string) error {
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openMappings(ctx, c.Mappings)
	if err != nil {
		return err
	}
	defer closeStore()

	b, ok := store.(gitcord.MappingBackup)
	if !ok {
		return fmt.Errorf("mapping store %s keeps no backup", c.Mappings)
	}
	mappings, err := b.Backup(ctx)
	if err != nil {
		return errors.Wrap(err, "reading backup")
	}
	if err := gitcord.ValidateMappings(mappings); err != nil {
		return errors.Wrap(err, "validating backup")
	}
	if err := store.Save(ctx, mappings); err != nil {
		return errors.Wrap(err, "saving mappings")
	}
	log.Printf("Restored %d mappings", len(mappings))
	return nil
}
