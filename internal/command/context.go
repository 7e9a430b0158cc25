package command

import (
	"fmt"
	"log/slog"

	"github.com/adamavenir/threadline/internal/adapter"
	"github.com/adamavenir/threadline/internal/api"
	"github.com/adamavenir/threadline/internal/core"
	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/metrics"
	"github.com/adamavenir/threadline/internal/realtime"
	"github.com/adamavenir/threadline/internal/seal"
	"github.com/adamavenir/threadline/internal/session"
	"github.com/adamavenir/threadline/internal/storage"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/spf13/cobra"
)

// CommandContext provides shared command resources.
type CommandContext struct {
	Config   core.Config
	Small    *storage.SQLite
	Blob     *storage.Badger
	Cipher   seal.Cipher
	JSONMode bool
	Logger   *slog.Logger
}

// GetContext loads configuration and opens the durable stores.
func GetContext(cmd *cobra.Command) (*CommandContext, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	jsonMode, _ := cmd.Flags().GetBool("json")

	logger, err := logging.Init(cfg.LogLevel, cfg.LogSink)
	if err != nil {
		return nil, err
	}

	paths, err := core.EnsurePaths(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}
	small, err := storage.OpenSQLite(paths.KVPath)
	if err != nil {
		return nil, err
	}
	blob, err := storage.OpenBadger(paths.BlobPath)
	if err != nil {
		_ = small.Close()
		return nil, err
	}

	ctx := &CommandContext{
		Config:   cfg,
		Small:    small,
		Blob:     blob,
		JSONMode: jsonMode,
		Logger:   logger,
	}
	if cfg.Passphrase != "" {
		c, err := seal.NewPassphraseCipher(cfg.Passphrase, seal.DefaultKDFParams())
		if err != nil {
			ctx.Close()
			return nil, err
		}
		ctx.Cipher = c
	}
	return ctx, nil
}

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	threadType, _ := cmd.Flags().GetString("type")

	cfg, err := core.LoadConfig(path)
	if err != nil {
		return core.Config{}, err
	}
	if threadType != "" {
		cfg.ThreadType = threadType
		if err := cfg.Validate(); err != nil {
			return core.Config{}, err
		}
	}
	return cfg, nil
}

// Close releases the stores and any log file.
func (c *CommandContext) Close() {
	if c.Blob != nil {
		_ = c.Blob.Close()
	}
	if c.Small != nil {
		_ = c.Small.Close()
	}
	_ = logging.Close()
}

// OpenSession builds a session for threadID from the loaded config.
func (c *CommandContext) OpenSession(threadID string, m *metrics.Metrics, onEvent func(realtime.Envelope)) (*session.Session, error) {
	a, err := adapter.ForThreadType(c.Config.ThreadType)
	if err != nil {
		return nil, err
	}
	client, err := api.NewClient(c.Config.BaseURL, c.Config.Token, c.Config.HTTPTimeout.Duration())
	if err != nil {
		return nil, err
	}
	return session.New(session.Options{
		ThreadID: threadID,
		User:     types.Sender{ID: c.Config.UserID, Name: c.Config.UserName},
		Adapter:  a,
		Client:   client,
		Small:    c.Small,
		Blob:     c.Blob,
		Cipher:   c.Cipher,
		Config:   c.Config,
		Metrics:  m,
		OnEvent:  onEvent,
		Logger:   c.Logger,
	})
}
