package config

import (
	"log/slog"
	"os"

	"github.com/Limetric/dbferry/internal/hints"
	"github.com/Limetric/dbferry/internal/notify"
)

// Suggester returns the configured hint sources, file first so that an
// endpoint's suggestions win on conflicts. It returns nil when none is set.
func (c *Config) Suggester() hints.Suggester {
	var chain hints.Chain
	if c.Hints.File != "" {
		chain = append(chain, hints.FileSuggester{Path: c.ResolvePath(c.Hints.File)})
	}
	if c.Hints.Endpoint != "" {
		var key string
		if c.Hints.APIKeyEnv != "" {
			key = os.Getenv(c.Hints.APIKeyEnv)
		}
		chain = append(chain, hints.NewHTTPSuggester(c.Hints.Endpoint, key, c.Hints.Timeout))
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

// Notifier always logs events and also posts them when a webhook is set.
func (c *Config) Notifier(logger *slog.Logger) notify.Notifier {
	n := notify.Multi{notify.LogNotifier{Logger: logger}}
	if c.Notify.Webhook != "" {
		n = append(n, notify.NewWebhook(c.Notify.Webhook, logger))
	}
	return n
}
