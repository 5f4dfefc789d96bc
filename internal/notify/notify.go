// Package notify pushes operator alerts through shoutrrr service URLs:
// watchdog recoveries and streams entering the error state. Alerting is
// best effort; a failed push is logged and dropped.
package notify

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"slices"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/vistter/vistterstream/internal/conf"
	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/privacy"
)

// defaultTimeout bounds one push when the config does not set one.
const defaultTimeout = 10 * time.Second

var notifyLogger *slog.Logger

func init() {
	notifyLogger = logging.ForService("notify")
	if notifyLogger == nil {
		notifyLogger = slog.Default().With("service", "notify")
	}
}

// Notifier sends one message to every configured service URL.
type Notifier struct {
	enabled bool
	urls    []string
	sender  *router.ServiceRouter
}

// New builds a notifier from the settings. A disabled or empty config
// yields a no-op notifier, not an error; bad service URLs do error.
func New(cfg conf.NotifySettings) (*Notifier, error) {
	if !cfg.Enabled || len(cfg.URLs) == 0 {
		return &Notifier{}, nil
	}

	sender, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		// URLs may embed tokens; scrub before the error escapes.
		return nil, privacy.WrapError(err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	sender.Timeout = timeout
	sender.SetLogger(log.New(io.Discard, "", 0))

	return &Notifier{
		enabled: true,
		urls:    slices.Clone(cfg.URLs),
		sender:  sender,
	}, nil
}

// Enabled reports whether pushes will actually be sent.
func (n *Notifier) Enabled() bool { return n.enabled }

// StreamError announces a stream that exhausted its restarts.
func (n *Notifier) StreamError(streamID, lastError string) {
	n.send("Stream error",
		fmt.Sprintf("Stream %s entered the error state: %s", streamID, privacy.ScrubMessage(lastError)))
}

// WatchdogRecovery announces a watchdog-triggered recovery.
func (n *Notifier) WatchdogRecovery(streamID, destinationName string, attempt int) {
	n.send("Watchdog recovery",
		fmt.Sprintf("Recovery #%d for stream %s on %s", attempt, streamID, destinationName))
}

func (n *Notifier) send(title, message string) {
	if !n.enabled {
		return
	}
	params := stypes.Params{}
	params.SetTitle(title)
	for _, err := range n.sender.Send(message, &params) {
		if err != nil {
			notifyLogger.Warn("push failed", "title", title, "error", privacy.WrapError(err))
		}
	}
}
