package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// transitionGap separates consecutive broadcast transitions; the
// platform rejects back-to-back state changes.
const transitionGap = 2 * time.Second

// youTubeControl resets a live broadcast by walking it through
// complete → testing → live, which forces the ingest to re-bind.
type youTubeControl struct {
	clk clock.Clock
}

func newYouTubeControl(clk clock.Clock) *youTubeControl {
	return &youTubeControl{clk: clk}
}

func (y *youTubeControl) ResetBroadcast(ctx context.Context, token, broadcastID string) error {
	svc, err := youtube.NewService(ctx,
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})))
	if err != nil {
		return fmt.Errorf("building broadcast client: %w", err)
	}

	for i, status := range []string{"complete", "testing", "live"} {
		if i > 0 {
			select {
			case <-y.clk.After(transitionGap):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := svc.LiveBroadcasts.Transition(status, broadcastID, []string{"status"}).Context(ctx).Do(); err != nil {
			return fmt.Errorf("transition to %s: %w", status, err)
		}
		wdLogger.Info("broadcast transitioned", "broadcast_id", broadcastID, "status", status)
	}
	return nil
}
