package walletfeed

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// AddressLister supplies the current set of watched source addresses.
type AddressLister interface {
	ListWatchedAddresses(ctx context.Context) ([]string, error)
}

// IngestFunc receives each decoded wallet event.
type IngestFunc func(ctx context.Context, event domain.WalletEvent)

// Feed owns the lifecycle of the wallet-activity subscription: it connects,
// subscribes to every watched address, refreshes the address set on an
// interval so newly watched sources start flowing without a restart, and
// hands each event to the ingest callback.
type Feed struct {
	wsURL           string
	addresses       AddressLister
	ingest          IngestFunc
	refreshInterval time.Duration
	logger          *slog.Logger
}

// NewFeed creates a feed. refreshInterval controls how often the watched
// address set is re-read; zero disables refresh.
func NewFeed(wsURL string, addresses AddressLister, ingest IngestFunc, refreshInterval time.Duration, logger *slog.Logger) *Feed {
	return &Feed{
		wsURL:           wsURL,
		addresses:       addresses,
		ingest:          ingest,
		refreshInterval: refreshInterval,
		logger:          logger.With(slog.String("component", "wallet_feed")),
	}
}

// Run connects, subscribes, and blocks until ctx is cancelled. The underlying
// client reconnects on its own; Run only manages subscription refresh.
func (f *Feed) Run(ctx context.Context) error {
	client := NewClient(f.wsURL)
	defer client.Close()

	client.OnEvent(func(event domain.WalletEvent) {
		f.ingest(context.Background(), event)
	})

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(connCtx)
	cancel()
	if err != nil {
		return err
	}

	current, err := f.refresh(ctx, client, nil)
	if err != nil {
		return err
	}
	f.logger.Info("wallet feed subscribed", slog.Int("addresses", len(current)))

	if f.refreshInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(f.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			updated, err := f.refresh(ctx, client, current)
			if err != nil {
				f.logger.Warn("address refresh failed", slog.String("error", err.Error()))
				continue
			}
			current = updated
		}
	}
}

// refresh diffs the stored address set against the subscribed one and issues
// the minimal subscribe/unsubscribe commands. prev may be nil on first call.
func (f *Feed) refresh(ctx context.Context, client *Client, prev []string) ([]string, error) {
	want, err := f.addresses.ListWatchedAddresses(ctx)
	if err != nil {
		return prev, err
	}

	prevSet := make(map[string]struct{}, len(prev))
	for _, a := range prev {
		prevSet[a] = struct{}{}
	}
	wantSet := make(map[string]struct{}, len(want))
	for _, a := range want {
		wantSet[a] = struct{}{}
	}

	var added, removed []string
	for _, a := range want {
		if _, ok := prevSet[a]; !ok {
			added = append(added, a)
		}
	}
	for _, a := range prev {
		if _, ok := wantSet[a]; !ok {
			removed = append(removed, a)
		}
	}

	if len(added) > 0 {
		if err := client.Subscribe(ctx, added); err != nil {
			return prev, err
		}
	}
	if len(removed) > 0 {
		if err := client.Unsubscribe(ctx, removed); err != nil {
			return prev, err
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		f.logger.Info("wallet feed subscriptions updated",
			slog.Int("added", len(added)), slog.Int("removed", len(removed)))
	}

	return want, nil
}
