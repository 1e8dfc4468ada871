// Package executor turns approved trade decisions into confirmed swaps. It
// owns the quote, build, sign, submit, confirm sequence against the venue and
// is the only place that talks to custody.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorline/mirrorbot/internal/domain"
	"github.com/mirrorline/mirrorbot/internal/platform/dexrouter"
)

const (
	// routerLimitKey is the rate-limiter key shared by all venue calls.
	routerLimitKey = "dexrouter"

	// retryBaseDelay is the base backoff between transient-failure retries of
	// the quote and build steps.
	retryBaseDelay = 500 * time.Millisecond
)

// Router is the venue surface the executor needs. Implemented by
// dexrouter.Client.
type Router interface {
	GetQuote(ctx context.Context, req dexrouter.QuoteRequest) (dexrouter.Quote, error)
	BuildSwap(ctx context.Context, quote dexrouter.Quote, wallet string, priorityFee float64) ([]byte, error)
	SubmitTransaction(ctx context.Context, signedTx []byte) (string, error)
	WaitForConfirmation(ctx context.Context, txRef string, timeout time.Duration) (dexrouter.Receipt, error)
}

// TxSigner signs unsigned transaction bytes with the user's custody key.
type TxSigner interface {
	Sign(ctx context.Context, userID string, txBytes []byte) ([]byte, error)
}

// Config holds the execution tuning knobs. Sells run with wider slippage and
// a higher priority fee than buys: once a position must be exited, landing
// the transaction matters more than the last few basis points.
type Config struct {
	NativeToken     string
	BuySlippageBps  int
	SellSlippageBps int
	BuyPriorityFee  float64
	SellPriorityFee float64
	ConfirmTimeout  time.Duration
	MaxAttempts     int
}

// Executor executes buy and sell swaps for one token against the venue.
type Executor struct {
	router  Router
	signer  TxSigner
	limiter domain.RateLimiter
	cfg     Config
	logger  *slog.Logger
}

// New creates an Executor.
func New(router Router, signer TxSigner, limiter domain.RateLimiter, cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	return &Executor{
		router:  router,
		signer:  signer,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "executor")),
	}
}

// ExecuteBuy swaps amountNative of the native token into the given token.
func (e *Executor) ExecuteBuy(ctx context.Context, userID, wallet, tokenID string, amountNative float64) (domain.SwapResult, error) {
	req := dexrouter.QuoteRequest{
		TokenIn:     e.cfg.NativeToken,
		TokenOut:    tokenID,
		AmountIn:    amountNative,
		SlippageBps: e.cfg.BuySlippageBps,
	}
	res, err := e.executeSwap(ctx, userID, wallet, req, e.cfg.BuyPriorityFee)
	if err != nil {
		return res, err
	}
	// Native per token.
	if res.AmountOut > 0 {
		res.PriceExecuted = res.AmountIn / res.AmountOut
	}
	return res, nil
}

// ExecuteSell swaps amountTokens of the given token back into the native
// token.
func (e *Executor) ExecuteSell(ctx context.Context, userID, wallet, tokenID string, amountTokens float64) (domain.SwapResult, error) {
	req := dexrouter.QuoteRequest{
		TokenIn:     tokenID,
		TokenOut:    e.cfg.NativeToken,
		AmountIn:    amountTokens,
		SlippageBps: e.cfg.SellSlippageBps,
	}
	res, err := e.executeSwap(ctx, userID, wallet, req, e.cfg.SellPriorityFee)
	if err != nil {
		return res, err
	}
	// AmountIn is tokens, AmountOut is native.
	if res.AmountIn > 0 {
		res.PriceExecuted = res.AmountOut / res.AmountIn
	}
	return res, nil
}

// executeSwap runs the full pipeline for one swap. The quote and build steps
// retry on transient failures; everything at and past submit runs exactly
// once, because a transaction in flight cannot be cancelled.
func (e *Executor) executeSwap(ctx context.Context, userID, wallet string, req dexrouter.QuoteRequest, priorityFee float64) (domain.SwapResult, error) {
	if err := e.limiter.Wait(ctx, routerLimitKey); err != nil {
		return domain.SwapResult{}, domain.Classify(domain.ClassTransient,
			fmt.Errorf("executor: rate limit: %w", err))
	}

	unsignedTx, quote, err := e.prepareWithRetry(ctx, wallet, req, priorityFee)
	if err != nil {
		return domain.SwapResult{}, err
	}

	signedTx, err := e.signer.Sign(ctx, userID, unsignedTx)
	if err != nil {
		return domain.SwapResult{}, err
	}

	txRef, err := e.router.SubmitTransaction(ctx, signedTx)
	if err != nil {
		// The submit request may have reached the venue before failing, so
		// the transaction could still land.
		return domain.SwapResult{Status: domain.SwapStatusIndeterminate},
			domain.Classify(domain.ClassIndeterminate, fmt.Errorf("executor: submit: %w", err))
	}

	e.logger.Info("swap submitted",
		slog.String("user_id", userID),
		slog.String("token_in", req.TokenIn),
		slog.String("token_out", req.TokenOut),
		slog.String("tx_ref", txRef))

	receipt, err := e.router.WaitForConfirmation(ctx, txRef, e.cfg.ConfirmTimeout)
	if err != nil {
		// The transaction is in flight; no error past this point may be
		// retried without reconciling against chain state first.
		if domain.ClassOf(err) != domain.ClassIndeterminate {
			err = domain.Classify(domain.ClassIndeterminate, err)
		}
		return domain.SwapResult{TxRef: txRef, Status: domain.SwapStatusIndeterminate}, err
	}

	if !receipt.Success {
		return domain.SwapResult{TxRef: txRef, Status: domain.SwapStatusFailed},
			domain.Classify(domain.ClassTransient,
				fmt.Errorf("executor: swap %s reverted on chain", txRef))
	}

	res := domain.SwapResult{
		AmountIn:    receipt.AmountIn,
		AmountOut:   receipt.AmountOut,
		FeesPaid:    receipt.FeesPaid,
		TxRef:       txRef,
		Status:      domain.SwapStatusConfirmed,
		ConfirmedAt: receipt.ConfirmedAt,
	}
	if res.AmountIn == 0 {
		res.AmountIn = quote.AmountIn
	}
	return res, nil
}

// prepareWithRetry fetches a quote and builds the unsigned transaction,
// retrying transient failures with linear backoff. Both steps are pure reads
// from the pipeline's perspective and always safe to repeat.
func (e *Executor) prepareWithRetry(ctx context.Context, wallet string, req dexrouter.QuoteRequest, priorityFee float64) ([]byte, dexrouter.Quote, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, dexrouter.Quote{}, domain.Classify(domain.ClassTransient, ctx.Err())
			case <-time.After(time.Duration(attempt-1) * retryBaseDelay):
			}
		}

		quote, err := e.router.GetQuote(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}

		unsignedTx, err := e.router.BuildSwap(ctx, quote, wallet, priorityFee)
		if err != nil {
			lastErr = err
			continue
		}

		return unsignedTx, quote, nil
	}
	return nil, dexrouter.Quote{}, domain.Classify(domain.ClassTransient,
		fmt.Errorf("executor: prepare swap after %d attempts: %w", e.cfg.MaxAttempts, lastErr))
}
