package dexrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

func TestWaitForConfirmationRetriesPollFailures(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "confirmed",
			"receipt": Receipt{AmountIn: 1, AmountOut: 2000},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0.0001)
	receipt, err := c.WaitForConfirmation(context.Background(), "tx-1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestWaitForConfirmationPersistentPollFailureIsIndeterminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0.0001)
	_, err := c.WaitForConfirmation(context.Background(), "tx-1", 0)
	require.Error(t, err)
	assert.Equal(t, domain.ClassIndeterminate, domain.ClassOf(err))
	assert.Contains(t, err.Error(), "unavailable")
}
