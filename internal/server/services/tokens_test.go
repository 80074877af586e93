package services

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealdrop/sealdrop/internal/common"
	"github.com/sealdrop/sealdrop/internal/dbx"
	"github.com/sealdrop/sealdrop/internal/logging"
	"github.com/sealdrop/sealdrop/internal/server/config"
	"github.com/sealdrop/sealdrop/internal/server/models"
	"github.com/sealdrop/sealdrop/internal/server/repositories/sendtokens"
	"github.com/sealdrop/sealdrop/internal/server/repositories/viewtokens"
)

// In-memory repositories mirroring the semantics of the SQL statements: the
// mutex plays the role of Postgres row serialization, so the concurrency
// tests exercise the same one-winner property.

type memSendRepo struct {
	mu   sync.Mutex
	rows map[string]*models.SendToken
}

func newMemSendRepo() *memSendRepo {
	return &memSendRepo{rows: make(map[string]*models.SendToken)}
}

func (r *memSendRepo) Create(_ context.Context, t *models.SendToken, validity time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[t.Token]; ok {
		return common.ErrEntropyFailure
	}
	row := *t
	row.CreatedAt = time.Now()
	row.ExpiresAt = time.Now().Add(validity)
	r.rows[t.Token] = &row
	return nil
}

func (r *memSendRepo) Find(_ context.Context, token string) (*models.SendToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[token]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memSendRepo) FindValid(_ context.Context, token string) (*models.SendToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[token]
	if !ok || row.ConsumedAt != nil || !row.ExpiresAt.After(time.Now()) {
		return nil, common.ErrorNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memSendRepo) Consume(_ context.Context, token string) (*models.SendToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[token]
	if !ok || row.ConsumedAt != nil || !row.ExpiresAt.After(time.Now()) {
		return nil, common.ErrorNotFound
	}
	now := time.Now()
	row.ConsumedAt = &now
	cp := *row
	return &cp, nil
}

func (r *memSendRepo) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, row := range r.rows {
		if row.ExpiresAt.Before(cutoff) || (row.ConsumedAt != nil && row.ConsumedAt.Before(cutoff)) {
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

type memViewRepo struct {
	mu   sync.Mutex
	rows map[string]*models.ViewToken
}

func newMemViewRepo() *memViewRepo {
	return &memViewRepo{rows: make(map[string]*models.ViewToken)}
}

func (r *memViewRepo) Create(_ context.Context, t *models.ViewToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[t.Token]; ok {
		return common.ErrEntropyFailure
	}
	row := *t
	row.CreatedAt = time.Now()
	r.rows[t.Token] = &row
	return nil
}

func (r *memViewRepo) Find(_ context.Context, token string) (*models.ViewToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[token]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memViewRepo) FindByDelivery(_ context.Context, deliveryID string) ([]*models.ViewToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*models.ViewToken
	for _, row := range r.rows {
		if row.DeliveryID == deliveryID {
			cp := *row
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *memViewRepo) Consume(_ context.Context, token string) (*models.ViewToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[token]
	if !ok || row.ConsumedAt != nil || row.Revoked ||
		(row.ExpiresAt != nil && !row.ExpiresAt.After(time.Now())) {
		return nil, common.ErrorNotFound
	}
	now := time.Now()
	row.ConsumedAt = &now
	cp := *row
	return &cp, nil
}

func (r *memViewRepo) RevokeByDelivery(_ context.Context, deliveryID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.DeliveryID == deliveryID && row.ConsumedAt == nil {
			row.Revoked = true
			n++
		}
	}
	return n, nil
}

func (r *memViewRepo) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, row := range r.rows {
		switch {
		case row.ExpiresAt != nil && row.ExpiresAt.Before(cutoff),
			row.ConsumedAt != nil && row.ConsumedAt.Before(cutoff),
			row.Revoked && row.CreatedAt.Before(cutoff):
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

type memManager struct {
	send *memSendRepo
	view *memViewRepo
}

func newMemManager() *memManager {
	return &memManager{send: newMemSendRepo(), view: newMemViewRepo()}
}

func (m *memManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *memManager) SendTokens(dbx.DBTX) sendtokens.Repository    { return m.send }
func (m *memManager) ViewTokens(dbx.DBTX) viewtokens.Repository    { return m.view }

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testConfig() *config.Config {
	return &config.Config{
		PublicBaseURL:          "https://drop.example.com",
		SendTokenValidity:      10 * time.Minute,
		ReadCredentialValidity: time.Minute,
		TokenRetention:         24 * time.Hour,
	}
}

func newTestTokenService(t *testing.T) (*TokenService, *memManager) {
	t.Helper()
	m := newMemManager()
	return NewTokenService(nil, m, testConfig(), testLogger()), m
}

func TestSendTokenRoundtrip(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestTokenService(t)

	token, err := svc.IssueSendToken(ctx, "alice", "bob", "db-password")
	require.NoError(t, err)
	assert.True(t, common.IsHexToken(token))

	st, err := svc.PeekSendToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", st.Sender)
	assert.Nil(t, st.ConsumedAt)

	st, err = svc.ConsumeSendToken(ctx, token)
	require.NoError(t, err)
	assert.NotNil(t, st.ConsumedAt)
}

func TestConsumeSendTokenFormatGate(t *testing.T) {
	ctx := context.Background()
	svc, m := newTestTokenService(t)

	for _, bad := range []string{"", "short", "ZZ" + string(make([]byte, 62))} {
		_, err := svc.ConsumeSendToken(ctx, bad)
		assert.ErrorIs(t, err, common.ErrInvalidToken)
	}
	// Malformed tokens never reach storage.
	assert.Empty(t, m.send.rows)
}

func TestConsumeSendTokenClassification(t *testing.T) {
	ctx := context.Background()
	svc, m := newTestTokenService(t)

	t.Run("already consumed", func(t *testing.T) {
		token, err := svc.IssueSendToken(ctx, "alice", "bob", "x")
		require.NoError(t, err)
		_, err = svc.ConsumeSendToken(ctx, token)
		require.NoError(t, err)

		_, err = svc.ConsumeSendToken(ctx, token)
		assert.ErrorIs(t, err, common.ErrTokenConsumed)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := svc.IssueSendToken(ctx, "alice", "bob", "x")
		require.NoError(t, err)
		past := time.Now().Add(-time.Minute)
		m.send.rows[token].ExpiresAt = past

		_, err = svc.ConsumeSendToken(ctx, token)
		assert.ErrorIs(t, err, common.ErrTokenExpired)
	})

	t.Run("unknown", func(t *testing.T) {
		unknown, err := common.MakeRandHexString(common.TokenByteLength)
		require.NoError(t, err)
		_, err = svc.ConsumeSendToken(ctx, unknown)
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})
}

func TestConsumeSendTokenConcurrent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestTokenService(t)

	token, err := svc.IssueSendToken(ctx, "alice", "bob", "x")
	require.NoError(t, err)

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ConsumeSendToken(ctx, token)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, common.ErrTokenConsumed):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, losses)
}

func TestViewTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, m := newTestTokenService(t)

	t.Run("no TTL stays consumable", func(t *testing.T) {
		token, err := svc.IssueViewToken(ctx, "c-1", "bob", nil)
		require.NoError(t, err)

		vt, err := svc.ConsumeViewToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "c-1", vt.DeliveryID)
		assert.NotNil(t, vt.ConsumedAt)

		_, err = svc.ConsumeViewToken(ctx, token)
		assert.ErrorIs(t, err, common.ErrTokenConsumed)
	})

	t.Run("expired", func(t *testing.T) {
		past := time.Now().Add(-time.Second)
		token, err := svc.IssueViewToken(ctx, "c-2", "bob", &past)
		require.NoError(t, err)

		_, err = svc.ConsumeViewToken(ctx, token)
		assert.ErrorIs(t, err, common.ErrTokenExpired)
	})

	t.Run("revoked", func(t *testing.T) {
		token, err := svc.IssueViewToken(ctx, "c-3", "bob", nil)
		require.NoError(t, err)
		require.NoError(t, svc.RevokeByDelivery(ctx, "c-3"))

		_, err = svc.ConsumeViewToken(ctx, token)
		assert.ErrorIs(t, err, common.ErrTokenRevoked)
	})

	t.Run("revocation skips consumed rows", func(t *testing.T) {
		token, err := svc.IssueViewToken(ctx, "c-4", "bob", nil)
		require.NoError(t, err)
		_, err = svc.ConsumeViewToken(ctx, token)
		require.NoError(t, err)

		require.NoError(t, svc.RevokeByDelivery(ctx, "c-4"))
		assert.False(t, m.view.rows[token].Revoked)
	})
}

func TestSweepRemovesStaleRows(t *testing.T) {
	ctx := context.Background()
	svc, m := newTestTokenService(t)

	consumedToken, err := svc.IssueSendToken(ctx, "alice", "bob", "old")
	require.NoError(t, err)
	_, err = svc.ConsumeSendToken(ctx, consumedToken)
	require.NoError(t, err)
	long := time.Now().Add(-48 * time.Hour)
	m.send.rows[consumedToken].ConsumedAt = &long

	liveToken, err := svc.IssueSendToken(ctx, "alice", "bob", "new")
	require.NoError(t, err)

	svc.sweep(ctx)

	assert.NotContains(t, m.send.rows, consumedToken)
	assert.Contains(t, m.send.rows, liveToken)
}
