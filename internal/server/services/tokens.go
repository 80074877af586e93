// Package services contains the coordinator's business logic. This file
// implements TokenService, the single-use token store: issuance, peeking,
// atomic consumption, bulk revocation, and retention sweeping.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sealdrop/sealdrop/internal/common"
	"github.com/sealdrop/sealdrop/internal/logging"
	"github.com/sealdrop/sealdrop/internal/server/config"
	"github.com/sealdrop/sealdrop/internal/server/models"
	"github.com/sealdrop/sealdrop/internal/server/repositories/repomanager"
)

// TokenService owns send and view tokens. Consumption atomicity comes from
// the repositories' single-statement consume; this layer adds token format
// checks, failure classification, and the retention sweep.
type TokenService struct {
	db                *sql.DB
	repomanager       repomanager.RepositoryManager
	sendTokenValidity time.Duration
	retention         time.Duration
	logger            logging.Logger
}

// NewTokenService constructs a TokenService using repositories and server config.
func NewTokenService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger) *TokenService {
	return &TokenService{
		db:                db,
		repomanager:       m,
		sendTokenValidity: cfg.SendTokenValidity,
		retention:         cfg.TokenRetention,
		logger:            logger.With("component", "tokens"),
	}
}

// IssueSendToken mints a send token for one sender/recipient/label triple and
// stores it with the fixed send-token TTL.
func (s *TokenService) IssueSendToken(ctx context.Context, sender, recipient, label string) (string, error) {
	token, err := common.MakeRandHexString(common.TokenByteLength)
	if err != nil {
		return "", fmt.Errorf("generating send token: %w", err)
	}
	repo := s.repomanager.SendTokens(s.db)
	st := &models.SendToken{Token: token, Sender: sender, Recipient: recipient, Label: label}
	if err := repo.Create(ctx, st, s.sendTokenValidity); err != nil {
		return "", fmt.Errorf("storing send token: %w", err)
	}
	return token, nil
}

// PeekSendToken returns the token's metadata without consuming it, applying
// the same validity predicate consumption uses.
func (s *TokenService) PeekSendToken(ctx context.Context, token string) (*models.SendToken, error) {
	if !common.IsHexToken(token) {
		return nil, common.ErrInvalidToken
	}
	repo := s.repomanager.SendTokens(s.db)
	st, err := repo.FindValid(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, s.classifySendFailure(ctx, token)
		}
		return nil, err
	}
	return st, nil
}

// ConsumeSendToken atomically marks the token consumed and returns it. Of two
// concurrent calls exactly one succeeds; the loser gets ErrTokenConsumed.
func (s *TokenService) ConsumeSendToken(ctx context.Context, token string) (*models.SendToken, error) {
	if !common.IsHexToken(token) {
		return nil, common.ErrInvalidToken
	}
	repo := s.repomanager.SendTokens(s.db)
	st, err := repo.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, s.classifySendFailure(ctx, token)
		}
		return nil, err
	}
	return st, nil
}

// classifySendFailure turns a missed consume into the precise lifecycle
// error. The re-read is non-consuming and purely diagnostic; on the wire all
// of these collapse into the same "gone" response.
func (s *TokenService) classifySendFailure(ctx context.Context, token string) error {
	repo := s.repomanager.SendTokens(s.db)
	st, err := repo.Find(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrorNotFound
		}
		return err
	}
	if st.ConsumedAt != nil {
		return common.ErrTokenConsumed
	}
	if !st.ExpiresAt.After(time.Now()) {
		return common.ErrTokenExpired
	}
	return common.ErrorNotFound
}

// IssueViewToken mints a view token whose expiry mirrors the payload's own
// TTL (nil for no TTL) rather than a fixed window.
func (s *TokenService) IssueViewToken(ctx context.Context, deliveryID, recipient string, payloadExpiry *time.Time) (string, error) {
	token, err := common.MakeRandHexString(common.TokenByteLength)
	if err != nil {
		return "", fmt.Errorf("generating view token: %w", err)
	}
	repo := s.repomanager.ViewTokens(s.db)
	vt := &models.ViewToken{Token: token, DeliveryID: deliveryID, Recipient: recipient, ExpiresAt: payloadExpiry}
	if err := repo.Create(ctx, vt); err != nil {
		return "", fmt.Errorf("storing view token: %w", err)
	}
	return token, nil
}

// ConsumeViewToken atomically marks the token consumed. Expiry and the
// revocation flag are re-evaluated inside the consuming statement itself.
func (s *TokenService) ConsumeViewToken(ctx context.Context, token string) (*models.ViewToken, error) {
	if !common.IsHexToken(token) {
		return nil, common.ErrInvalidToken
	}
	repo := s.repomanager.ViewTokens(s.db)
	vt, err := repo.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, s.classifyViewFailure(ctx, token)
		}
		return nil, err
	}
	return vt, nil
}

func (s *TokenService) classifyViewFailure(ctx context.Context, token string) error {
	repo := s.repomanager.ViewTokens(s.db)
	vt, err := repo.Find(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrorNotFound
		}
		return err
	}
	switch {
	case vt.ConsumedAt != nil:
		return common.ErrTokenConsumed
	case vt.Revoked:
		return common.ErrTokenRevoked
	case vt.ExpiresAt != nil && !vt.ExpiresAt.After(time.Now()):
		return common.ErrTokenExpired
	default:
		return common.ErrorNotFound
	}
}

// FindViewToken returns a view token row in any lifecycle state.
func (s *TokenService) FindViewToken(ctx context.Context, token string) (*models.ViewToken, error) {
	if !common.IsHexToken(token) {
		return nil, common.ErrInvalidToken
	}
	return s.repomanager.ViewTokens(s.db).Find(ctx, token)
}

// ViewTokensByDelivery returns every view token of a delivery, newest first.
func (s *TokenService) ViewTokensByDelivery(ctx context.Context, deliveryID string) ([]*models.ViewToken, error) {
	return s.repomanager.ViewTokens(s.db).FindByDelivery(ctx, deliveryID)
}

// RevokeByDelivery invalidates every unconsumed view token of the delivery.
// Idempotent and safe against an in-flight consumption: both operations write
// the same rows, so the storage layer serializes them.
func (s *TokenService) RevokeByDelivery(ctx context.Context, deliveryID string) error {
	n, err := s.repomanager.ViewTokens(s.db).RevokeByDelivery(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("revoking view tokens: %w", err)
	}
	if n > 0 {
		s.logger.Info(ctx, "view tokens revoked", "delivery_id", deliveryID, "count", n)
	}
	return nil
}

// StartSweeper runs the retention sweep every interval until ctx is
// cancelled. The sweep is hygiene, not correctness: expired and consumed rows
// are already unusable, deleting them just bounds table growth.
func (s *TokenService) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *TokenService) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)

	if n, err := s.repomanager.SendTokens(s.db).DeleteStale(ctx, cutoff); err != nil {
		s.logger.Warn(ctx, "send token sweep failed", "error", err.Error())
	} else if n > 0 {
		s.logger.Info(ctx, "send tokens swept", "count", n)
	}

	if n, err := s.repomanager.ViewTokens(s.db).DeleteStale(ctx, cutoff); err != nil {
		s.logger.Warn(ctx, "view token sweep failed", "error", err.Error())
	} else if n > 0 {
		s.logger.Info(ctx, "view tokens swept", "count", n)
	}
}
