// This file implements DisclosureService, the composition root of the token
// lifecycle: issuing send tokens, turning a consumed send token into a ledger
// contract plus view token, resolving view tokens into short-lived read
// credentials, and driving acknowledgement.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sealdrop/sealdrop/internal/common"
	"github.com/sealdrop/sealdrop/internal/logging"
	"github.com/sealdrop/sealdrop/internal/server/config"
	"github.com/sealdrop/sealdrop/internal/server/expiry"
	"github.com/sealdrop/sealdrop/internal/server/ledger"
	"github.com/sealdrop/sealdrop/internal/server/models"
	"github.com/sealdrop/sealdrop/internal/server/notify"
)

// PayloadTemplate is the ledger template holding one sealed payload.
var PayloadTemplate = ledger.Template{Module: "Disclosure", Entity: "SealedPayload"}

// ChoiceArchive removes a payload contract from the active set.
const ChoiceArchive = "Archive"

// Tracker is the subset of the expiry engine the coordinator drives.
type Tracker interface {
	Track(deliveryID string, expiresAt *time.Time, render notify.Renderable, msgRef notify.MessageRef)
	Acknowledge(deliveryID string)
}

// DisclosureService orchestrates the full delivery lifecycle. Token
// consumption is always local and first; ledger calls follow, and a ledger
// failure after consumption is terminal for that token.
type DisclosureService struct {
	tokens        *TokenService
	adapter       ledger.Adapter
	tracker       Tracker
	notifier      notify.Notifier
	logger        logging.Logger
	publicBaseURL string
	readCredTTL   time.Duration
}

func NewDisclosureService(tokens *TokenService, adapter ledger.Adapter, tracker Tracker,
	notifier notify.Notifier, cfg *config.Config, logger logging.Logger) *DisclosureService {
	return &DisclosureService{
		tokens:        tokens,
		adapter:       adapter,
		tracker:       tracker,
		notifier:      notifier,
		logger:        logger.With("component", "disclosure"),
		publicBaseURL: cfg.PublicBaseURL,
		readCredTTL:   cfg.ReadCredentialValidity,
	}
}

// IssueSendToken validates the request, mints a send token, and best-effort
// notifies the sender with a compose link.
func (s *DisclosureService) IssueSendToken(ctx context.Context, sender, recipient, label string) (string, error) {
	if sender == "" || recipient == "" || label == "" {
		return "", fmt.Errorf("%w: sender, recipient and label are required", common.ErrorValidation)
	}
	known, err := s.identityKnown(ctx, recipient)
	if err != nil {
		return "", err
	}
	if !known {
		return "", fmt.Errorf("%w: %s", common.ErrUnknownIdentity, recipient)
	}

	token, err := s.tokens.IssueSendToken(ctx, sender, recipient, label)
	if err != nil {
		return "", err
	}

	if _, err := s.notifier.PostNotification(ctx, sender, notify.Renderable{
		Label:         label,
		SenderDisplay: sender,
		Description:   "compose link issued",
		ResolveLink:   s.publicBaseURL + "/compose/" + token,
	}); err != nil {
		s.logger.Warn(ctx, "compose notification failed", "sender", sender, "error", err.Error())
	}

	return token, nil
}

func (s *DisclosureService) identityKnown(ctx context.Context, identity string) (bool, error) {
	ids, err := s.adapter.ListIdentities(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id.ID == identity {
			return true, nil
		}
	}
	return false, nil
}

// Compose returns the metadata needed to render the compose form. The token
// is peeked, not consumed.
func (s *DisclosureService) Compose(ctx context.Context, sendToken string) (*models.SendToken, error) {
	return s.tokens.PeekSendToken(ctx, sendToken)
}

// Send consumes the send token and submits the ciphertext to the ledger.
// Ordering is deliberate: consume first (fast, local, atomic), write to the
// ledger after, with no transaction held across the network call. If the
// ledger write fails the token stays consumed and the sender must restart
// with a fresh token.
func (s *DisclosureService) Send(ctx context.Context, sendToken, ciphertext, description string, ttl *time.Duration) (*models.Delivery, error) {
	if ciphertext == "" {
		return nil, fmt.Errorf("%w: ciphertext is required", common.ErrorValidation)
	}

	st, err := s.tokens.ConsumeSendToken(ctx, sendToken)
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if ttl != nil {
		t := time.Now().Add(*ttl)
		expiresAt = &t
	}

	payload := map[string]any{
		"sender":      st.Sender,
		"recipient":   st.Recipient,
		"label":       st.Label,
		"description": description,
		"ciphertext":  ciphertext,
	}
	if expiresAt != nil {
		payload["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}

	ref, err := s.adapter.CreateContract(ctx, st.Sender, PayloadTemplate, payload)
	if err != nil {
		// The token is spent and must not be retried. Surface a terminal
		// failure; the sender restarts the flow with a new token.
		s.logger.Error(ctx, "ledger write failed after send token consumption",
			"sender", st.Sender, "recipient", st.Recipient, "error", err.Error())
		return nil, fmt.Errorf("submitting payload: %w", err)
	}

	deliveryID := ref.ContractID
	if ref.Degraded {
		deliveryID = ref.TransactionID
		s.logger.Warn(ctx, "ledger returned no creation event, tracking by transaction id",
			"transaction_id", ref.TransactionID)
	}

	viewToken, err := s.tokens.IssueViewToken(ctx, deliveryID, st.Recipient, expiresAt)
	if err != nil {
		return nil, err
	}

	render := notify.Renderable{
		Label:         st.Label,
		SenderDisplay: st.Sender,
		Description:   description,
		ResolveLink:   s.publicBaseURL + "/secret/" + viewToken,
	}
	if expiresAt != nil {
		render.Countdown = expiry.FormatRemaining(time.Until(*expiresAt))
	}

	msgRef, err := s.notifier.PostNotification(ctx, st.Recipient, render)
	if err != nil {
		// Best-effort: a failed notification never rolls back a send.
		s.logger.Warn(ctx, "delivery notification failed", "recipient", st.Recipient, "error", err.Error())
	}

	s.tracker.Track(deliveryID, expiresAt, render, msgRef)

	delivery := &models.Delivery{
		ID:          deliveryID,
		Sender:      st.Sender,
		Recipient:   st.Recipient,
		Label:       st.Label,
		Description: description,
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
	}
	s.logger.Info(ctx, "payload delivered", "delivery_id", deliveryID, "recipient", st.Recipient)
	return delivery, nil
}

// Resolve consumes the view token and returns the URL the client follows to
// fetch ciphertext directly from the ledger with a short-lived, read-only
// credential. One-read enforcement past this point is the ledger's job.
func (s *DisclosureService) Resolve(ctx context.Context, viewToken string) (string, error) {
	vt, err := s.tokens.ConsumeViewToken(ctx, viewToken)
	if err != nil {
		return "", err
	}

	cred, err := s.adapter.MintReadCredential(vt.Recipient, s.readCredTTL)
	if err != nil {
		return "", fmt.Errorf("minting read credential: %w", err)
	}

	s.logger.Info(ctx, "view token resolved", "delivery_id", vt.DeliveryID, "recipient", vt.Recipient)
	return s.adapter.ResolveURL(cred, vt.DeliveryID), nil
}

// Acknowledge archives the ledger contract, revokes remaining view tokens,
// and stops expiry tracking. Unlike expiry-path archival, a ledger failure
// here propagates: the delivery stays trackable and can be acknowledged again.
func (s *DisclosureService) Acknowledge(ctx context.Context, viewToken string) error {
	vt, err := s.tokens.FindViewToken(ctx, viewToken)
	if err != nil {
		return err
	}

	if _, err := s.adapter.ExerciseChoice(ctx, vt.Recipient, PayloadTemplate, vt.DeliveryID, ChoiceArchive, nil); err != nil {
		return fmt.Errorf("archiving delivery %s: %w", vt.DeliveryID, err)
	}
	if err := s.tokens.RevokeByDelivery(ctx, vt.DeliveryID); err != nil {
		return err
	}
	s.tracker.Acknowledge(vt.DeliveryID)

	s.logger.Info(ctx, "delivery acknowledged", "delivery_id", vt.DeliveryID)
	return nil
}

// ArchiveDelivery implements expiry.Archiver: best-effort ledger archival
// once a delivery expires. The acting identity is taken from the delivery's
// view tokens.
func (s *DisclosureService) ArchiveDelivery(ctx context.Context, deliveryID string) error {
	vts, err := s.tokens.ViewTokensByDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if len(vts) == 0 {
		return fmt.Errorf("no view tokens recorded for delivery %s", deliveryID)
	}
	_, err = s.adapter.ExerciseChoice(ctx, vts[0].Recipient, PayloadTemplate, deliveryID, ChoiceArchive, nil)
	return err
}

// Status derives the delivery state behind a view token. Nothing persists
// the state: it is computed from token rows and ledger existence on demand.
func (s *DisclosureService) Status(ctx context.Context, viewToken string) (models.DeliveryState, error) {
	vt, err := s.tokens.FindViewToken(ctx, viewToken)
	if err != nil {
		return models.StateInvalid, err
	}
	vts, err := s.tokens.ViewTokensByDelivery(ctx, vt.DeliveryID)
	if err != nil {
		return models.StateInvalid, err
	}

	active := false
	refs, err := s.adapter.QueryContracts(ctx, vt.Recipient, PayloadTemplate, nil)
	if err != nil {
		return models.StateInvalid, err
	}
	for _, ref := range refs {
		if ref.ContractID == vt.DeliveryID {
			active = true
			break
		}
	}

	// A view token only exists once the send token was consumed.
	return DeriveState(true, vts, active), nil
}
