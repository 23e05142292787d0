package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/gateway"
	"piano-wallet-api/internal/models"
)

// HandleWebhook reconciles a gateway settlement notification against the
// transaction it references. Webhooks are idempotent: replays of an already
// applied outcome are acknowledged without touching anything, and a late
// success for a transaction we already failed never resurrects it.
func (s *WalletService) HandleWebhook(ctx context.Context, gatewayName string, req *http.Request) error {
	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return err
	}

	event, err := gw.VerifyWebhook(req)
	if err != nil {
		return err
	}

	tx, err := s.txRepo.GetByGatewayTransactionID(ctx, event.GatewayTransactionID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"gateway":                gatewayName,
			"gateway_transaction_id": event.GatewayTransactionID,
		}).Warn("Webhook references unknown transaction")
		return err
	}

	lock, err := s.locks.LockUser(ctx, tx.UserID, "webhook", s.lockTTL)
	if err != nil {
		return fmt.Errorf("user busy, webhook deferred: %w", err)
	}
	defer s.releaseLock(ctx, lock)

	// Re-read under the lock: the engine may have settled it meanwhile.
	tx, err = s.txRepo.GetByTransactionID(ctx, tx.TransactionID)
	if err != nil {
		return err
	}

	normalized := gateway.NormalizeStatus(event.Status)

	switch tx.Status {
	case models.StatusCompleted:
		if normalized == models.StatusCompleted {
			logrus.WithField("transaction_id", tx.TransactionID).
				Debug("Duplicate success webhook ignored")
			return nil
		}
		return s.recordWebhookAnomaly(ctx, tx, event,
			fmt.Sprintf("gateway reported %s for completed transaction", event.Status))

	case models.StatusFailed:
		if normalized == models.StatusFailed {
			return nil
		}
		// A settlement arriving after we failed the transaction means the
		// gateway paid out money we no longer account for. Flag it for an
		// operator instead of resurrecting the row.
		return s.recordWebhookAnomaly(ctx, tx, event,
			"late settlement for failed transaction")

	case models.StatusProcessing:
		switch normalized {
		case models.StatusCompleted:
			if tx.Type == models.TypeDeposit {
				return s.completeDeposit(ctx, tx)
			}
			return s.completeWithdrawal(ctx, tx)
		case models.StatusFailed:
			reason := event.FailureReason
			if reason == "" {
				reason = "gateway reported failure"
			}
			if tx.Type == models.TypeDeposit {
				return s.failDeposit(ctx, tx, reason)
			}
			return s.failWithdrawal(ctx, tx, reason)
		default:
			tx.AppendLog(fmt.Sprintf("gateway status update: %s", event.Status))
			return s.txRepo.Update(ctx, tx)
		}

	default:
		return s.recordWebhookAnomaly(ctx, tx, event,
			fmt.Sprintf("webhook for transaction in %s state", tx.Status))
	}
}

func (s *WalletService) recordWebhookAnomaly(ctx context.Context, tx *models.Transaction, event *gateway.WebhookEvent, reason string) error {
	s.audit.WithFields(logrus.Fields{
		"transaction_id":         tx.TransactionID,
		"user_id":                tx.UserID,
		"status":                 tx.Status,
		"gateway":                event.Gateway,
		"gateway_status":         event.Status,
		"gateway_transaction_id": event.GatewayTransactionID,
		"reason":                 reason,
	}).Error("Webhook anomaly detected")

	tx.Flag(tx.Verification.RiskScore, reason)
	if err := s.txRepo.Update(ctx, tx); err != nil {
		return err
	}

	s.publishTransactionEvent(ctx, EventWebhookAnomaly, tx)
	s.metrics.RecordWebhookAnomaly()
	return nil
}
