package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/opledger/pkg/models"
	"github.com/mcclellann/opledger/pkg/store"
)

// TriggerAlert schedules an alert on a live operation. Delivery happens elsewhere.
func (l *Ledger) TriggerAlert(ctx context.Context, in TriggerAlertInput) (*models.Alert, error) {
	if err := l.validateInput(in); err != nil {
		return nil, err
	}

	now := l.now()
	alert := &models.Alert{
		ID:          uuid.New(),
		OperationID: in.OperationID,
		Type:        in.Type,
		Template:    in.Template,
		SendAt:      now,
		Enabled:     true,
		Meta:        in.Meta,
		CreatedAt:   now,
	}
	if in.SendAt != nil {
		alert.SendAt = in.SendAt.UTC()
	}
	if in.Enabled != nil {
		alert.Enabled = *in.Enabled
	}

	err := l.storage.WithTx(ctx, func(r store.Repositories) error {
		if _, err := r.GetOperation(ctx, in.OperationID, false); err != nil {
			return err
		}
		return r.CreateAlert(ctx, alert)
	})
	if err != nil {
		return nil, err
	}

	l.metrics.AlertTriggered(alert.Type)
	l.logger.WithFields(logrus.Fields{
		"alert_id":     alert.ID,
		"operation_id": alert.OperationID,
		"type":         alert.Type,
		"send_at":      alert.SendAt,
	}).Info("Alert triggered")
	return alert, nil
}

// ListAlerts returns the alerts of a live operation ordered by send time.
func (l *Ledger) ListAlerts(ctx context.Context, operationID uuid.UUID, enabledOnly bool) ([]*models.Alert, error) {
	if _, err := l.storage.GetOperation(ctx, operationID, false); err != nil {
		return nil, err
	}
	alerts, err := l.storage.ListAlerts(ctx, store.AlertFilter{OperationID: &operationID, EnabledOnly: enabledOnly})
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	return alerts, nil
}

func (l *Ledger) UpdateAlert(ctx context.Context, id uuid.UUID, in UpdateAlertInput) (*models.Alert, error) {
	if err := l.validateInput(in); err != nil {
		return nil, err
	}

	var alert *models.Alert
	err := l.storage.WithTx(ctx, func(r store.Repositories) error {
		var err error
		if alert, err = r.GetAlert(ctx, id, false); err != nil {
			return err
		}
		if in.Type != nil {
			alert.Type = *in.Type
		}
		if in.Template != nil {
			alert.Template = *in.Template
		}
		if in.SendAt != nil {
			alert.SendAt = in.SendAt.UTC()
		}
		if in.Enabled != nil {
			alert.Enabled = *in.Enabled
		}
		if in.Meta != nil {
			alert.Meta = in.Meta
		}
		return r.UpdateAlert(ctx, alert)
	})
	if err != nil {
		return nil, err
	}
	l.logger.WithField("alert_id", id).Info("Alert updated")
	return alert, nil
}

// DeleteAlert soft-deletes an alert.
func (l *Ledger) DeleteAlert(ctx context.Context, id uuid.UUID) error {
	if err := l.storage.SoftDeleteAlert(ctx, id, l.now()); err != nil {
		return err
	}
	l.logger.WithField("alert_id", id).Info("Alert deleted")
	return nil
}
