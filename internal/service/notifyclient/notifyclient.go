package notifyclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JSON запрос к сервису уведомлений
type Notification struct {
	ID        string            `json:"id"`
	Recipient string            `json:"recipient"`
	Kind      string            `json:"kind"`
	Subject   string            `json:"subject"`
	Text      string            `json:"text"`
	Fields    map[string]string `json:"fields,omitempty"`
}

const (
	KindOTP                   = "otp"
	KindAdvertisementComplete = "advertisement_completed"
)

type NotifyClient interface {
	Send(ctx context.Context, notification Notification) error
}

type notifyClient struct {
	client *resty.Client
}

func NewNotifyClient(serviceAddr string) NotifyClient {
	client := resty.New().
		SetBaseURL(serviceAddr).
		SetTimeout(10 * time.Second).
		SetRetryCount(2)
	return notifyClient{client: client}
}

func (c notifyClient) Send(ctx context.Context, notification Notification) error {
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(notification).
		Post("/api/notifications")
	if err != nil {
		return err
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusAccepted, http.StatusCreated:
		return nil
	default:
		return fmt.Errorf("notification request status: %d", resp.StatusCode())
	}
}

// nopClient используется, когда адрес сервиса уведомлений не задан.
// Уведомления пишутся в журнал на уровне debug, в том числе коды регистрации.
type nopClient struct {
	zaplog *zap.Logger
}

func NewNopClient(zaplog *zap.Logger) NotifyClient {
	return nopClient{zaplog: zaplog}
}

func (c nopClient) Send(_ context.Context, notification Notification) error {
	c.zaplog.Debug("notification not sent, NOTIFY_ADDRESS is not set",
		zap.String("recipient", notification.Recipient),
		zap.String("kind", notification.Kind),
		zap.String("subject", notification.Subject),
		zap.String("text", notification.Text),
		zap.Any("fields", notification.Fields))
	return nil
}
