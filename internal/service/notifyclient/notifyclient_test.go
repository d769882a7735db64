package notifyclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNotifyClientSend(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/notifications", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := NewNotifyClient(srv.URL).Send(context.Background(), Notification{
		Recipient: "100", Kind: KindAdvertisementComplete, Subject: "done"})
	require.NoError(t, err)
	require.Equal(t, "100", got.Recipient)
	require.NotEmpty(t, got.ID)
}

func TestNotifyClientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewNotifyClient(srv.URL).Send(context.Background(), Notification{Recipient: "100"})
	require.Error(t, err)
}

func TestNopClientLogsNotification(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := NewNopClient(zap.New(core))

	err := c.Send(context.Background(), Notification{
		Recipient: "anna@example.com",
		Kind:      KindOTP,
		Text:      "Registration code: 123456",
		Fields:    map[string]string{"code": "123456"}})
	require.NoError(t, err)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, zapcore.DebugLevel, entry.Level)
	fields := entry.ContextMap()
	require.Equal(t, "anna@example.com", fields["recipient"])
	require.Equal(t, KindOTP, fields["kind"])
	require.Equal(t, "Registration code: 123456", fields["text"])
}
