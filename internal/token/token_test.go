package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/token/config"
)

func TestTokenRoundTrip(t *testing.T) {
	tk := NewToken(config.Config{Secret: "secret", TTL: time.Hour})
	user := model.User{Code: "7", Data: model.UserData{Name: "Anna", Role: model.UserTypeAdmin}}

	s, err := tk.Build(user)
	require.NoError(t, err)

	got, err := tk.Parse(s)
	require.NoError(t, err)
	require.Equal(t, "7", got.Code)
	require.Equal(t, "Anna", got.Data.Name)
	require.Equal(t, model.UserTypeAdmin, got.Data.Role)
}

func TestTokenRejected(t *testing.T) {
	tk := NewToken(config.Config{Secret: "secret", TTL: time.Hour})

	other, err := NewToken(config.Config{Secret: "other", TTL: time.Hour}).Build(model.User{Code: "7"})
	require.NoError(t, err)
	_, err = tk.Parse(other)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewToken(config.Config{Secret: "secret", TTL: -time.Minute}).Build(model.User{Code: "7"})
	require.NoError(t, err)
	_, err = tk.Parse(expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = tk.Parse("garbage")
	require.ErrorIs(t, err, ErrInvalidToken)
}
