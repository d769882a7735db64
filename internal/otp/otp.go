// Package otp keeps pending registrations until the user confirms them with
// a one-time password. Entries live in an expiring cache shared by all
// server instances.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/iurnickita/admarket/internal/otp/config"
)

type OTP interface {
	Start(ctx context.Context, reg Registration) (requestID string, code string, err error)
	Verify(ctx context.Context, requestID string, code string) (Registration, error)
}

var (
	ErrExpired         = errors.New("registration request expired or not found")
	ErrWrongCode       = errors.New("wrong otp code")
	ErrTooManyAttempts = errors.New("too many otp attempts")
)

const (
	keyPrefix         = "otp:registration"
	attemptsKeyPrefix = "otp:attempts"
)

type Registration struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Contact  string `json:"contact"`
	Code     string `json:"code"`
}

type otp struct {
	cfg   config.Config
	cache Cache
}

func NewOTP(cfg config.Config, cache Cache) OTP {
	return &otp{cfg: cfg, cache: cache}
}

func (o *otp) Start(ctx context.Context, reg Registration) (string, string, error) {
	code, err := newCode()
	if err != nil {
		return "", "", err
	}
	reg.Code = code

	requestID := uuid.NewString()
	value, err := json.Marshal(reg)
	if err != nil {
		return "", "", err
	}
	if err := o.cache.Set(ctx, key(requestID), value, o.cfg.TTL); err != nil {
		return "", "", err
	}
	return requestID, code, nil
}

func (o *otp) Verify(ctx context.Context, requestID string, code string) (Registration, error) {
	value, err := o.cache.Get(ctx, key(requestID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return Registration{}, ErrExpired
		}
		return Registration{}, err
	}

	var reg Registration
	if err := json.Unmarshal(value, &reg); err != nil {
		return Registration{}, err
	}

	// Попытка учитывается до сравнения кода: параллельные запросы
	// получают разные номера попыток
	attempt, err := o.cache.Incr(ctx, attemptsKey(requestID), o.cfg.TTL)
	if err != nil {
		return Registration{}, err
	}
	if attempt > int64(o.cfg.MaxAttempts) {
		return Registration{}, o.discard(ctx, requestID, ErrTooManyAttempts)
	}

	if subtle.ConstantTimeCompare([]byte(reg.Code), []byte(code)) != 1 {
		if attempt >= int64(o.cfg.MaxAttempts) {
			return Registration{}, o.discard(ctx, requestID, ErrTooManyAttempts)
		}
		return Registration{}, ErrWrongCode
	}

	// Код одноразовый
	if err := o.discard(ctx, requestID, nil); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// discard удаляет заявку и возвращает reason. Счетчик попыток не удаляется
// и истекает сам: запросы, успевшие прочитать заявку, продолжают его отсчет.
func (o *otp) discard(ctx context.Context, requestID string, reason error) error {
	if err := o.cache.Del(ctx, key(requestID)); err != nil {
		return err
	}
	return reason
}

func key(requestID string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, requestID)
}

func attemptsKey(requestID string) string {
	return fmt.Sprintf("%s:%s", attemptsKeyPrefix, requestID)
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
