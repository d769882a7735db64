package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/token/config"
)

type Token interface {
	Build(user model.User) (string, error)
	Parse(tokenString string) (model.User, error)
}

var ErrInvalidToken = errors.New("invalid token")

type claims struct {
	jwt.RegisteredClaims
	UserCode string `json:"userCode"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type token struct {
	secret []byte
	ttl    time.Duration
}

func NewToken(cfg config.Config) Token {
	return &token{secret: []byte(cfg.Secret), ttl: cfg.TTL}
}

func (t *token) Build(user model.User) (string, error) {
	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(t.ttl)),
		},
		UserCode: user.Code,
		Name:     user.Data.Name,
		Role:     user.Data.Role,
	})

	return jwtToken.SignedString(t.secret)
}

func (t *token) Parse(tokenString string) (model.User, error) {
	c := &claims{}
	jwtToken, err := jwt.ParseWithClaims(tokenString, c, func(jt *jwt.Token) (interface{}, error) {
		if _, ok := jt.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", jt.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !jwtToken.Valid || c.UserCode == "" {
		return model.User{}, ErrInvalidToken
	}

	return model.User{Code: c.UserCode, Data: model.UserData{Name: c.Name, Role: c.Role}}, nil
}
