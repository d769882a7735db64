package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/otp"
	"github.com/iurnickita/admarket/internal/service/notifyclient"
	"github.com/iurnickita/admarket/internal/store"
	"github.com/iurnickita/admarket/internal/token"
)

type Auth interface {
	Register(w http.ResponseWriter, r *http.Request)
	Verify(w http.ResponseWriter, r *http.Request)
	Login(w http.ResponseWriter, r *http.Request)
	Middleware(h http.HandlerFunc) http.HandlerFunc
	AdminMiddleware(h http.HandlerFunc) http.HandlerFunc
	CreateUser(ctx context.Context, user model.User) (string, error)
}

const (
	HeaderUserCodeKey = "X-User-Code"
	HeaderUserRoleKey = "X-User-Role"
	HeaderUserNameKey = "X-User-Name"
	cookieUserToken   = "admarketUserToken"
)

var ErrInvalidCredentials = errors.New("invalid login or password")

// Роли, доступные при самостоятельной регистрации
var selfRegisterRoles = []string{
	model.UserTypeAdvertiser,
	model.UserTypeReporter,
	model.UserTypeAdvocate,
	model.UserTypePress,
}

type auth struct {
	store  store.Store
	otp    otp.OTP
	token  token.Token
	notify notifyclient.NotifyClient
	zaplog *zap.Logger
}

func NewAuth(store store.Store, otp otp.OTP, token token.Token, notify notifyclient.NotifyClient, zaplog *zap.Logger) Auth {
	return &auth{store: store, otp: otp, token: token, notify: notify, zaplog: zaplog}
}

type RegisterJSONRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Contact  string `json:"contact"`
}

type RegisterJSONResponse struct {
	RequestID string `json:"requestId"`
}

func (a *auth) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Login == "" || req.Password == "" || req.Name == "" || req.Contact == "" {
		http.Error(w, "login, password, name and contact are required", http.StatusBadRequest)
		return
	}
	if !slices.Contains(selfRegisterRoles, req.Role) {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	// Логин уже занят
	if _, err := a.store.AuthLogin(r.Context(), req.Login); err == nil {
		http.Error(w, store.ErrAlreadyExists.Error(), http.StatusConflict)
		return
	} else if !errors.Is(err, store.ErrNoRows) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	requestID, code, err := a.otp.Start(r.Context(), otp.Registration{
		Login:    req.Login,
		Password: string(hash),
		Name:     req.Name,
		Role:     req.Role,
		Contact:  req.Contact})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = a.notify.Send(r.Context(), notifyclient.Notification{
		Recipient: req.Contact,
		Kind:      notifyclient.KindOTP,
		Subject:   "Registration code",
		Text:      "Your registration code: " + code,
		Fields:    map[string]string{"code": code, "requestId": requestID}})
	if err != nil {
		a.zaplog.Error("otp delivery failed", zap.String("login", req.Login), zap.Error(err))
		http.Error(w, "otp delivery failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, RegisterJSONResponse{RequestID: requestID})
}

type VerifyJSONRequest struct {
	RequestID string `json:"requestId"`
	OTP       string `json:"otp"`
}

type TokenJSONResponse struct {
	Token    string `json:"token"`
	UserCode string `json:"userCode"`
	Role     string `json:"role"`
}

func (a *auth) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RequestID == "" || req.OTP == "" {
		http.Error(w, "requestId and otp are required", http.StatusBadRequest)
		return
	}

	reg, err := a.otp.Verify(r.Context(), req.RequestID, req.OTP)
	if err != nil {
		switch {
		case errors.Is(err, otp.ErrWrongCode):
			http.Error(w, err.Error(), http.StatusUnauthorized)
		case errors.Is(err, otp.ErrExpired), errors.Is(err, otp.ErrTooManyAttempts):
			http.Error(w, err.Error(), http.StatusGone)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	user := model.User{Data: model.UserData{
		Login:    reg.Login,
		Password: reg.Password,
		Name:     reg.Name,
		Role:     reg.Role}}
	user.Code, err = a.store.AuthRegister(r.Context(), user)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.authorize(w, user)
}

type LoginJSONRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (a *auth) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := a.store.AuthLogin(r.Context(), req.Login)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			http.Error(w, ErrInvalidCredentials.Error(), http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Data.Password), []byte(req.Password)) != nil {
		http.Error(w, ErrInvalidCredentials.Error(), http.StatusUnauthorized)
		return
	}

	a.authorize(w, user)
}

// CreateUser заводит пользователя без подтверждения, в том числе администратора.
func (a *auth) CreateUser(ctx context.Context, user model.User) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(user.Data.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	user.Data.Password = string(hash)
	return a.store.AuthRegister(ctx, user)
}

func (a *auth) authorize(w http.ResponseWriter, user model.User) {
	tokenString, err := a.token.Build(user)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieUserToken,
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, TokenJSONResponse{Token: tokenString, UserCode: user.Code, Role: user.Data.Role})
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// получение пользователя
		user, err := a.getUser(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем, перетирая присланные клиентом значения
		r.Header.Set(HeaderUserCodeKey, user.Code)
		r.Header.Set(HeaderUserRoleKey, user.Data.Role)
		r.Header.Set(HeaderUserNameKey, user.Data.Name)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) AdminMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderUserRoleKey) != model.UserTypeAdmin {
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (a *auth) getUser(r *http.Request) (model.User, error) {
	// куки пользователя или заголовок Authorization
	var tokenString string
	if tokenCookie, err := r.Cookie(cookieUserToken); err == nil {
		tokenString = tokenCookie.Value
	} else if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		tokenString = bearer
	} else {
		return model.User{}, token.ErrInvalidToken
	}

	return a.token.Parse(tokenString)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}
