package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/otp"
	otpConfig "github.com/iurnickita/admarket/internal/otp/config"
	"github.com/iurnickita/admarket/internal/service/notifyclient"
	"github.com/iurnickita/admarket/internal/store/memstore"
	"github.com/iurnickita/admarket/internal/token"
	tokenConfig "github.com/iurnickita/admarket/internal/token/config"
)

// captureNotify запоминает отправленные уведомления
type captureNotify struct {
	sent []notifyclient.Notification
}

func (c *captureNotify) Send(_ context.Context, n notifyclient.Notification) error {
	c.sent = append(c.sent, n)
	return nil
}

func newTestAuth() (*auth, *captureNotify) {
	notify := &captureNotify{}
	a := NewAuth(memstore.New(),
		otp.NewOTP(otpConfig.Config{TTL: time.Minute, MaxAttempts: 3}, otp.NewMemoryCache()),
		token.NewToken(tokenConfig.Config{Secret: "secret", TTL: time.Hour}),
		notify,
		zap.NewNop())
	return a.(*auth), notify
}

func post(h http.HandlerFunc, path string, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestRegisterVerifyLogin(t *testing.T) {
	a, notify := newTestAuth()

	rec := post(a.Register, "/api/user/register",
		`{"login":"anna","password":"pa55","name":"Anna","role":"reporter","contact":"anna@example.org"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var reg RegisterJSONResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	require.NotEmpty(t, reg.RequestID)

	require.Len(t, notify.sent, 1)
	require.Equal(t, "anna@example.org", notify.sent[0].Recipient)
	code := notify.sent[0].Fields["code"]

	rec = post(a.Verify, "/api/user/verify", `{"requestId":"`+reg.RequestID+`","otp":"`+code+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var tok TokenJSONResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.Equal(t, model.UserTypeReporter, tok.Role)
	require.NotEmpty(t, rec.Result().Cookies())

	rec = post(a.Login, "/api/user/login", `{"login":"anna","password":"pa55"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(a.Login, "/api/user/login", `{"login":"anna","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterRejectsAdminRole(t *testing.T) {
	a, _ := newTestAuth()

	rec := post(a.Register, "/api/user/register",
		`{"login":"root","password":"p","name":"Root","role":"admin","contact":"root@example.org"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyWrongCode(t *testing.T) {
	a, notify := newTestAuth()

	rec := post(a.Register, "/api/user/register",
		`{"login":"anna","password":"p","name":"Anna","role":"advertiser","contact":"anna@example.org"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var reg RegisterJSONResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))

	wrong := "000000"
	if notify.sent[0].Fields["code"] == wrong {
		wrong = "111111"
	}
	rec = post(a.Verify, "/api/user/verify", `{"requestId":"`+reg.RequestID+`","otp":"`+wrong+`"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(a.Verify, "/api/user/verify", `{"requestId":"unknown","otp":"123456"}`)
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestAdminMiddleware(t *testing.T) {
	a, _ := newTestAuth()
	ctx := context.Background()

	_, err := a.CreateUser(ctx, model.User{Data: model.UserData{Login: "root", Password: "p", Name: "Root", Role: model.UserTypeAdmin}})
	require.NoError(t, err)
	_, err = a.CreateUser(ctx, model.User{Data: model.UserData{Login: "anna", Password: "p", Name: "Anna", Role: model.UserTypeReporter}})
	require.NoError(t, err)

	var gotName string
	protected := a.AdminMiddleware(func(w http.ResponseWriter, r *http.Request) {
		gotName = r.Header.Get(HeaderUserNameKey)
	})

	login := func(name string) string {
		rec := post(a.Login, "/api/user/login", `{"login":"`+name+`","password":"p"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		var tok TokenJSONResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
		return tok.Token
	}

	call := func(tokenString string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/advertisements/complete", nil)
		if tokenString != "" {
			req.Header.Set("Authorization", "Bearer "+tokenString)
		}
		// подделанный заголовок перетирается
		req.Header.Set(HeaderUserRoleKey, model.UserTypeAdmin)
		rec := httptest.NewRecorder()
		protected(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusUnauthorized, call(""))
	require.Equal(t, http.StatusForbidden, call(login("anna")))
	require.Equal(t, http.StatusOK, call(login("root")))
	require.Equal(t, "Root", gotName)
}
