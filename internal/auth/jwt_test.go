package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-signing-secret")

func hmacKeyfunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	return testSecret, nil
}

func signToken(t *testing.T, claims jwt.RegisteredClaims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "gemini-ui",
		Audience:  jwt.ClaimStrings{"gemini-gateway"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestValidate(t *testing.T) {
	v := NewJWTValidatorWithKeyfunc(hmacKeyfunc, "gemini-ui", "gemini-gateway")

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"someone-else"}

	wrongIss := validClaims()
	wrongIss.Issuer = "other"

	noExp := validClaims()
	noExp.ExpiresAt = nil

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid", token: signToken(t, validClaims(), testSecret)},
		{name: "expired", token: signToken(t, expired, testSecret), wantErr: true},
		{name: "wrong audience", token: signToken(t, wrongAud, testSecret), wantErr: true},
		{name: "wrong issuer", token: signToken(t, wrongIss, testSecret), wantErr: true},
		{name: "missing expiry", token: signToken(t, noExp, testSecret), wantErr: true},
		{name: "bad signature", token: signToken(t, validClaims(), []byte("other-secret")), wantErr: true},
		{name: "garbage", token: "not.a.jwt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Validate(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if v.GetUserID(claims) != "user-1" {
				t.Fatalf("unexpected subject %q", claims.Subject)
			}
		})
	}
}

func TestValidateWithoutAudienceOrIssuer(t *testing.T) {
	v := NewJWTValidatorWithKeyfunc(hmacKeyfunc, "", "")
	c := validClaims()
	c.Audience = nil
	c.Issuer = ""
	if _, err := v.Validate(signToken(t, c, testSecret)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	v.Close()
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		url     string
		want    string
		wantErr bool
	}{
		{name: "bearer header", header: "Bearer abc", url: "/ws", want: "abc"},
		{name: "lowercase scheme", header: "bearer abc", url: "/ws", want: "abc"},
		{name: "query param", url: "/ws?token=xyz", want: "xyz"},
		{name: "header wins", header: "Bearer abc", url: "/ws?token=xyz", want: "abc"},
		{name: "basic scheme", header: "Basic dXNlcg==", url: "/ws", wantErr: true},
		{name: "empty bearer", header: "Bearer ", url: "/ws", wantErr: true},
		{name: "nothing", url: "/ws", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := TokenFromRequest(r)
			if tt.wantErr {
				if !errors.Is(err, ErrNoToken) {
					t.Fatalf("expected ErrNoToken, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("TokenFromRequest() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}
