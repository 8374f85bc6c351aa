package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestTokenRoundTrip(t *testing.T) {
	ts := NewTokenService("secret", 60)

	token, expiresAt, err := ts.Issue("user-1", false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if expiresAt.IsZero() {
		t.Fatal("missing expiry")
	}

	userID, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("got user %q", userID)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	token, _, err := NewTokenService("secret-a", 60).Issue("user-1", false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewTokenService("secret-b", 60).Validate(token); err == nil {
		t.Fatal("token signed with another key must not validate")
	}
	if _, err := NewTokenService("secret-a", 60).Validate("garbage"); err == nil {
		t.Fatal("garbage must not validate")
	}
}

func TestMiddleware(t *testing.T) {
	ts := NewTokenService("secret", 60)
	token, _, _ := ts.Issue("user-7", false)

	e := echo.New()
	handler := Middleware(ts)(func(c echo.Context) error {
		return c.String(http.StatusOK, UserID(c))
	})

	run := func(header string) (int, string) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if err := handler(c); err != nil {
			he, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("unexpected error type: %v", err)
			}
			return he.Code, ""
		}
		return rec.Code, rec.Body.String()
	}

	if code, body := run("Bearer " + token); code != http.StatusOK || body != "user-7" {
		t.Fatalf("valid token rejected: %d %q", code, body)
	}
	if code, _ := run(""); code != http.StatusUnauthorized {
		t.Fatalf("missing header should 401, got %d", code)
	}
	if code, _ := run("Bearer bad"); code != http.StatusUnauthorized {
		t.Fatalf("bad token should 401, got %d", code)
	}
	if code, _ := run("Basic abc"); code != http.StatusUnauthorized {
		t.Fatalf("non-bearer scheme should 401, got %d", code)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := hashPassword("hunter2233")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !verifyPassword(hash, "hunter2233") {
		t.Fatal("correct password rejected")
	}
	if verifyPassword(hash, "wrong") {
		t.Fatal("wrong password accepted")
	}

	other, _ := hashPassword("hunter2233")
	if hash == other {
		t.Fatal("hashes must be salted")
	}
}
