package tests

import (
	"errors"
	"testing"
)

func TestSignupRequiresActivation(t *testing.T) {
	env := setupTestEnv(t)

	c := env.newClient()
	login := loginInfo{Email: "abc@mail.com", Password: "abc_password"}
	userId, err := c.signup("abc", login.Email, login.Password)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.login(login); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("inactive user should not be able to login: %v", err)
	}

	admin := env.adminClient(t)
	inactive, err := admin.listInactive()
	if err != nil {
		t.Fatal(err)
	}
	if len(inactive) != 1 || inactive[0].Id.String() != userId {
		t.Fatalf("expected one inactive user, got %v", inactive)
	}

	messages, err := admin.inbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) == 0 {
		t.Fatal("admins should be notified about new accounts")
	}

	if err := admin.activateUser(userId); err != nil {
		t.Fatal(err)
	}
	if err := c.login(login); err != nil {
		t.Fatal(err)
	}

	info, err := c.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Username != "abc" || !info.Active || info.Admin {
		t.Fatalf("invalid user info %v", info)
	}

	welcome, err := c.inbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(welcome) != 1 {
		t.Fatalf("expected a welcome message, got %d messages", len(welcome))
	}
}

func TestDuplicateSignup(t *testing.T) {
	env := setupTestEnv(t)

	c := env.newClient()
	if _, err := c.signup("abc", "abc@mail.com", "abc_password"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.signup("abc", "abc@mail.com", "abc_password"); err == nil {
		t.Fatal("duplicate signup should fail")
	}
}

func TestAdminOnlyEndpoints(t *testing.T) {
	env := setupTestEnv(t)

	user := env.newUser(t, "abc")
	other := env.newUser(t, "xyz")

	if _, err := user.listInactive(); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := user.deleteUser(other.userId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := user.Post("/tasks/regenerate-thumbnails").Json(map[string]interface{}{}).Do(nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	admin := env.adminClient(t)
	if err := admin.deleteUser(other.userId); err != nil {
		t.Fatal(err)
	}
	if err := other.Get("/user/info").Do(nil); err == nil {
		t.Fatal("deleted user should not be able to use the api")
	}
}

func TestUnauthenticatedRequests(t *testing.T) {
	env := setupTestEnv(t)

	c := env.newClient()
	if err := c.Get("/collections/list").Do(nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := c.Get("/health").Do(nil); err != nil {
		t.Fatal(err)
	}
}
