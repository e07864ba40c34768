package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Other},
		{"plain", errors.New("x"), Other},
		{"direct", E(Validation, "bad"), Validation},
		{"wrapped", fmt.Errorf("ctx: %w", E(Permission, "no")), Permission},
		{"fs not exist", fmt.Errorf("stat: %w", fs.ErrNotExist), NotFound},
		{"fs exist", fs.ErrExist, Exist},
		{"missing fragment", MissingFragment(3), Integrity},
		{"wrap keeps kind", Wrap(Transient, "write chunk", errors.New("disk full")), Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{E(Validation, "v"), http.StatusBadRequest},
		{E(NotFound, "n"), http.StatusNotFound},
		{MissingFragment(0), http.StatusConflict},
		{E(Permission, "p"), http.StatusForbidden},
		{E(Transient, "t"), http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMissingFragment(t *testing.T) {
	err := fmt.Errorf("merge: %w", MissingFragment(2))
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected *Error")
	}
	if e.Missing != 2 {
		t.Errorf("Missing = %d, want 2", e.Missing)
	}
	if Message(err) != "missing fragment #2" {
		t.Errorf("Message = %q", Message(err))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(Transient, "x", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}
