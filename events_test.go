package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrUnauthenticated, CodeUnauthenticated},
		{ErrNotParticipant, CodeNotParticipant},
		{ErrChatNotFound, CodeChatNotFound},
		{fmt.Errorf("wrapped: %w", ErrNotParticipant), CodeNotParticipant},
		{errors.New("nats: timeout"), CodeInternalError},
	}

	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestValidateRoomId(t *testing.T) {
	for _, id := range []string{"42", "room-7", "a_b", "AbC9"} {
		if err := validateRoomId(id); err != nil {
			t.Errorf("validateRoomId(%q) = %v, want nil", id, err)
		}
	}
	for _, id := range []string{"", "a.b", "a:b", "a*b", "a>b", "a b", "a\tb", "a\nb"} {
		if err := validateRoomId(id); !errors.Is(err, ErrChatNotFound) {
			t.Errorf("validateRoomId(%q) = %v, want ErrChatNotFound", id, err)
		}
	}
}

func TestRoomNames(t *testing.T) {
	if got := chatRoom("42"); got != "chat:42" {
		t.Errorf("chatRoom = %s", got)
	}
	if got := userRoom("alice"); got != "user:alice" {
		t.Errorf("userRoom = %s", got)
	}
}
