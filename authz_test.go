package main

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLAuthorizer_Participant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT 1 FROM chats").
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM chat_participants").
		WithArgs("42", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	a := NewSQLAuthorizer(db)
	if err := a.IsParticipant(context.Background(), "alice", "42"); err != nil {
		t.Errorf("Expected participant, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLAuthorizer_NotParticipant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT 1 FROM chats").
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM chat_participants").
		WithArgs("42", "mallory").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	a := NewSQLAuthorizer(db)
	err = a.IsParticipant(context.Background(), "mallory", "42")
	if !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Expected ErrNotParticipant, got %v", err)
	}
	if errorCode(err) != CodeNotParticipant {
		t.Errorf("Expected %s, got %s", CodeNotParticipant, errorCode(err))
	}
}

func TestSQLAuthorizer_ChatNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT 1 FROM chats").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	a := NewSQLAuthorizer(db)
	err = a.IsParticipant(context.Background(), "alice", "missing")
	if !errors.Is(err, ErrChatNotFound) {
		t.Errorf("Expected ErrChatNotFound, got %v", err)
	}
	if errorCode(err) != CodeChatNotFound {
		t.Errorf("Expected %s, got %s", CodeChatNotFound, errorCode(err))
	}
}

func TestSQLAuthorizer_QueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT 1 FROM chats").
		WithArgs("42").
		WillReturnError(errors.New("connection refused"))

	a := NewSQLAuthorizer(db)
	err = a.IsParticipant(context.Background(), "alice", "42")
	if err == nil {
		t.Fatal("Expected an error")
	}
	if errorCode(err) != CodeInternalError {
		t.Errorf("Dependency failures must map to %s, got %s", CodeInternalError, errorCode(err))
	}
}
