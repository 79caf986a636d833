package domain

import (
	"context"
	"errors"
)

type Service interface {
	GetByID(ctx context.Context, id string) (AddOn, error)
	GetByCode(ctx context.Context, code string) (AddOn, error)
	ListActive(ctx context.Context) ([]AddOn, error)
}

var (
	ErrInvalidID   = errors.New("invalid_id")
	ErrInvalidCode = errors.New("invalid_code")
	ErrNotFound    = errors.New("add_on_not_found")
	ErrInactive    = errors.New("add_on_inactive")
)
