package repository

import (
	"context"

	"video-batch-service/internal/domain/model"
)

type UserRepository interface {
	Save(ctx context.Context, tx Tx, user *model.User) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.User, error)
	FindByUsername(ctx context.Context, tx Tx, username string) (*model.User, error)
}
