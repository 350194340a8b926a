package middleware

import (
	"context"
	"errors"
	"fmt"

	"tripsaga/internal/app/commands"
	"tripsaga/internal/app/queries"
)

var ErrValidation = errors.New("middleware: validation failed")

type Validator interface {
	Validate(ctx context.Context, message any) error
}

// SelfValidator asks messages that implement Validate() error to check themselves.
type SelfValidator struct{}

func (SelfValidator) Validate(_ context.Context, message any) error {
	v, ok := message.(interface{ Validate() error })
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if errors.Is(err, ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func Validation(v Validator) CommandMiddleware {
	if v == nil {
		panic("middleware: validator required")
	}
	return func(next commands.Bus) commands.Bus {
		return commandFunc(func(ctx context.Context, cmd commands.Command) (any, error) {
			if err := v.Validate(ctx, cmd); err != nil {
				return nil, err
			}
			return next.Dispatch(ctx, cmd)
		})
	}
}

func QueryValidation(v Validator) QueryMiddleware {
	if v == nil {
		panic("middleware: validator required")
	}
	return func(next queries.Bus) queries.Bus {
		return queryFunc(func(ctx context.Context, q queries.Query) (any, error) {
			if err := v.Validate(ctx, q); err != nil {
				return nil, err
			}
			return next.Ask(ctx, q)
		})
	}
}
