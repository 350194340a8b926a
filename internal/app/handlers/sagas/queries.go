package sagas

import (
	"context"
	"strings"

	"tripsaga/internal/app/queries"
	domain "tripsaga/internal/domain/saga"
)

const getSagaKey = "saga.get"

type GetSagaQuery struct{ SagaID string }

func (GetSagaQuery) Key() string { return getSagaKey }

func (q GetSagaQuery) Validate() error {
	if strings.TrimSpace(q.SagaID) == "" {
		return ErrSagaIDRequired
	}
	return nil
}

func (h Handler) GetSaga(ctx context.Context, q GetSagaQuery) (*domain.Saga, error) {
	return h.Facade.GetSaga(ctx, domain.ID(q.SagaID))
}

func RegisterQueries(bus *queries.InMemoryBus, h Handler) {
	queries.RegisterHandler[GetSagaQuery, *domain.Saga](bus, getSagaKey, queries.HandlerFunc[GetSagaQuery, *domain.Saga](h.GetSaga))
}
