package postgres

import (
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"gorm.io/gorm"
)

type Repositories struct {
	Offers       ports.OfferRepository
	Transactions ports.TransactionRepository
	Transfers    ports.TransferRepository
	Directory    ports.Directory
	Outbox       ports.OutboxRepository
	EventDedup   ports.EventDedupRepository
	Idempotency  ports.IdempotencyRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Offers:       &offerRepository{db: db},
		Transactions: &transactionRepository{db: db},
		Transfers:    &transferRepository{db: db},
		Directory:    &directory{db: db},
		Outbox:       &outboxRepository{db: db},
		EventDedup:   &eventDedupRepository{db: db},
		Idempotency:  &idempotencyRepository{db: db},
	}
}
