package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ricorrente/internal/core"
)

// DefaultMaxBackfill caps how many occurrences a single pass materializes
// per definition. A capped pass resumes where it stopped on the next run.
const DefaultMaxBackfill = 1000

// DefinitionStore is what the generator needs from persistence.
// MaterializeOccurrence must be atomic: it creates the transaction, appends
// the ledger row and bumps the definition version in one store transaction,
// failing with core.ErrVersionConflict when the loaded version is stale.
type DefinitionStore interface {
	ListOwners(ctx context.Context) ([]string, error)
	ListActiveDefinitions(ctx context.Context, ownerID string) ([]core.Definition, error)
	GetDefinition(ctx context.Context, ownerID string, id int64) (core.Definition, error)
	MaterializeOccurrence(ctx context.Context, def *core.Definition, on core.Date) (core.Transaction, error)
}

// EventPublisher fans generated transactions out to the notification and
// export queues. Both publishes are fire-and-forget: a failure is logged,
// never propagated, and the periodic export rescan covers lost messages.
type EventPublisher interface {
	PublishNotification(ctx context.Context, n core.Notification) error
	PublishTransactionExport(ctx context.Context, source string, transactionID int64) error
}

// GenerationResult is what one generation pass produced.
type GenerationResult struct {
	Created       []core.Transaction
	Notifications []core.Notification
}

// Generator materializes due occurrences of active definitions. Concurrent
// passes over the same definition are serialized with a per-definition
// mutex; the store's version guard covers writers outside this process.
type Generator struct {
	store  DefinitionStore
	events EventPublisher // nil disables publishing

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	maxBackfill int
	now         func() time.Time
}

func NewGenerator(store DefinitionStore, events EventPublisher, maxBackfill int) *Generator {
	if maxBackfill < 1 {
		maxBackfill = DefaultMaxBackfill
	}
	return &Generator{
		store:       store,
		events:      events,
		locks:       make(map[int64]*sync.Mutex),
		maxBackfill: maxBackfill,
		now:         time.Now,
	}
}

func (g *Generator) lockFor(definitionID int64) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[definitionID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[definitionID] = l
	}
	return l
}

// Generate runs one pass for a single owner. Each active definition is
// processed independently: a failure on one is logged and does not stop the
// others. The result lists everything actually created.
func (g *Generator) Generate(ctx context.Context, ownerID string) (*GenerationResult, error) {
	defs, err := g.store.ListActiveDefinitions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing active definitions for %s: %w", ownerID, err)
	}

	today := core.DateOf(g.now())
	result := &GenerationResult{}
	for _, def := range defs {
		created, err := g.generateOne(ctx, ownerID, def.ID, today)
		if err != nil {
			// Everything created before the failure is ledgered, so it still
			// gets its notification and export message below.
			slog.ErrorContext(ctx, "generation failed for definition",
				"owner", ownerID, "definition_id", def.ID, "error", err,
				"created_before_failure", len(created))
		}
		for _, tx := range created {
			n := notificationFor(tx)
			result.Created = append(result.Created, tx)
			result.Notifications = append(result.Notifications, n)
			g.publish(ctx, tx, n)
		}
	}
	return result, nil
}

// GenerateAll runs Generate for every known owner.
func (g *Generator) GenerateAll(ctx context.Context) error {
	owners, err := g.store.ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("listing owners: %w", err)
	}
	for _, owner := range owners {
		res, err := g.Generate(ctx, owner)
		if err != nil {
			slog.ErrorContext(ctx, "generation pass failed", "owner", owner, "error", err)
			continue
		}
		if len(res.Created) > 0 {
			slog.InfoContext(ctx, "generated recurring transactions",
				"owner", owner, "count", len(res.Created))
		}
	}
	return nil
}

// generateOne holds the definition lock for the whole plan-and-materialize
// pass. The definition is reloaded under the lock so the plan is computed
// against the ledger as it is now, not as it was when listed.
func (g *Generator) generateOne(ctx context.Context, ownerID string, definitionID int64, today core.Date) ([]core.Transaction, error) {
	lock := g.lockFor(definitionID)
	lock.Lock()
	defer lock.Unlock()

	def, err := g.store.GetDefinition(ctx, ownerID, definitionID)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, nil
	}

	missing, err := MissingDates(def, today, g.maxBackfill)
	if err != nil {
		return nil, err
	}

	var created []core.Transaction
	for _, on := range missing {
		tx, err := g.store.MaterializeOccurrence(ctx, &def, on)
		if err != nil {
			if errors.Is(err, core.ErrVersionConflict) {
				// Someone else moved the definition. Everything created so
				// far is ledgered; the rest is picked up next pass.
				slog.WarnContext(ctx, "version conflict, aborting definition pass",
					"definition_id", definitionID, "date", on.String())
				return created, nil
			}
			return created, fmt.Errorf("materializing %s: %w", on, err)
		}
		created = append(created, tx)
	}
	return created, nil
}

func (g *Generator) publish(ctx context.Context, tx core.Transaction, n core.Notification) {
	if g.events == nil {
		return
	}
	if err := g.events.PublishNotification(ctx, n); err != nil {
		slog.ErrorContext(ctx, "failed to publish notification",
			"transaction_id", tx.ID, "error", err)
	}
	source := "incomes"
	if tx.Amount.IsExpense() {
		source = "expenses"
	}
	if err := g.events.PublishTransactionExport(ctx, source, tx.ID); err != nil {
		slog.ErrorContext(ctx, "failed to publish export message",
			"transaction_id", tx.ID, "error", err)
	}
}

func notificationFor(tx core.Transaction) core.Notification {
	icon := "💰"
	if tx.Amount.IsExpense() {
		icon = "💸"
	}
	return core.Notification{
		Kind: "recurring_generated",
		Message: fmt.Sprintf("%s: %s€ il %s",
			tx.Description, tx.Amount.Abs().Decimal(), tx.Date),
		Date: tx.Date,
		Icon: icon,
	}
}
