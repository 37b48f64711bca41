package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"ricorrente/internal/core"
)

type fakeStore struct {
	defs   map[int64]*core.Definition
	nextTx int64

	// failOn makes MaterializeOccurrence fail for a specific date.
	failOn  map[string]error
	created []core.Transaction
}

func newFakeStore(defs ...*core.Definition) *fakeStore {
	s := &fakeStore{defs: make(map[int64]*core.Definition), failOn: make(map[string]error)}
	for _, d := range defs {
		s.defs[d.ID] = d
	}
	return s
}

func (s *fakeStore) ListOwners(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var owners []string
	for _, d := range s.defs {
		if !seen[d.OwnerID] {
			seen[d.OwnerID] = true
			owners = append(owners, d.OwnerID)
		}
	}
	return owners, nil
}

func (s *fakeStore) ListActiveDefinitions(ctx context.Context, ownerID string) ([]core.Definition, error) {
	var out []core.Definition
	for _, d := range s.defs {
		if d.OwnerID == ownerID && d.Active {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *fakeStore) GetDefinition(ctx context.Context, ownerID string, id int64) (core.Definition, error) {
	d, ok := s.defs[id]
	if !ok || d.OwnerID != ownerID {
		return core.Definition{}, core.ErrNotFound
	}
	return *d, nil
}

func (s *fakeStore) MaterializeOccurrence(ctx context.Context, def *core.Definition, on core.Date) (core.Transaction, error) {
	if err, ok := s.failOn[on.String()]; ok {
		return core.Transaction{}, err
	}
	stored := s.defs[def.ID]
	if stored.Version != def.Version {
		return core.Transaction{}, core.ErrVersionConflict
	}
	if stored.Ledgered(on) {
		return core.Transaction{}, fmt.Errorf("duplicate occurrence %s", on)
	}
	s.nextTx++
	tx := core.Transaction{
		ID:          s.nextTx,
		OwnerID:     def.OwnerID,
		Amount:      def.Amount,
		Category:    def.Category,
		Description: core.AnnotateGenerated(def.Description),
		Date:        on,
		Generated:   true,
	}
	stored.Ledger = append(stored.Ledger, core.LedgerEntry{Date: on, TransactionID: tx.ID})
	stored.Version++
	def.Ledger = stored.Ledger
	def.Version = stored.Version
	s.created = append(s.created, tx)
	return tx, nil
}

type fakePublisher struct {
	notifications []core.Notification
	exports       []string
}

func (p *fakePublisher) PublishNotification(ctx context.Context, n core.Notification) error {
	p.notifications = append(p.notifications, n)
	return nil
}

func (p *fakePublisher) PublishTransactionExport(ctx context.Context, source string, id int64) error {
	p.exports = append(p.exports, fmt.Sprintf("%s/%d", source, id))
	return nil
}

func fixedNow(d core.Date) func() time.Time {
	return func() time.Time { return d.Time }
}

func testDefinition(t *testing.T, id int64, cents int64) *core.Definition {
	t.Helper()
	s, err := core.ScheduleFromConfig(core.KindMonthly, core.ScheduleConfig{Day: 15})
	if err != nil {
		t.Fatal(err)
	}
	return &core.Definition{
		ID:          id,
		OwnerID:     "emilio",
		Amount:      core.Money{Cents: cents},
		Category:    "casa",
		Description: "affitto",
		Schedule:    s,
		StartDate:   core.NewDate(2024, 1, 15),
		Active:      true,
		Version:     1,
	}
}

func TestGenerate_BackfillsOnce(t *testing.T) {
	def := testDefinition(t, 1, -80000)
	store := newFakeStore(def)
	pub := &fakePublisher{}
	g := NewGenerator(store, pub, 0)
	g.now = fixedNow(core.NewDate(2024, 3, 20))

	res, err := g.Generate(context.Background(), "emilio")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(res.Created) != 3 {
		t.Fatalf("created %d transactions, want 3", len(res.Created))
	}
	if len(res.Notifications) != 3 {
		t.Errorf("got %d notifications, want 3", len(res.Notifications))
	}
	if len(pub.notifications) != 3 || len(pub.exports) != 3 {
		t.Errorf("published %d notifications / %d exports, want 3/3",
			len(pub.notifications), len(pub.exports))
	}
	if got := res.Created[0].Description; got != "affitto"+core.GeneratedSuffix {
		t.Errorf("description = %q, missing provenance suffix", got)
	}

	// Second pass creates nothing.
	res, err = g.Generate(context.Background(), "emilio")
	if err != nil {
		t.Fatalf("Generate() second pass error = %v", err)
	}
	if len(res.Created) != 0 {
		t.Errorf("second pass created %d transactions, want 0", len(res.Created))
	}
}

func TestGenerate_SignRouting(t *testing.T) {
	expense := testDefinition(t, 1, -1299)
	income := testDefinition(t, 2, 250000)
	income.Description = "stipendio"
	store := newFakeStore(expense, income)
	pub := &fakePublisher{}
	g := NewGenerator(store, pub, 0)
	g.now = fixedNow(core.NewDate(2024, 1, 20))

	if _, err := g.Generate(context.Background(), "emilio"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var expenses, incomes int
	for _, route := range pub.exports {
		switch {
		case strings.HasPrefix(route, "expenses/"):
			expenses++
		case strings.HasPrefix(route, "incomes/"):
			incomes++
		}
	}
	if expenses != 1 || incomes != 1 {
		t.Errorf("export routing = %v, want one expenses and one incomes", pub.exports)
	}
}

func TestGenerate_VersionConflictAborts(t *testing.T) {
	def := testDefinition(t, 1, -5000)
	store := newFakeStore(def)
	g := NewGenerator(store, nil, 0)
	g.now = fixedNow(core.NewDate(2024, 3, 20))

	store.failOn["2024-02-15"] = core.ErrVersionConflict

	res, err := g.Generate(context.Background(), "emilio")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	// January succeeded, February conflicted, March not attempted.
	if len(res.Created) != 1 {
		t.Fatalf("created %d transactions, want 1", len(res.Created))
	}
	if !res.Created[0].Date.Equal(core.NewDate(2024, 1, 15)) {
		t.Errorf("created date = %s, want 2024-01-15", res.Created[0].Date)
	}
	if !store.defs[1].Ledgered(core.NewDate(2024, 1, 15)) {
		t.Error("January occurrence not ledgered")
	}

	// Conflict cleared: the next pass picks up the remainder.
	delete(store.failOn, "2024-02-15")
	res, err = g.Generate(context.Background(), "emilio")
	if err != nil {
		t.Fatalf("Generate() retry error = %v", err)
	}
	if len(res.Created) != 2 {
		t.Errorf("retry created %d transactions, want 2", len(res.Created))
	}
}

func TestGenerate_PartialFailureKeepsEarlierLedger(t *testing.T) {
	def := testDefinition(t, 1, -5000)
	store := newFakeStore(def)
	pub := &fakePublisher{}
	g := NewGenerator(store, pub, 0)
	g.now = fixedNow(core.NewDate(2024, 3, 20))

	store.failOn["2024-03-15"] = fmt.Errorf("disk full")

	res, err := g.Generate(context.Background(), "emilio")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	// January and February are ledgered, so they must be reported and
	// published even though March failed.
	if len(res.Created) != 2 {
		t.Fatalf("created %d transactions, want 2 before the failure", len(res.Created))
	}
	if len(res.Notifications) != 2 {
		t.Errorf("got %d notifications, want 2", len(res.Notifications))
	}
	if len(pub.notifications) != 2 || len(pub.exports) != 2 {
		t.Errorf("published %d notifications / %d exports, want 2/2",
			len(pub.notifications), len(pub.exports))
	}
	if !store.defs[1].Ledgered(core.NewDate(2024, 2, 15)) {
		t.Error("February occurrence not ledgered after later failure")
	}

	// Failure cleared: only March is left.
	delete(store.failOn, "2024-03-15")
	res, err = g.Generate(context.Background(), "emilio")
	if err != nil {
		t.Fatalf("Generate() retry error = %v", err)
	}
	if len(res.Created) != 1 {
		t.Fatalf("retry created %d transactions, want 1", len(res.Created))
	}
	if !res.Created[0].Date.Equal(core.NewDate(2024, 3, 15)) {
		t.Errorf("retry created %s, want 2024-03-15", res.Created[0].Date)
	}
}

func TestGenerate_InactiveSkipped(t *testing.T) {
	def := testDefinition(t, 1, -5000)
	def.Active = false
	store := newFakeStore(def)
	g := NewGenerator(store, nil, 0)
	g.now = fixedNow(core.NewDate(2024, 3, 20))

	res, err := g.Generate(context.Background(), "emilio")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(res.Created) != 0 {
		t.Errorf("created %d transactions for inactive definition, want 0", len(res.Created))
	}
}

func TestGenerateAll(t *testing.T) {
	a := testDefinition(t, 1, -5000)
	b := testDefinition(t, 2, -3000)
	b.OwnerID = "chiara"
	store := newFakeStore(a, b)
	g := NewGenerator(store, nil, 0)
	g.now = fixedNow(core.NewDate(2024, 1, 20))

	if err := g.GenerateAll(context.Background()); err != nil {
		t.Fatalf("GenerateAll() error = %v", err)
	}
	if len(store.created) != 2 {
		t.Errorf("created %d transactions across owners, want 2", len(store.created))
	}
}
