// Command replay-demo rebuilds a read model from scratch by replaying every
// committed event through ReplayEventsFromCursor, independent of live
// publication. It runs entirely against storemem so it needs no external
// database.
package main

import (
	"context"
	"fmt"
	"log"

	ges "github.com/mickamy/ges"
	"github.com/mickamy/ges/storemem"
)

type accountOpened struct {
	AccountID string
	Owner     string
}

func (accountOpened) EventType() string { return "AccountOpened" }

type moneyDeposited struct{ Amount int64 }

func (moneyDeposited) EventType() string { return "MoneyDeposited" }

// balances is the read model rebuilt purely from replayed events.
type balances struct {
	byAccount map[string]int64
}

func (b *balances) handler() ges.MessageHandler {
	h := ges.NewHandler("balances-projector")
	ges.On(h, func(_ context.Context, _ accountOpened, se ges.StoredEvent) error {
		b.byAccount[se.AggregateID] = 0
		return nil
	})
	ges.On(h, func(_ context.Context, ev moneyDeposited, se ges.StoredEvent) error {
		b.byAccount[se.AggregateID] += ev.Amount
		return nil
	})
	return h
}

func main() {
	ctx := context.Background()
	store := storemem.New()

	seedAccount(ctx, store, "acct-1", "Taro", 500, 250)
	seedAccount(ctx, store, "acct-2", "Hanako", 100)

	sourcer, ok := any(store).(ges.EventSourcer)
	if !ok {
		log.Fatal("storemem.EventStore does not implement ges.EventSourcer")
	}

	model := &balances{byAccount: make(map[string]int64)}
	handlers := []ges.MessageHandler{model.handler()}

	err := ges.ReplayEventsFromCursor(ctx, sourcer.EventSource(), 0, 2, handlers,
		func(cumulative int, lastXactID int64, lastAggregateID string) {
			fmt.Printf("replayed %d events so far (last xact_id=%d, aggregate=%s)\n", cumulative, lastXactID, lastAggregateID)
		})
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	for id, balance := range model.byAccount {
		fmt.Printf("account %s: balance=%d\n", id, balance)
	}
}

func seedAccount(ctx context.Context, store *storemem.EventStore, id, owner string, deposits ...int64) {
	aggregateID := "Account:" + id
	events := []ges.EventInput{{
		AggregateID:    aggregateID,
		SequenceNumber: 1,
		EventType:      "AccountOpened",
		Payload:        accountOpened{AccountID: id, Owner: owner},
	}}
	for i, amount := range deposits {
		events = append(events, ges.EventInput{
			AggregateID:    aggregateID,
			SequenceNumber: int64(i) + 2,
			EventType:      "MoneyDeposited",
			Payload:        moneyDeposited{Amount: amount},
		})
	}

	cmdType := "SeedAccount"
	if _, err := store.CommitEvents(ctx, ges.CommandInput{AggregateID: &aggregateID, CommandType: cmdType},
		[]ges.StreamEvents{{
			Stream: ges.StreamDescriptor{AggregateID: aggregateID, AggregateType: "Account"},
			Events: events,
		}}); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
}
