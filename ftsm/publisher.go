package ftsm

import (
	"context"
	"errors"
	"log"
	"time"

	"fleetcomm/store"
)

// runPublisher is the state publisher background task, spec §4.2.2. It
// never inserts: if no document is present yet for this component, it
// sleeps and retries without writing one.
func (f *FTSM) runPublisher(ctx context.Context) {
	defer f.doneWG.Done()

	st, err := f.storeFactory(ctx)
	if err != nil {
		log.Printf("[ftsm %s] publisher: open store: %v", f.name, err)
		return
	}
	defer st.Close()

	for f.State() != StateStopped {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.publishState(ctx, st)

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.opts.backgroundPeriod):
		}
	}
}

func (f *FTSM) publishState(ctx context.Context, st store.Store) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ftsm %s] publisher: recovered from panic: %v", f.name, r)
		}
	}()

	selector := map[string]any{"component_name": f.name}

	_, err := st.FindOne(ctx, f.opts.smStateCollection, selector)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[ftsm %s] publisher: find sm state: %v", f.name, err)
		}
		return
	}

	replacement := store.Document{
		"component_name": f.name,
		"state":          string(f.State()),
	}
	if err := st.ReplaceOne(ctx, f.opts.smStateCollection, selector, replacement); err != nil {
		log.Printf("[ftsm %s] publisher: replace sm state: %v", f.name, err)
	}
}
