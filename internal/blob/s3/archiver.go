package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alcyone-trading/execbot/internal/domain"
)

// EventArchiveStore is the narrow read interface the archiver needs: the
// event store's time-ranged query, nothing else.
type EventArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.OrderEvent, error)
}

// Uploader is the blob write interface the archiver needs. Implemented by
// Client.
type Uploader interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver exports order events older than a cutoff to JSONL objects in
// object storage, one object per archive run. Deleting the archived rows
// from the primary store is a separate, explicit step performed after the
// archive has been verified.
type Archiver struct {
	uploader Uploader
	events   EventArchiveStore
}

// NewArchiver creates an Archiver over the given uploader and event store.
func NewArchiver(uploader Uploader, events EventArchiveStore) *Archiver {
	return &Archiver{uploader: uploader, events: events}
}

// ArchiveEvents serializes every order event before the cutoff to JSONL and
// uploads it under events/YYYY/MM/DD.jsonl (keyed by the cutoff date). It
// returns the number of archived events; zero events uploads nothing.
func (a *Archiver) ArchiveEvents(ctx context.Context, before time.Time) (int, error) {
	events, err := a.events.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: query events before %s: %w", before, err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return 0, fmt.Errorf("s3blob: encode event for %s: %w", evt.OrderID, err)
		}
	}

	key := fmt.Sprintf("events/%s.jsonl", before.UTC().Format("2006/01/02"))
	if err := a.uploader.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, err
	}
	return len(events), nil
}
