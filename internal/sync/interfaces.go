// Package sync implements the offline action queue for snapqueue. It owns
// the item store, decides when to (re)attempt network operations, and
// merges server pages into local state without duplication.
//
// The package contains three main pieces:
//
//   - [Engine] exposes the command entry points (fetch, create, retry,
//     like, report, remove) and the automatic retry loop.
//   - keyedRunner serializes operations per item ID without a global lock.
//   - [Completion] reports the asynchronous outcome of a command.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/snapqueue/internal/connectivity"
	"github.com/njoerd114/snapqueue/internal/gateway"
	"github.com/njoerd114/snapqueue/internal/model"
)

// Gateway is the remote collection.
// Implemented by [gateway.Client].
type Gateway interface {
	FetchPage(ctx context.Context, cursor string) (gateway.Page, error)
	FetchSince(ctx context.Context, since time.Time) (gateway.Page, error)
	Create(ctx context.Context, item *model.Item) (model.Item, error)
	Like(ctx context.Context, id string, liked bool) (gateway.LikeState, error)
	Report(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Connectivity reports whether the network is usable.
// Implemented by [connectivity.Monitor].
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// Journal persists queued uploads across restarts.
// Implemented by [journal.Journal].
type Journal interface {
	Save(ctx context.Context, item model.Item) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]model.Item, error)
}

var (
	_ Gateway      = (*gateway.Client)(nil)
	_ Connectivity = (*connectivity.Monitor)(nil)
)

// nopJournal keeps the queue in memory only.
type nopJournal struct{}

func (nopJournal) Save(context.Context, model.Item) error        { return nil }
func (nopJournal) Delete(context.Context, string) error          { return nil }
func (nopJournal) LoadAll(context.Context) ([]model.Item, error) { return nil, nil }
