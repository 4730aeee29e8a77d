// Package notifier maintains the one long-lived LISTEN connection spec
// §4.2 describes, dispatching incoming payloads to per-channel callbacks.
// Grounded on the teacher's use of puddle.Pool as the resource manager
// underneath pgxpool -- here it guards a single dedicated connection
// instead of a checked-out-by-many pool, since a LISTEN session must stay
// pinned to one physical connection for the lifetime of its subscriptions.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/puddle/v2"

	"github.com/oban-go/oban/internal/baseservice"
)

// Channel names one of the three LISTEN channels the runtime uses.
type Channel string

const (
	ChannelInsert Channel = "oban_insert"
	ChannelSignal Channel = "oban_signal"
	ChannelLeader Channel = "oban_leader"
)

var allChannels = []Channel{ChannelInsert, ChannelSignal, ChannelLeader} //nolint:gochecknoglobals

// SignalPayload is the JSON shape published on ChannelSignal: ident is
// either "any" or "{name}.{node}" (spec §4.2, §9's "codify the signal
// ident grammar").
type SignalPayload struct {
	Queue  string `json:"queue"`
	Ident  string `json:"ident"`
	Action string `json:"action"`
}

// Callback receives a notification's raw JSON payload. Delivery is
// best-effort (spec §4.2's contract): a callback that wants guaranteed
// pickup must also be driven by a polling timer elsewhere.
type Callback func(payload string)

const reconnectBackoff = 2 * time.Second

// Notifier owns a single-resource puddle pool wrapping a dedicated pgx
// connection kept in LISTEN state on every channel in allChannels.
type Notifier struct {
	baseservice.BaseService

	connString string
	pool       *puddle.Pool[*pgx.Conn]

	mu        sync.RWMutex
	callbacks map[Channel][]*subscription
}

type subscription struct {
	id int64
	cb Callback
}

// New returns a Notifier that will dial connString on Run.
func New(archetype *baseservice.Archetype, connString string) (*Notifier, error) {
	n := &Notifier{
		BaseService: baseservice.NewBaseService(archetype, "notifier"),
		connString:  connString,
		callbacks:   make(map[Channel][]*subscription),
	}

	pool, err := puddle.NewPool(&puddle.Config[*pgx.Conn]{
		Constructor: n.connect,
		Destructor:  func(conn *pgx.Conn) { conn.Close(context.Background()) },
		MaxSize:     1,
	})
	if err != nil {
		return nil, err
	}
	n.pool = pool

	return n, nil
}

func (n *Notifier) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, n.connString)
	if err != nil {
		return nil, err
	}

	for _, ch := range allChannels {
		if _, err := conn.Exec(ctx, "LISTEN "+string(ch)); err != nil {
			conn.Close(context.Background())
			return nil, err
		}
	}

	return conn, nil
}

// Listen registers cb to receive payloads published on channel. The
// returned func removes the subscription.
func (n *Notifier) Listen(channel Channel, cb Callback) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &subscription{id: nextSubID(), cb: cb}
	n.callbacks[channel] = append(n.callbacks[channel], sub)

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		subs := n.callbacks[channel]
		for i, s := range subs {
			if s.id == sub.id {
				n.callbacks[channel] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

var subIDCounter int64 //nolint:gochecknoglobals

func nextSubID() int64 {
	subIDCounter++
	return subIDCounter
}

func (n *Notifier) dispatch(channel Channel, payload string) {
	n.mu.RLock()
	subs := append([]*subscription(nil), n.callbacks[channel]...)
	n.mu.RUnlock()

	for _, sub := range subs {
		n.invokeSafely(sub.cb, payload)
	}
}

func (n *Notifier) invokeSafely(cb Callback, payload string) {
	defer func() {
		if r := recover(); r != nil {
			n.Logger().Error("notifier callback panicked", "recovered", r)
		}
	}()
	cb(payload)
}

// Run drives the LISTEN loop until ctx is cancelled. It reconnects with a
// fixed backoff whenever the underlying connection is lost, per spec
// §4.2's "a missed notification must never cause correctness loss"
// contract -- callers never see an error from a transient disconnect.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		res, err := n.pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.Logger().Warn("notifier: failed to acquire listen connection", "error", err)
			n.sleep(ctx, reconnectBackoff)
			continue
		}

		n.listenUntilBroken(ctx, res)
	}
}

func (n *Notifier) listenUntilBroken(ctx context.Context, res *puddle.Resource[*pgx.Conn]) {
	conn := res.Value()

	for {
		notif, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				res.Release()
				return
			}
			n.Logger().Warn("notifier: listen connection broken, reconnecting", "error", err)
			res.Destroy()
			n.sleep(ctx, reconnectBackoff)
			return
		}

		n.dispatch(Channel(notif.Channel), notif.Payload)
	}
}

func (n *Notifier) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close releases the puddle pool and its dedicated connection.
func (n *Notifier) Close() {
	n.pool.Close()
}
