package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/koltyakov/edgetun/internal/domain"
)

// ErrDuplicateIdentity is returned by [Registry.Add] for an id that is
// already registered.
var ErrDuplicateIdentity = errors.New("identity already registered")

// ErrDuplicateName is returned by [Registry.Add] when another identity has
// the same name. Certificates are stored under the identity name, so names
// must be unique.
var ErrDuplicateName = errors.New("identity name already in use")

// Record is the persisted form of an identity.
type Record struct {
	Document Document
	Enrolled bool
}

// Record snapshots the identity for persistence.
func (id *Identity) Record() Record {
	return Record{Document: id.Document(), Enrolled: id.Enrolled()}
}

// FromRecord restores a persisted identity.
func FromRecord(rec Record) (*Identity, error) {
	id, err := FromDocument(rec.Document)
	if err != nil {
		return nil, err
	}
	id.enrolled = rec.Enrolled
	return id, nil
}

// Persister stores identity records durably.
type Persister interface {
	LoadIdentities(ctx context.Context) ([]Record, error)
	SaveIdentity(ctx context.Context, rec Record) error
	DeleteIdentity(ctx context.Context, id string) error
}

// ReleaseFunc frees the key pair and certificates held for an identity.
type ReleaseFunc func(ctx context.Context, id *Identity) error

// EventKind names a registry notification.
type EventKind string

const (
	EventAdded            EventKind = "added"
	EventChanged          EventKind = "changed"
	EventRemoved          EventKind = "removed"
	EventRestartRequested EventKind = "restart_requested"
)

// Event notifies subscribers that an identity or its service list changed.
type Event struct {
	Kind       EventKind
	IdentityID string
}

const defaultSubscriberBuffer = 16

// Registry owns the identity table. Edge clients and tunnels hold
// references to identities but never outlive their removal.
type Registry struct {
	persist Persister
	release ReleaseFunc
	log     *slog.Logger

	mu    sync.RWMutex
	items map[string]*Identity

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewRegistry creates a registry. persist and release may be nil.
func NewRegistry(persist Persister, release ReleaseFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		persist: persist,
		release: release,
		log:     logger,
		items:   make(map[string]*Identity),
		subs:    make(map[int]chan Event),
	}
}

// Load restores persisted identities, skipping records that no longer
// validate.
func (r *Registry) Load(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	recs, err := r.persist.LoadIdentities(ctx)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		id, err := FromRecord(rec)
		if err != nil {
			r.log.Warn("skipping stored identity", "identity_id", rec.Document.Identity.ID, "err", err)
			continue
		}
		r.items[id.ID] = id
	}
	return nil
}

func (r *Registry) Add(ctx context.Context, id *Identity) error {
	r.mu.Lock()
	if _, ok := r.items[id.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, id.ID)
	}
	for _, other := range r.items {
		if other.Name == id.Name {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q (identity %s)", ErrDuplicateName, id.Name, other.ID)
		}
	}
	r.items[id.ID] = id
	r.mu.Unlock()

	if err := r.save(ctx, id); err != nil {
		r.mu.Lock()
		delete(r.items, id.ID)
		r.mu.Unlock()
		return err
	}
	r.Publish(Event{Kind: EventAdded, IdentityID: id.ID})
	return nil
}

func (r *Registry) Get(id string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIdentityNotFound, id)
	}
	return item, nil
}

// List returns identities ordered by name, then id.
func (r *Registry) List() []*Identity {
	r.mu.RLock()
	out := make([]*Identity, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Touch persists the identity's current state and notifies subscribers.
func (r *Registry) Touch(ctx context.Context, id string) error {
	item, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := r.save(ctx, item); err != nil {
		return err
	}
	r.Publish(Event{Kind: EventChanged, IdentityID: id})
	return nil
}

// Remove cancels in-flight calls for the identity, releases its key
// material, and deletes the persisted record.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	item, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrIdentityNotFound, id)
	}

	item.markRemoved()

	var errs []error
	if r.release != nil {
		if err := r.release(ctx, item); err != nil {
			errs = append(errs, fmt.Errorf("release key material: %w", err))
		}
	}
	if r.persist != nil {
		if err := r.persist.DeleteIdentity(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete identity record: %w", err))
		}
	}
	r.Publish(Event{Kind: EventRemoved, IdentityID: id})
	return errors.Join(errs...)
}

// Subscribe returns a channel of registry events and a cancel func. Events
// are dropped for subscribers that fall behind.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, defaultSubscriberBuffer)
	r.subMu.Lock()
	key := r.nextSub
	r.nextSub++
	r.subs[key] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, key)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) Publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.log.Debug("dropping identity event", "kind", ev.Kind, "identity_id", ev.IdentityID)
		}
	}
}

func (r *Registry) save(ctx context.Context, id *Identity) error {
	if r.persist == nil {
		return nil
	}
	if err := r.persist.SaveIdentity(ctx, id.Record()); err != nil {
		return fmt.Errorf("save identity %s: %w", id.ID, err)
	}
	return nil
}
