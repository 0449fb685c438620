// Package relation populates the categorical lookup tables and the
// movie_and_<class> junction tables.
//
// The resolver assumes a single writer. Its id cache is never invalidated:
// lookup rows are never renamed or deleted. The store side inserts are
// conflict-tolerant, so a second writer can at worst cause a cache miss,
// never a duplicate row.
package relation

import (
	"context"
	"fmt"
	"log"
	"time"

	"kobisetl/internal/metrics"
	"kobisetl/internal/storage"
	"kobisetl/internal/transformer"
)

// Logger is the minimal logging interface used by the resolver.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Stats counts what Apply changed.
type Stats struct {
	EntitiesCreated int64
	LinksCreated    int64
	LinksExisting   int64
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.EntitiesCreated += o.EntitiesCreated
	s.LinksCreated += o.LinksCreated
	s.LinksExisting += o.LinksExisting
}

// Resolver implements get-or-create for categorical names and
// link-if-absent for junction rows.
type Resolver struct {
	Repo   storage.Repository
	Logger Logger

	// cache[class][name] = id
	cache map[storage.EntityClass]map[string]int64
}

// New returns a Resolver with an empty cache.
func New(repo storage.Repository, logger Logger) *Resolver {
	return &Resolver{Repo: repo, Logger: logger}
}

// Prewarm loads every existing name for every class into the cache so
// steady-state runs issue no lookup queries.
func (r *Resolver) Prewarm(ctx context.Context) error {
	start := time.Now()
	var n int
	for _, c := range storage.EntityClasses {
		all, err := r.Repo.SelectAllEntities(ctx, c)
		if err != nil {
			return err
		}
		cm := r.classCache(c)
		for name, id := range all {
			cm[name] = id
		}
		n += len(all)
	}
	r.logf("stage=prewarm ok entities=%d duration=%s", n, time.Since(start).Truncate(time.Millisecond))
	return nil
}

// ResolveOrCreate returns the id for name, inserting it when absent.
// Names match exactly: "Drama" and "Drama " are different entities.
func (r *Resolver) ResolveOrCreate(ctx context.Context, class storage.EntityClass, name string) (int64, bool, error) {
	if !class.Valid() {
		return 0, false, fmt.Errorf("relation: unknown entity class %q", class)
	}
	if name == "" {
		return 0, false, fmt.Errorf("relation: empty %s name", class)
	}

	cm := r.classCache(class)
	if id, ok := cm[name]; ok {
		return id, false, nil
	}

	id, ok, err := r.Repo.LookupEntity(ctx, class, name)
	if err != nil {
		return 0, false, err
	}
	if ok {
		cm[name] = id
		return id, false, nil
	}

	id, err = r.Repo.InsertEntity(ctx, class, name)
	if err != nil {
		return 0, false, err
	}
	cm[name] = id
	return id, true, nil
}

// LinkIfAbsent ensures the (movieCode, id) junction row exists and reports
// whether this call created it.
func (r *Resolver) LinkIfAbsent(ctx context.Context, movieCode string, class storage.EntityClass, id int64) (bool, error) {
	exists, err := r.Repo.LinkExists(ctx, class, movieCode, id)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	return r.Repo.InsertLink(ctx, class, movieCode, id)
}

// Apply resolves and links every tuple in order. The first failure stops
// the batch; rows written before it stay written.
func (r *Resolver) Apply(ctx context.Context, tuples []transformer.RelationTuple) (Stats, error) {
	var st Stats
	for _, t := range tuples {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		id, created, err := r.ResolveOrCreate(ctx, t.Class, t.Name)
		if err != nil {
			return st, fmt.Errorf("relation: resolve %s %q: %w", t.Class, t.Name, err)
		}
		if created {
			st.EntitiesCreated++
			r.logf("stage=relate created %s id=%d name=%q", t.Class, id, t.Name)
		}

		linked, err := r.LinkIfAbsent(ctx, t.MovieCode, t.Class, id)
		if err != nil {
			return st, fmt.Errorf("relation: link %s %s=%d: %w", t.MovieCode, t.Class, id, err)
		}
		if linked {
			st.LinksCreated++
		} else {
			st.LinksExisting++
		}
	}

	metrics.RecordRecords("entity_created", st.EntitiesCreated)
	metrics.RecordRecords("link_created", st.LinksCreated)
	return st, nil
}

func (r *Resolver) classCache(c storage.EntityClass) map[string]int64 {
	if r.cache == nil {
		r.cache = make(map[storage.EntityClass]map[string]int64, len(storage.EntityClasses))
	}
	cm := r.cache[c]
	if cm == nil {
		cm = make(map[string]int64)
		r.cache[c] = cm
	}
	return cm
}

func (r *Resolver) logf(format string, v ...any) {
	if r.Logger == nil {
		return
	}
	r.Logger.Printf(format, v...)
}

var _ Logger = (*log.Logger)(nil)
