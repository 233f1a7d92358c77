package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"update-catalog/upstream"
)

// MetadataSource yields remote packages not present in exclude.
type MetadataSource interface {
	Each(ctx context.Context, exclude map[uuid.UUID]struct{}, progress upstream.ProgressFunc, fn func(*upstream.Package) error) error
}

// SourceFactory opens the sources used by one refresh.
type SourceFactory interface {
	CategorySource() MetadataSource
	UpdateSource(filter upstream.UpdateFilter) MetadataSource
}

// ClientSources opens sources on a single upstream session.
type ClientSources struct {
	Client *upstream.Client
}

func (s ClientSources) CategorySource() MetadataSource {
	return upstream.NewCategorySource(s.Client)
}

func (s ClientSources) UpdateSource(filter upstream.UpdateFilter) MetadataSource {
	return upstream.NewUpdateSource(s.Client, filter)
}

type RunnerConfig struct {
	Debug            bool
	Selection        Selection
	ThrottleInterval time.Duration
}

// Runner performs metadata refreshes. Refreshes must not overlap; Run
// guarantees that for its own schedule.
type Runner struct {
	cfg      RunnerConfig
	store    *Store
	sources  SourceFactory
	status   *SyncStatus
	throttle *Throttle
	logger   *zap.Logger
}

type runStats struct {
	Categories int
	Products   int
	Detectoids int
	Updates    int
	Bundles    int
	Throttled  int
}

// errPhaseStopped ends a phase when the remote sends a kind it should not.
var errPhaseStopped = errors.New("unexpected package kind")

func NewRunner(cfg RunnerConfig, store *Store, sources SourceFactory, status *SyncStatus, logger *zap.Logger) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sources == nil {
		return nil, fmt.Errorf("sources are required")
	}
	if err := cfg.Selection.Validate(); err != nil {
		return nil, err
	}
	if status == nil {
		status = NewSyncStatus()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		store:    store,
		sources:  sources,
		status:   status,
		throttle: NewThrottle(cfg.ThrottleInterval, cfg.Debug),
		logger:   logger.Named("runner"),
	}, nil
}

func (r *Runner) Status() *SyncStatus {
	return r.status
}

// Restore loads persisted sync state and record counts so a restarted
// process can serve reads before its first refresh finishes.
func (r *Runner) Restore(ctx context.Context) error {
	st, err := r.store.SyncState(ctx)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	counts, err := r.store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}
	r.status.SetCounts(counts)
	if st.InitialSyncComplete {
		r.status.MarkInitialSyncComplete()
		r.logger.Info("restored sync state", zap.Time("last_refresh", st.LastRefreshAt))
	}
	return nil
}

// Run refreshes immediately and then once per interval until ctx is done.
// A failed refresh is logged and retried on the next tick.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("metadata refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one full refresh: classifications, then updates, then
// bundle resolution. On error the state is left where the refresh stopped.
func (r *Runner) RunOnce(ctx context.Context) error {
	start := time.Now()
	stats := &runStats{}

	r.status.SetState(StateLoadingMetadata)
	r.logInfo("Beginning metadata refresh")
	counts, err := r.store.Counts(ctx)
	if err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("count records: %w", err)
	}
	r.status.SetCounts(counts)
	r.throttle.Arm()

	if err := r.syncClassifications(ctx, stats); err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("classification phase: %w", err)
	}
	bundles, err := r.syncUpdates(ctx, stats)
	if err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("update phase: %w", err)
	}
	if err := r.resolveBundles(ctx, bundles, stats); err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("bundle phase: %w", err)
	}

	r.status.SetState(StateIdle)
	r.logInfo("Metadata refresh complete")
	r.status.MarkInitialSyncComplete()
	if err := r.store.SaveSyncState(ctx, SyncState{InitialSyncComplete: true, LastRefreshAt: time.Now().UTC()}); err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("save sync state: %w", err)
	}

	refreshTotal.WithLabelValues("ok").Inc()
	refreshDuration.Observe(time.Since(start).Seconds())
	r.logger.Info("refresh done",
		zap.Int("categories", stats.Categories),
		zap.Int("products", stats.Products),
		zap.Int("detectoids", stats.Detectoids),
		zap.Int("updates", stats.Updates),
		zap.Int("bundles", stats.Bundles),
		zap.Int("throttled", stats.Throttled),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (r *Runner) syncClassifications(ctx context.Context, stats *runStats) error {
	known, err := r.store.ClassificationIDs(ctx)
	if err != nil {
		return fmt.Errorf("load known classifications: %w", err)
	}
	r.logger.Debug("known classifications", zap.Int("count", len(known)))

	err = r.sources.CategorySource().Each(ctx, known, r.progress("Classifications"), func(pkg *upstream.Package) error {
		switch pkg.Kind {
		case upstream.KindClassification:
			c := &Category{ID: pkg.Identity.ID, Revision: pkg.Identity.Revision, Name: pkg.Title}
			if err := r.store.AddCategory(ctx, c); err != nil {
				return fmt.Errorf("add category %s: %w", c.ID, err)
			}
			r.persisted(kindCategory)
			stats.Categories++
			r.logger.Debug("Added classification", zap.String("id", c.ID.String()), zap.String("name", c.Name))
		case upstream.KindProduct:
			p := &Product{
				ID:                pkg.Identity.ID,
				Revision:          pkg.Identity.Revision,
				Name:              pkg.Title,
				ParentCategoryIDs: pkg.CategoryIDs,
			}
			if err := r.store.AddProduct(ctx, p); err != nil {
				return fmt.Errorf("add product %s: %w", p.ID, err)
			}
			r.persisted(kindProduct)
			stats.Products++
			r.logger.Debug("Added product", zap.String("id", p.ID.String()), zap.String("name", p.Name))
		case upstream.KindDetectoid:
			d := &Detectoid{ID: pkg.Identity.ID, Revision: pkg.Identity.Revision, Name: pkg.Title}
			if err := r.store.AddDetectoid(ctx, d); err != nil {
				return fmt.Errorf("add detectoid %s: %w", d.ID, err)
			}
			r.persisted(kindDetectoid)
			stats.Detectoids++
		default:
			return r.stopPhase("Classifications", pkg)
		}
		return r.checkThrottle(ctx, stats)
	})
	if errors.Is(err, errPhaseStopped) {
		return nil
	}
	return err
}

// bundleTable maps a parent update to its children in the order parents
// were seen.
type bundleTable struct {
	order    []uuid.UUID
	children map[uuid.UUID][]uuid.UUID
}

func newBundleTable() *bundleTable {
	return &bundleTable{children: make(map[uuid.UUID][]uuid.UUID)}
}

func (b *bundleTable) add(parent uuid.UUID, children []uuid.UUID) {
	if _, ok := b.children[parent]; !ok {
		b.order = append(b.order, parent)
	}
	b.children[parent] = children
}

func (r *Runner) syncUpdates(ctx context.Context, stats *runStats) (*bundleTable, error) {
	known, err := r.store.UpdateIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load known updates: %w", err)
	}
	categories, err := r.store.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	products, err := r.store.Products(ctx)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	resolver := newCategoryResolver(categories, products)

	filter := upstream.UpdateFilter{
		ProductIDs:        r.cfg.Selection.ProductIDs(),
		ClassificationIDs: r.cfg.Selection.CategoryIDs(),
	}
	bundles := newBundleTable()

	err = r.sources.UpdateSource(filter).Each(ctx, known, r.progress("Updates"), func(pkg *upstream.Package) error {
		if pkg.Kind != upstream.KindSoftwareUpdate {
			return r.stopPhase("Updates", pkg)
		}
		u := r.newUpdate(pkg, resolver)
		if len(pkg.BundledIDs) > 0 {
			u.Files = []File{}
			u.BundledUpdateIDs = pkg.BundledIDs
			bundles.add(u.ID, pkg.BundledIDs)
		}
		if err := r.store.AddUpdate(ctx, u); err != nil {
			return fmt.Errorf("add update %s: %w", u.ID, err)
		}
		r.persisted(kindUpdate)
		stats.Updates++
		r.logger.Debug("Added update", zap.String("id", u.ID.String()), zap.String("title", u.Title))
		return r.checkThrottle(ctx, stats)
	})
	if err != nil && !errors.Is(err, errPhaseStopped) {
		return nil, err
	}
	return bundles, nil
}

func (r *Runner) newUpdate(pkg *upstream.Package, resolver *categoryResolver) *Update {
	u := &Update{
		ID:                  pkg.Identity.ID,
		Revision:            pkg.Identity.Revision,
		Title:               pkg.Title,
		Description:         pkg.Description,
		CreationDate:        pkg.CreationDate,
		KBArticleID:         pkg.KBArticleID,
		Files:               convertFiles(pkg.Files),
		BundledUpdateIDs:    []uuid.UUID{},
		SupersededUpdateIDs: pkg.SupersededIDs,
	}
	if u.SupersededUpdateIDs == nil {
		u.SupersededUpdateIDs = []uuid.UUID{}
	}
	u.Products = resolver.products(pkg.CategoryIDs)
	classes := resolver.classifications(pkg.CategoryIDs)
	if len(classes) > 1 {
		r.logger.Debug("update has several classifications, using the first",
			zap.String("id", u.ID.String()), zap.Int("matches", len(classes)))
	}
	if len(classes) > 0 {
		c := classes[0]
		u.Classification = &c
		u.ClassificationID = c.ID.String()
	}
	return u
}

// resolveBundles copies each child's files onto its bundle parent and clears
// the parent's bundle marker. Parents left unresolved by an earlier aborted
// refresh are picked up too.
func (r *Runner) resolveBundles(ctx context.Context, bundles *bundleTable, stats *runStats) error {
	pending, err := r.store.PendingBundles(ctx)
	if err != nil {
		return fmt.Errorf("load pending bundles: %w", err)
	}
	for _, id := range pending {
		if _, ok := bundles.children[id]; ok {
			continue
		}
		parent, err := r.store.Update(ctx, id)
		if err != nil {
			return fmt.Errorf("load bundle %s: %w", id, err)
		}
		bundles.add(id, parent.BundledUpdateIDs)
	}

	total := len(bundles.order)
	for i, parentID := range bundles.order {
		if err := ctx.Err(); err != nil {
			return err
		}
		parent, err := r.store.Update(ctx, parentID)
		if errors.Is(err, ErrNotFound) {
			r.logger.Warn("bundle parent missing", zap.String("id", parentID.String()))
			continue
		}
		if err != nil {
			return fmt.Errorf("load bundle %s: %w", parentID, err)
		}

		files := []File{}
		for _, childID := range bundles.children[parentID] {
			child, err := r.store.Update(ctx, childID)
			if errors.Is(err, ErrNotFound) {
				r.logger.Debug("bundle child missing", zap.String("parent", parentID.String()), zap.String("child", childID.String()))
				continue
			}
			if err != nil {
				return fmt.Errorf("load bundle child %s: %w", childID, err)
			}
			files = append(files, child.Files...)
		}
		parent.Files = files
		parent.BundledUpdateIDs = []uuid.UUID{}
		if err := r.store.ReplaceUpdate(ctx, parent); err != nil {
			return fmt.Errorf("replace bundle %s: %w", parentID, err)
		}
		bundlesResolved.Inc()
		stats.Bundles++
		r.status.Logf("Bundles: %d/%d", i+1, total)
		r.logger.Debug("resolved bundle", zap.String("id", parentID.String()), zap.Int("files", len(files)), zap.Int("current", i+1), zap.Int("total", total))
	}
	return nil
}

// stopPhase records the package that ended a phase early. The package is
// not stored, so later refreshes stop at it again until upstream changes.
func (r *Runner) stopPhase(phase string, pkg *upstream.Package) error {
	phaseStops.WithLabelValues(phase).Inc()
	r.status.Logf("%s: stopped at unexpected %s %s", phase, pkg.Kind, pkg.Identity.ID)
	r.logger.Warn("phase stopped on unexpected package",
		zap.String("phase", phase),
		zap.String("id", pkg.Identity.ID.String()),
		zap.Int("revision", pkg.Identity.Revision),
		zap.Stringer("kind", pkg.Kind))
	return errPhaseStopped
}

func (r *Runner) checkThrottle(ctx context.Context, stats *runStats) error {
	if !r.throttle.Due() {
		return nil
	}
	throttleTotal.Inc()
	stats.Throttled++
	r.status.SetState(StateThrottling)
	r.logInfo("Throttling metadata requests")
	if err := r.throttle.Wait(ctx); err != nil {
		return err
	}
	r.status.SetState(StateLoadingMetadata)
	r.logInfo("Resuming metadata refresh")
	return nil
}

func (r *Runner) progress(phase string) upstream.ProgressFunc {
	return func(p upstream.Progress) {
		r.status.Logf("%s: %d/%d", phase, p.Current, p.Total)
		r.logger.Info("progress", zap.String("phase", phase), zap.Int("current", p.Current), zap.Int("total", p.Total))
	}
}

func (r *Runner) persisted(kind recordKind) {
	r.status.Added(kind)
	recordsPersisted.WithLabelValues(string(kind)).Inc()
}

func (r *Runner) logInfo(msg string) {
	r.status.Logf("%s", msg)
	r.logger.Info(msg)
}

// categoryResolver matches the raw category ids of an update against stored
// classifications and products.
type categoryResolver struct {
	categories   map[uuid.UUID]Category
	productsByID map[uuid.UUID]Product
}

func newCategoryResolver(categories []Category, products []Product) *categoryResolver {
	res := &categoryResolver{
		categories:   make(map[uuid.UUID]Category, len(categories)),
		productsByID: make(map[uuid.UUID]Product, len(products)),
	}
	for _, c := range categories {
		res.categories[c.ID] = c
	}
	for _, p := range latestProducts(products) {
		res.productsByID[p.ID] = p
	}
	return res
}

func (res *categoryResolver) products(raw []string) []ProductRef {
	out := []ProductRef{}
	seen := make(map[uuid.UUID]struct{})
	for _, id := range parseRawIDs(raw) {
		p, ok := res.productsByID[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, ProductRef{ID: p.ID, Name: p.Name})
	}
	return out
}

func (res *categoryResolver) classifications(raw []string) []CategoryRef {
	var out []CategoryRef
	for _, id := range parseRawIDs(raw) {
		if c, ok := res.categories[id]; ok {
			out = append(out, CategoryRef{ID: c.ID, Name: c.Name})
		}
	}
	return out
}

func parseRawIDs(raw []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func convertFiles(in []upstream.File) []File {
	out := make([]File, 0, len(in))
	for _, f := range in {
		out = append(out, File{
			FileName:     f.FileName,
			Source:       f.Source,
			ModifiedDate: f.ModifiedDate,
			Digest:       FileDigest{Algorithm: f.Digest.Algorithm, HexValue: f.Digest.HexValue},
			Size:         f.Size,
		})
	}
	return out
}
