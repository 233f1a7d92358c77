package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("not found")

func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Category{}, &Product{}, &Detectoid{}, &Update{}, &SyncState{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Store persists catalog records. Every write is its own statement so a
// refresh that stops halfway keeps what it already stored.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func OpenStore(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	return NewStore(db), nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	s.db = nil
	return err
}

// Counts holds the number of stored records per kind.
type Counts struct {
	Categories int
	Products   int
	Detectoids int
	Updates    int
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	for _, m := range []struct {
		model any
		dst   *int
	}{
		{&Category{}, &c.Categories},
		{&Product{}, &c.Products},
		{&Detectoid{}, &c.Detectoids},
		{&Update{}, &c.Updates},
	} {
		var n int64
		if err := s.db.WithContext(ctx).Model(m.model).Count(&n).Error; err != nil {
			return Counts{}, err
		}
		*m.dst = int(n)
	}
	return c, nil
}

// ClassificationIDs returns the ids of every stored category, product and
// detectoid.
func (s *Store) ClassificationIDs(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	out := make(map[uuid.UUID]struct{})
	for _, model := range []any{&Category{}, &Product{}, &Detectoid{}} {
		if err := s.pluckIDs(ctx, model, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) UpdateIDs(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	out := make(map[uuid.UUID]struct{})
	if err := s.pluckIDs(ctx, &Update{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) pluckIDs(ctx context.Context, model any, into map[uuid.UUID]struct{}) error {
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Model(model).Distinct().Pluck("id", &ids).Error; err != nil {
		return err
	}
	for _, id := range ids {
		into[id] = struct{}{}
	}
	return nil
}

func (s *Store) AddCategory(ctx context.Context, c *Category) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *Store) AddProduct(ctx context.Context, p *Product) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *Store) AddDetectoid(ctx context.Context, d *Detectoid) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *Store) AddUpdate(ctx context.Context, u *Update) error {
	return s.db.WithContext(ctx).Create(u).Error
}

// ReplaceUpdate overwrites a stored update with u.
func (s *Store) ReplaceUpdate(ctx context.Context, u *Update) error {
	res := s.db.WithContext(ctx).Model(&Update{}).Where("id = ?", u.ID).Select("*").Updates(u)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Categories(ctx context.Context) ([]Category, error) {
	var out []Category
	if err := s.db.WithContext(ctx).Order("name asc, id asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Products returns every stored product revision.
func (s *Store) Products(ctx context.Context) ([]Product, error) {
	var out []Product
	if err := s.db.WithContext(ctx).Order("name asc, id asc, revision asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID) (*Update, error) {
	var u Update
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Updates returns updates newest first, limited to one classification when
// classificationID is non-nil.
func (s *Store) Updates(ctx context.Context, classificationID *uuid.UUID) ([]Update, error) {
	q := s.db.WithContext(ctx).Order("creation_date desc, id asc")
	if classificationID != nil {
		q = q.Where("classification_id = ?", classificationID.String())
	}
	var out []Update
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SupersedingUpdate returns the newest update whose superseded list
// contains id.
func (s *Store) SupersedingUpdate(ctx context.Context, id uuid.UUID) (*Update, error) {
	var u Update
	err := s.db.WithContext(ctx).
		Where("EXISTS (SELECT 1 FROM json_each(updates.superseded_update_ids) WHERE json_each.value = ?)", id.String()).
		Order("creation_date desc, id asc").
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// PendingBundles returns the ids of updates whose bundled children have not
// been resolved yet.
func (s *Store) PendingBundles(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&Update{}).
		Where("json_valid(bundled_update_ids) AND json_array_length(bundled_update_ids) > 0").
		Order("creation_date asc, id asc").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) SyncState(ctx context.Context) (SyncState, error) {
	var st SyncState
	err := s.db.WithContext(ctx).Where("id = ?", 1).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncState{ID: 1}, nil
	}
	if err != nil {
		return SyncState{}, err
	}
	return st, nil
}

func (s *Store) SaveSyncState(ctx context.Context, st SyncState) error {
	st.ID = 1
	return s.db.WithContext(ctx).Save(&st).Error
}
