// Package captureindex provides an ephemeral, process-lifetime query index
// over the currently open project's exchange history. It is rebuilt from
// the loaded project document on open and discarded on close — it is never
// itself the system of record, so it does not reintroduce the persisted
// scan/audit history the specification excludes as a non-goal. It gives
// filter/search queries real WHERE-clause support instead of a hand-rolled
// linear scan. The exclusion-rule retroactive purge does not query it: the
// caller filters the exchange list and hands the kept set to Rebuild.
package captureindex

import (
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
)

// row is the gorm-mapped shape of one indexed exchange. It mirrors only the
// fields needed for filtering; the exchange bodies/headers stay in the
// Project Store's JSON document, not here.
type row struct {
	ID         string `gorm:"primaryKey"`
	Seq        int64
	Method     string
	URL        string
	Host       string
	Status     int
	Dropped    bool
	Timestamp  time.Time
}

// Index is a rebuildable in-memory query index.
type Index struct {
	log logger.Logger
	db  *gorm.DB
}

// Open creates a fresh in-memory database. Call Rebuild to populate it from
// a loaded project.
func Open(log logger.Logger) (*Index, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.New(gormWriter{log: log.Component("captureindex")}, gormlogger.Config{
			SlowThreshold: time.Second,
			LogLevel:      gormlogger.Warn,
		}),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, err
	}
	return &Index{log: log.Component("captureindex"), db: db}, nil
}

// Rebuild replaces the index's contents with exs.
func (idx *Index) Rebuild(exs []model.Exchange) error {
	return idx.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM rows").Error; err != nil {
			return err
		}
		for _, ex := range exs {
			status := 0
			if ex.Response != nil {
				status = ex.Response.Status
			}
			r := row{
				ID: ex.ID, Seq: ex.Seq, Method: ex.Method, URL: ex.URL,
				Host: hostOf(ex.URL), Status: status, Dropped: ex.Dropped, Timestamp: ex.Timestamp,
			}
			if err := tx.Create(&r).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Append mirrors a single exchange into the index without a full rebuild,
// satisfying the Coordinator's History hook as exchanges complete. Errors
// are logged rather than returned: a missed index row must never block the
// exchange pipeline that the Project Store has already recorded.
func (idx *Index) Append(ex model.Exchange) {
	status := 0
	if ex.Response != nil {
		status = ex.Response.Status
	}
	r := row{
		ID: ex.ID, Seq: ex.Seq, Method: ex.Method, URL: ex.URL,
		Host: hostOf(ex.URL), Status: status, Dropped: ex.Dropped, Timestamp: ex.Timestamp,
	}
	if err := idx.db.Save(&r).Error; err != nil {
		idx.log.Warn().Err(err).Str("id", ex.ID).Msg("failed to index exchange")
	}
}

// Filter is a query over the index.
type Filter struct {
	MethodEquals string
	HostContains string
	StatusAtLeast int
	ExcludeDropped bool
}

// IDs returns the ids of exchanges matching f, ordered by seq.
func (idx *Index) IDs(f Filter) ([]string, error) {
	q := idx.db.Model(&row{}).Order("seq asc")
	if f.MethodEquals != "" {
		q = q.Where("method = ?", f.MethodEquals)
	}
	if f.HostContains != "" {
		q = q.Where("host LIKE ?", "%"+f.HostContains+"%")
	}
	if f.StatusAtLeast > 0 {
		q = q.Where("status >= ?", f.StatusAtLeast)
	}
	if f.ExcludeDropped {
		q = q.Where("dropped = ?", false)
	}
	var rows []row
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func hostOf(rawURL string) string {
	// avoid importing net/url twice across packages for a one-line need
	if i := strings.Index(rawURL, "://"); i >= 0 {
		rest := rawURL[i+3:]
		if j := strings.IndexAny(rest, "/?#"); j >= 0 {
			rest = rest[:j]
		}
		return rest
	}
	return rawURL
}

// gormWriter bridges gorm's logger.Writer interface onto the zerolog-backed
// Logger, mirroring the teacher's own GormLogger wrapper.
type gormWriter struct {
	log logger.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warn().Msgf(format, args...)
}
