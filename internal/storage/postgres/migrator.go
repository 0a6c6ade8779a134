package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/migrations/*.sql
var revisionFiles embed.FS

const revisionGlob = "sql/migrations/*.sql"

// Advisory-lock в пространстве сервиса: 0x696F6D73 — "ioms". Удерживается
// на время прогона, чтобы параллельные экземпляры не гоняли миграции
// одновременно.
const revisionLockID = int64(0x696F6D73)

const revisionLedgerDDL = `
CREATE TABLE IF NOT EXISTS schema_revisions (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// revision — пара up/down SQL-файлов одной версии схемы.
type revision struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrateUp применяет недостающие ревизии по порядку.
// steps=0 означает "до последней".
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.runRevisions(ctx, true, steps)
}

// MigrateDown откатывает последние ревизии.
// steps<=0 интерпретируется как 1 шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.runRevisions(ctx, false, steps)
}

// MigrationStatus возвращает текущую версию схемы и число применённых ревизий.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, fmt.Errorf("postgres store is not initialized")
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, revisionLedgerDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure revision ledger: %w", err)
	}

	var (
		version int64
		applied int
	)
	err := s.db.QueryRowContext(queryCtx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_revisions`,
	).Scan(&version, &applied)
	if err != nil {
		return 0, 0, fmt.Errorf("query revision status: %w", err)
	}

	return version, applied, nil
}

func (s *Store) runRevisions(ctx context.Context, forward bool, steps int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	revisions, err := loadRevisions(revisionFiles)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", revisionLockID); err != nil {
		return fmt.Errorf("acquire revision lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", revisionLockID)
	}()

	if _, err := conn.ExecContext(ctx, revisionLedgerDDL); err != nil {
		return fmt.Errorf("ensure revision ledger: %w", err)
	}

	if forward {
		return rollForward(ctx, conn, revisions, steps)
	}
	return rollBack(ctx, conn, revisions, steps)
}

func rollForward(ctx context.Context, conn *sql.Conn, revisions []revision, steps int) error {
	applied, err := appliedVersionSet(ctx, conn)
	if err != nil {
		return err
	}

	done := 0
	for _, rev := range revisions {
		if applied[rev.Version] {
			continue
		}
		if err := applyRevision(ctx, conn, rev, true); err != nil {
			return err
		}
		done++
		if steps > 0 && done >= steps {
			break
		}
	}

	return nil
}

func rollBack(ctx context.Context, conn *sql.Conn, revisions []revision, steps int) error {
	byVersion := make(map[int64]revision, len(revisions))
	for _, rev := range revisions {
		byVersion[rev.Version] = rev
	}

	latest, err := latestAppliedVersions(ctx, conn, steps)
	if err != nil {
		return err
	}

	for _, version := range latest {
		rev, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("cannot rollback unknown revision %d", version)
		}
		if err := applyRevision(ctx, conn, rev, false); err != nil {
			return err
		}
	}

	return nil
}

// applyRevision исполняет SQL ревизии и правку ledger в одной транзакции:
// схема и её учёт меняются атомарно.
func applyRevision(ctx context.Context, conn *sql.Conn, rev revision, forward bool) error {
	label := fmt.Sprintf("%d_%s", rev.Version, rev.Name)

	body := rev.UpSQL
	ledgerSQL := `INSERT INTO schema_revisions (version, name, applied_at) VALUES ($1, $2, NOW())`
	ledgerArgs := []interface{}{rev.Version, rev.Name}
	if !forward {
		body = rev.DownSQL
		ledgerSQL = `DELETE FROM schema_revisions WHERE version = $1`
		ledgerArgs = []interface{}{rev.Version}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revision tx %s: %w", label, err)
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute revision %s: %w", label, err)
	}
	if _, err := tx.ExecContext(ctx, ledgerSQL, ledgerArgs...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record revision %s: %w", label, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision %s: %w", label, err)
	}

	return nil
}

func appliedVersionSet(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_revisions`)
	if err != nil {
		return nil, fmt.Errorf("query applied revisions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied revision: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied revisions: %w", err)
	}

	return applied, nil
}

func latestAppliedVersions(ctx context.Context, conn *sql.Conn, limit int) ([]int64, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT version FROM schema_revisions ORDER BY version DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest revisions: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0, limit)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan latest revision: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest revisions: %w", err)
	}

	return versions, nil
}

// parseRevisionFilename разбирает имя вида 0001_create_insurance_orders.up.sql
// на версию, имя и направление.
func parseRevisionFilename(base string) (int64, string, bool, error) {
	var forward bool
	switch {
	case strings.HasSuffix(base, ".up.sql"):
		forward = true
		base = strings.TrimSuffix(base, ".up.sql")
	case strings.HasSuffix(base, ".down.sql"):
		base = strings.TrimSuffix(base, ".down.sql")
	default:
		return 0, "", false, fmt.Errorf("revision file must end with .up.sql or .down.sql: %s", base)
	}

	versionRaw, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", false, fmt.Errorf("revision file must be <version>_<name>: %s", base)
	}
	version, err := strconv.ParseInt(versionRaw, 10, 64)
	if err != nil {
		return 0, "", false, fmt.Errorf("parse revision version from %s: %w", base, err)
	}

	return version, name, forward, nil
}

func loadRevisions(fsys fs.FS) ([]revision, error) {
	files, err := fs.Glob(fsys, revisionGlob)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no revision files found")
	}

	byVersion := make(map[int64]*revision)
	for _, file := range files {
		base := filepath.Base(file)
		version, name, forward, err := parseRevisionFilename(base)
		if err != nil {
			return nil, err
		}

		bodyRaw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read revision file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(bodyRaw))
		if body == "" {
			return nil, fmt.Errorf("revision file is empty: %s", base)
		}

		rev, ok := byVersion[version]
		if !ok {
			rev = &revision{Version: version, Name: name}
			byVersion[version] = rev
		} else if rev.Name != name {
			return nil, fmt.Errorf("revision name mismatch for version %d: %s vs %s", version, rev.Name, name)
		}

		if forward {
			if rev.UpSQL != "" {
				return nil, fmt.Errorf("duplicate up file for revision %d", version)
			}
			rev.UpSQL = body
		} else {
			if rev.DownSQL != "" {
				return nil, fmt.Errorf("duplicate down file for revision %d", version)
			}
			rev.DownSQL = body
		}
	}

	revisions := make([]revision, 0, len(byVersion))
	for _, rev := range byVersion {
		if rev.UpSQL == "" || rev.DownSQL == "" {
			return nil, fmt.Errorf("revision %d_%s must have both up and down files", rev.Version, rev.Name)
		}
		revisions = append(revisions, *rev)
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i].Version < revisions[j].Version })

	return revisions, nil
}
