package store

import (
	"database/sql"
	"fmt"
)

// schemaVersion is the latest migration this binary knows how to apply.
// spec §9: transitions that widen an enum require a schema migration,
// never an ad-hoc edit of a running table's constraint.
const schemaVersion = 4

// runMigrations brings db up to schemaVersion, applying each step in
// order. Steps at or below the recorded schema_version are skipped, so
// re-running against an already-current database is a no-op.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	steps := []func(*sql.DB) error{migrateV1, migrateV2, migrateV3, migrateV4}
	for i, step := range steps {
		v := i + 1
		if current >= v {
			continue
		}
		if err := applyStep(step, db); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
		current = v
	}
	return nil
}

// applyStep runs one migration step directly on db, before the
// transaction that records its version is begun: the pool holds a
// single connection, so a statement issued through db while that
// transaction is open would wait for the connection indefinitely.
func applyStep(step func(*sql.DB) error, db *sql.DB) error {
	return step(db)
}

func currentVersion(db *sql.DB) (int, error) {
	row := db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

// migrateV1 creates the initial schema. side_effect_class and artifact
// kind constraints are intentionally narrow here; migrateV2 widens them,
// exercising the recreate-and-copy path the spec requires rather than
// simply declaring the final enum up front.
func migrateV1(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS skill_proposals (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			side_effect_class TEXT NOT NULL CHECK (side_effect_class IN ('READ_ONLY','FILE_WRITE')),
			input_schema TEXT NOT NULL,
			output_schema TEXT NOT NULL,
			required_secrets TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('PROPOSED','BUILT','VERIFIED','TRUSTED')),
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL REFERENCES skill_proposals(id),
			parent_build_id TEXT,
			attempt_number INTEGER NOT NULL,
			packet_artifact_id TEXT,
			log_artifact_id TEXT,
			outcome TEXT NOT NULL CHECK (outcome IN ('PENDING','SUCCEEDED','FAILED')),
			failure_kind TEXT,
			failure_detail TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS verifications (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL UNIQUE REFERENCES builds(id),
			lint_ok INTEGER NOT NULL,
			type_check_ok INTEGER NOT NULL,
			unit_test_ok INTEGER NOT NULL,
			policy_ok INTEGER NOT NULL,
			invariant_ok INTEGER NOT NULL,
			all_ok INTEGER NOT NULL,
			report_artifact_id TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS promotions (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL REFERENCES skill_proposals(id),
			approver TEXT NOT NULL,
			source_hash TEXT NOT NULL,
			prior_id TEXT,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL CHECK (kind IN ('SKILL_SPEC','BUILD_PACKET','BUILD_LOG')),
			size INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_proposal ON builds(proposal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_hash ON artifacts(hash)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("migrateV1: %w", err)
		}
	}
	return nil
}

// migrateV2 widens side_effect_class and artifact.kind to their full
// declared enums (spec §3). SQLite cannot ALTER a CHECK constraint in
// place, so the table is recreated, rows are copied, and the old table
// is swapped out — the mechanism spec §4.2 requires for any migration
// that widens a constraint.
func migrateV2(db *sql.DB) error {
	recreate := []struct {
		table      string
		createStmt string
		copyCols   string
	}{
		{
			table: "skill_proposals",
			createStmt: `CREATE TABLE skill_proposals_new (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL,
				side_effect_class TEXT NOT NULL CHECK (side_effect_class IN ('READ_ONLY','FILE_WRITE','NETWORK','SECRET_READ')),
				input_schema TEXT NOT NULL,
				output_schema TEXT NOT NULL,
				required_secrets TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('PROPOSED','BUILT','VERIFIED','TRUSTED')),
				created_at DATETIME NOT NULL
			)`,
			copyCols: "id, name, description, side_effect_class, input_schema, output_schema, required_secrets, status, created_at",
		},
		{
			table: "artifacts",
			createStmt: `CREATE TABLE artifacts_new (
				id TEXT PRIMARY KEY,
				hash TEXT NOT NULL UNIQUE,
				kind TEXT NOT NULL CHECK (kind IN ('SKILL_SPEC','BUILD_PACKET','BUILD_LOG','VERIFICATION_REPORT','RESEARCH_NOTE','PATCH_SUMMARY','NOTE')),
				size INTEGER NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			copyCols: "id, hash, kind, size, created_at",
		},
	}

	for _, r := range recreate {
		if _, err := db.Exec(r.createStmt); err != nil {
			return fmt.Errorf("migrateV2: create %s_new: %w", r.table, err)
		}
		if _, err := db.Exec(fmt.Sprintf(
			"INSERT INTO %s_new (%s) SELECT %s FROM %s", r.table, r.copyCols, r.copyCols, r.table,
		)); err != nil {
			return fmt.Errorf("migrateV2: copy %s: %w", r.table, err)
		}
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE %s", r.table)); err != nil {
			return fmt.Errorf("migrateV2: drop %s: %w", r.table, err)
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s_new RENAME TO %s", r.table, r.table)); err != nil {
			return fmt.Errorf("migrateV2: rename %s_new: %w", r.table, err)
		}
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_artifacts_hash ON artifacts(hash)`); err != nil {
		return fmt.Errorf("migrateV2: reindex artifacts: %w", err)
	}
	return nil
}

// migrateV3 adds the diff preview column to builds. Unlike migrateV2 this
// is a plain column addition, not a CHECK constraint widening, so no table
// recreation is needed.
func migrateV3(db *sql.DB) error {
	if _, err := db.Exec(`ALTER TABLE builds ADD COLUMN diff_artifact_id TEXT`); err != nil {
		return fmt.Errorf("migrateV3: add diff_artifact_id: %w", err)
	}
	return nil
}

// migrateV4 relaxes the artifacts table's uniqueness from hash alone to
// (hash, kind): two artifacts with identical bytes but different kinds
// are distinct rows that happen to dedup onto the same blob (spec §8
// scenario 6), not one row shared across kinds. The row id is no longer
// the hash itself, since a hash can now back more than one row.
func migrateV4(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE artifacts_new (
		id TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('SKILL_SPEC','BUILD_PACKET','BUILD_LOG','VERIFICATION_REPORT','RESEARCH_NOTE','PATCH_SUMMARY','NOTE')),
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (hash, kind)
	)`); err != nil {
		return fmt.Errorf("migrateV4: create artifacts_new: %w", err)
	}
	if _, err := db.Exec(
		`INSERT INTO artifacts_new (id, hash, kind, size, created_at) SELECT id, hash, kind, size, created_at FROM artifacts`,
	); err != nil {
		return fmt.Errorf("migrateV4: copy artifacts: %w", err)
	}
	if _, err := db.Exec(`DROP TABLE artifacts`); err != nil {
		return fmt.Errorf("migrateV4: drop artifacts: %w", err)
	}
	if _, err := db.Exec(`ALTER TABLE artifacts_new RENAME TO artifacts`); err != nil {
		return fmt.Errorf("migrateV4: rename artifacts_new: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_artifacts_hash ON artifacts(hash)`); err != nil {
		return fmt.Errorf("migrateV4: reindex artifacts: %w", err)
	}
	return nil
}
