package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"forge/internal/forgeerr"
	"forge/internal/logging"
	"forge/internal/model"
)

// CreateProposal inserts a new proposal in status PROPOSED and returns
// its id.
func (l *Ledger) CreateProposal(p model.SkillProposal) (string, error) {
	if !model.ValidSideEffectClass(p.SideEffectClass) {
		return "", forgeerr.Wrap(forgeerr.ErrInvalidInput, "unknown side_effect_class %q", p.SideEffectClass)
	}
	if p.Name == "" {
		return "", forgeerr.Wrap(forgeerr.ErrInvalidInput, "proposal name is required")
	}

	id := uuid.NewString()
	secrets, err := json.Marshal(p.RequiredSecrets)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrInvalidInput, "marshal required_secrets: %v", err)
	}

	unlock := l.lockProposal(id)
	defer unlock()

	_, err = l.db.Exec(
		`INSERT INTO skill_proposals (id, name, description, side_effect_class, input_schema, output_schema, required_secrets, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Name, p.Description, string(p.SideEffectClass), p.InputSchema, p.OutputSchema, string(secrets), string(model.StatusProposed), time.Now().UTC(),
	)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "insert proposal: %v", err)
	}
	logging.Get(logging.CategoryLedger).Info("proposal %s (%s) created", id, p.Name)
	return id, nil
}

// GetProposal loads a proposal by id.
func (l *Ledger) GetProposal(id string) (*model.SkillProposal, error) {
	row := l.db.QueryRow(
		`SELECT id, name, description, side_effect_class, input_schema, output_schema, required_secrets, status, created_at
		 FROM skill_proposals WHERE id = ?`, id)

	var p model.SkillProposal
	var sideEffect, status, secretsJSON string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &sideEffect, &p.InputSchema, &p.OutputSchema, &secretsJSON, &status, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, forgeerr.Wrap(forgeerr.ErrUnknownEntity, "proposal %s", id)
		}
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "query proposal: %v", err)
	}
	p.SideEffectClass = model.SideEffectClass(sideEffect)
	p.Status = model.Status(status)
	if err := json.Unmarshal([]byte(secretsJSON), &p.RequiredSecrets); err != nil {
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "decode required_secrets: %v", err)
	}
	return &p, nil
}

// QueryStatus returns a proposal's current status.
func (l *Ledger) QueryStatus(proposalID string) (model.Status, error) {
	p, err := l.GetProposal(proposalID)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// OpenBuild starts a new build attempt for proposalID. Fails with
// InvalidTransition unless the proposal's status is PROPOSED or BUILT,
// and unless there is no other in-flight (PENDING) build for it.
func (l *Ledger) OpenBuild(proposalID, parentBuildID string) (string, error) {
	unlock := l.lockProposal(proposalID)
	defer unlock()

	p, err := l.GetProposal(proposalID)
	if err != nil {
		return "", err
	}
	if p.Status != model.StatusProposed && p.Status != model.StatusBuilt {
		return "", forgeerr.Wrap(forgeerr.ErrInvalidTransition, "proposal %s has status %s, cannot open build", proposalID, p.Status)
	}

	var pending int
	if err := l.db.QueryRow(
		`SELECT COUNT(*) FROM builds WHERE proposal_id = ? AND outcome = ?`,
		proposalID, string(model.OutcomePending),
	).Scan(&pending); err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "check in-flight builds: %v", err)
	}
	if pending > 0 {
		return "", forgeerr.Wrap(forgeerr.ErrInvalidTransition, "proposal %s already has an in-flight build", proposalID)
	}

	var maxAttempt int
	if err := l.db.QueryRow(
		`SELECT COALESCE(MAX(attempt_number), 0) FROM builds WHERE proposal_id = ?`, proposalID,
	).Scan(&maxAttempt); err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "compute attempt_number: %v", err)
	}

	id := uuid.NewString()
	var parent any
	if parentBuildID != "" {
		parent = parentBuildID
	}
	_, err = l.db.Exec(
		`INSERT INTO builds (id, proposal_id, parent_build_id, attempt_number, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, proposalID, parent, maxAttempt+1, string(model.OutcomePending), time.Now().UTC(),
	)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "insert build: %v", err)
	}
	logging.Get(logging.CategoryLedger).Info("build %s opened for proposal %s (attempt %d)", id, proposalID, maxAttempt+1)
	return id, nil
}

// GetBuild loads a build attempt by id.
func (l *Ledger) GetBuild(id string) (*model.BuildAttempt, error) {
	row := l.db.QueryRow(
		`SELECT id, proposal_id, COALESCE(parent_build_id, ''), attempt_number,
		        COALESCE(packet_artifact_id, ''), COALESCE(log_artifact_id, ''), COALESCE(diff_artifact_id, ''),
		        outcome, COALESCE(failure_kind, ''), COALESCE(failure_detail, ''), created_at
		 FROM builds WHERE id = ?`, id)

	var b model.BuildAttempt
	var outcome, failureKind string
	if err := row.Scan(&b.ID, &b.ProposalID, &b.ParentBuildID, &b.AttemptNumber,
		&b.PacketArtifactID, &b.LogArtifactID, &b.DiffArtifactID, &outcome, &failureKind, &b.FailureDetail, &b.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, forgeerr.Wrap(forgeerr.ErrUnknownEntity, "build %s", id)
		}
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "query build: %v", err)
	}
	b.Outcome = model.BuildOutcome(outcome)
	b.FailureKind = model.FailureKind(failureKind)
	return &b, nil
}

// RecordBuildResult finalizes a build attempt's outcome. A SUCCEEDED
// outcome advances the proposal to BUILT; a FAILED outcome leaves the
// proposal's status unchanged (it stays eligible for another attempt).
func (l *Ledger) RecordBuildResult(buildID string, outcome model.BuildOutcome, logArtifactID string, failureKind model.FailureKind, failureDetail string) error {
	b, err := l.GetBuild(buildID)
	if err != nil {
		return err
	}

	unlock := l.lockProposal(b.ProposalID)
	defer unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "begin: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE builds SET outcome = ?, log_artifact_id = ?, failure_kind = NULLIF(?, ''), failure_detail = NULLIF(?, '') WHERE id = ?`,
		string(outcome), logArtifactID, string(failureKind), failureDetail, buildID,
	); err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "update build: %v", err)
	}

	if outcome == model.OutcomeSucceeded {
		if _, err := tx.Exec(`UPDATE skill_proposals SET status = ? WHERE id = ?`, string(model.StatusBuilt), b.ProposalID); err != nil {
			return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "advance proposal to BUILT: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "commit: %v", err)
	}
	logging.Get(logging.CategoryLedger).Info("build %s recorded outcome=%s", buildID, outcome)
	return nil
}

// SetBuildPacket records the packet artifact a build was framed from.
func (l *Ledger) SetBuildPacket(buildID, packetArtifactID string) error {
	if _, err := l.db.Exec(`UPDATE builds SET packet_artifact_id = ? WHERE id = ?`, packetArtifactID, buildID); err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "set build packet: %v", err)
	}
	return nil
}

// SetBuildDiffPreview records the rendered diff artifact for a build's
// sandbox copy-back, if one was computed.
func (l *Ledger) SetBuildDiffPreview(buildID, diffArtifactID string) error {
	if _, err := l.db.Exec(`UPDATE builds SET diff_artifact_id = ? WHERE id = ?`, diffArtifactID, buildID); err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "set build diff preview: %v", err)
	}
	return nil
}

// RecordVerification writes the (immutable, exactly-once-per-build)
// verification record. A passing record (AllOK) advances the proposal to
// VERIFIED; a failing one resets BUILT back to PROPOSED, per spec §3's
// documented exception to monotonic status.
func (l *Ledger) RecordVerification(v model.VerificationRecord) (string, error) {
	b, err := l.GetBuild(v.BuildID)
	if err != nil {
		return "", err
	}

	unlock := l.lockProposal(b.ProposalID)
	defer unlock()

	var count int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM verifications WHERE build_id = ?`, v.BuildID).Scan(&count); err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "check existing verification: %v", err)
	}
	if count > 0 {
		return "", forgeerr.Wrap(forgeerr.ErrInvalidTransition, "build %s already has a verification record", v.BuildID)
	}

	allOK := v.LintOK && v.TypeCheckOK && v.UnitTestOK && v.PolicyOK && v.InvariantOK
	id := uuid.NewString()

	tx, err := l.db.Begin()
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "begin: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO verifications (id, build_id, lint_ok, type_check_ok, unit_test_ok, policy_ok, invariant_ok, all_ok, report_artifact_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, v.BuildID, v.LintOK, v.TypeCheckOK, v.UnitTestOK, v.PolicyOK, v.InvariantOK, allOK, v.ReportArtifactID, time.Now().UTC(),
	)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "insert verification: %v", err)
	}

	newStatus := model.StatusProposed
	if allOK {
		newStatus = model.StatusVerified
	}
	if _, err := tx.Exec(`UPDATE skill_proposals SET status = ? WHERE id = ?`, string(newStatus), b.ProposalID); err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "update proposal status: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "commit: %v", err)
	}
	logging.Get(logging.CategoryLedger).Info("verification %s recorded for build %s all_ok=%v", id, v.BuildID, allOK)
	return id, nil
}

// RecordPromotion promotes proposalID to TRUSTED. Requires the
// proposal's current status to be VERIFIED.
func (l *Ledger) RecordPromotion(proposalID, approver, sourceHash string) (string, error) {
	unlock := l.lockProposal(proposalID)
	defer unlock()

	p, err := l.GetProposal(proposalID)
	if err != nil {
		return "", err
	}
	if p.Status != model.StatusVerified {
		return "", forgeerr.Wrap(forgeerr.ErrInvalidTransition, "proposal %s has status %s, promotion requires VERIFIED", proposalID, p.Status)
	}

	var priorID sql.NullString
	if err := l.db.QueryRow(
		`SELECT id FROM promotions WHERE proposal_id = ? AND revoked = 0 ORDER BY created_at DESC LIMIT 1`, proposalID,
	).Scan(&priorID); err != nil && err != sql.ErrNoRows {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "check prior promotion: %v", err)
	}

	id := uuid.NewString()
	tx, err := l.db.Begin()
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "begin: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO promotions (id, proposal_id, approver, source_hash, prior_id, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		id, proposalID, approver, sourceHash, nullIfEmpty(priorID), time.Now().UTC(),
	)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "insert promotion: %v", err)
	}
	if _, err := tx.Exec(`UPDATE skill_proposals SET status = ? WHERE id = ?`, string(model.StatusTrusted), proposalID); err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "advance proposal to TRUSTED: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "commit: %v", err)
	}
	logging.Get(logging.CategoryLedger).Info("proposal %s promoted by %s", proposalID, approver)
	return id, nil
}

func nullIfEmpty(s sql.NullString) any {
	if !s.Valid || s.String == "" {
		return nil
	}
	return s.String
}

// artifactByHashAndKind returns the existing artifact row id for the
// (hash, kind) pair, or "" if no such row exists yet. Two different kinds
// sharing a hash are distinct rows; this is the row-level half of dedup.
func (l *Ledger) artifactByHashAndKind(hash string, kind model.ArtifactKind) (string, error) {
	var id string
	err := l.db.QueryRow(`SELECT id FROM artifacts WHERE hash = ? AND kind = ?`, hash, string(kind)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "query artifact by hash and kind: %v", err)
	}
	return id, nil
}

func (l *Ledger) insertArtifact(hash string, kind model.ArtifactKind, size int64) (string, error) {
	id := uuid.NewString()
	_, err := l.db.Exec(
		`INSERT INTO artifacts (id, hash, kind, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, hash, string(kind), size, time.Now().UTC(),
	)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "insert artifact: %v", err)
	}
	return id, nil
}

// artifactHash returns the blob hash backing artifact row id.
func (l *Ledger) artifactHash(id string) (string, error) {
	var hash string
	err := l.db.QueryRow(`SELECT hash FROM artifacts WHERE id = ?`, id).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", forgeerr.Wrap(forgeerr.ErrUnknownEntity, "artifact %s", id)
	}
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "query artifact hash: %v", err)
	}
	return hash, nil
}

func (l *Ledger) getArtifact(id string) (*model.Artifact, error) {
	row := l.db.QueryRow(`SELECT id, hash, kind, size, created_at FROM artifacts WHERE id = ?`, id)
	var a model.Artifact
	var kind string
	if err := row.Scan(&a.ID, &a.Hash, &kind, &a.Size, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, forgeerr.Wrap(forgeerr.ErrUnknownEntity, "artifact %s", id)
		}
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "query artifact: %v", err)
	}
	a.Kind = model.ArtifactKind(kind)
	return &a, nil
}
