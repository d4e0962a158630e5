package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/riftwatch/killwatch/internal/domain/model"
)

type KillmailRepo struct {
	db *DB
}

func NewKillmailRepo(db *DB) *KillmailRepo {
	return &KillmailRepo{db: db}
}

// attackerRow is the JSONB shape stored in the attackers column.
type attackerRow struct {
	CharacterID     int64  `json:"character_id,omitempty"`
	CharacterName   string `json:"character_name,omitempty"`
	CorporationID   int64  `json:"corporation_id,omitempty"`
	CorporationName string `json:"corporation_name,omitempty"`
	ShipTypeID      int64  `json:"ship_type_id,omitempty"`
	ShipName        string `json:"ship_name,omitempty"`
	DamageDone      int64  `json:"damage_done,omitempty"`
	FinalBlow       bool   `json:"final_blow,omitempty"`
}

// Upsert inserts km keyed by killmail_id. A conflict leaves the existing
// row untouched and reports created=false; replayed killmails never
// overwrite the first write.
func (r *KillmailRepo) Upsert(ctx context.Context, km *model.Killmail) (bool, error) {
	attackers := make([]attackerRow, len(km.Attackers))
	for i, a := range km.Attackers {
		attackers[i] = attackerRow(a)
	}
	attackersJSON, err := json.Marshal(attackers)
	if err != nil {
		return false, fmt.Errorf("marshal attackers: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO killmails (
			killmail_id, hash, solar_system_id, system_name, kill_time, total_value,
			victim_character_id, victim_character_name,
			victim_corporation_id, victim_corporation_name,
			victim_alliance_id, victim_alliance_name,
			victim_ship_type_id, victim_ship_name, victim_damage_taken,
			attackers, attacker_count
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (killmail_id) DO NOTHING
	`, km.KillmailID, km.Hash, km.SolarSystemID, km.SystemName, km.KillTime, km.TotalValue,
		nullableID(km.Victim.CharacterID), km.Victim.CharacterName,
		nullableID(km.Victim.CorporationID), km.Victim.CorporationName,
		nullableID(km.Victim.AllianceID), km.Victim.AllianceName,
		nullableID(km.Victim.ShipTypeID), km.Victim.ShipName, km.Victim.DamageTaken,
		attackersJSON, km.AttackerCount,
	)
	if err != nil {
		return false, fmt.Errorf("upsert killmail %d: %w", km.KillmailID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert killmail %d: rows affected: %w", km.KillmailID, err)
	}
	return rows == 1, nil
}

// GetByID loads a persisted killmail, or nil when absent.
func (r *KillmailRepo) GetByID(ctx context.Context, killmailID int64) (*model.Killmail, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		km            model.Killmail
		victimChar    sql.NullInt64
		victimCorp    sql.NullInt64
		victimAll     sql.NullInt64
		victimShip    sql.NullInt64
		attackersJSON []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT killmail_id, hash, solar_system_id, system_name, kill_time, total_value,
			victim_character_id, victim_character_name,
			victim_corporation_id, victim_corporation_name,
			victim_alliance_id, victim_alliance_name,
			victim_ship_type_id, victim_ship_name, victim_damage_taken,
			attackers, attacker_count
		FROM killmails
		WHERE killmail_id = $1
	`, killmailID).Scan(
		&km.KillmailID, &km.Hash, &km.SolarSystemID, &km.SystemName, &km.KillTime, &km.TotalValue,
		&victimChar, &km.Victim.CharacterName,
		&victimCorp, &km.Victim.CorporationName,
		&victimAll, &km.Victim.AllianceName,
		&victimShip, &km.Victim.ShipName, &km.Victim.DamageTaken,
		&attackersJSON, &km.AttackerCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get killmail %d: %w", killmailID, err)
	}

	km.Victim.CharacterID = victimChar.Int64
	km.Victim.CorporationID = victimCorp.Int64
	km.Victim.AllianceID = victimAll.Int64
	km.Victim.ShipTypeID = victimShip.Int64

	var rows []attackerRow
	if err := json.Unmarshal(attackersJSON, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal attackers for %d: %w", killmailID, err)
	}
	km.Attackers = make([]model.Attacker, len(rows))
	for i, a := range rows {
		km.Attackers[i] = model.Attacker(a)
	}
	km.Persisted = true

	return &km, nil
}

func nullableID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}
