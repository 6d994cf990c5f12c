package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/lorawan-net/frameengine/internal/models"
	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// PostgresStore implements Store against a Postgres schema where the
// custom binary types (lorawan.EUI64/DevAddr/AES128Key) are stored as
// bytea columns via their Value()/Scan() methods.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgresStore opens and pings a Postgres connection pool.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) BeginTx(ctx context.Context) (Store, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

type queryExecer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *PostgresStore) getDB() queryExecer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// ---------- device ----------

func (s *PostgresStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error) {
	const q = `
		SELECT dev_eui, app_eui, app_key, profile, node, app_args, last_join, created_at, updated_at
		FROM devices WHERE dev_eui = $1`

	d := &models.Device{}
	var appEUI, node []byte
	var appArgs []byte
	var lastJoin sql.NullTime

	err := s.getDB().QueryRowContext(ctx, q, devEUI[:]).Scan(
		&d.DevEUI, &appEUI, &d.AppKey, &d.Profile, &node, &appArgs, &lastJoin, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(appEUI) == 8 {
		var eui lorawan.EUI64
		copy(eui[:], appEUI)
		d.AppEUI = &eui
	}
	if len(node) == 4 {
		var addr lorawan.DevAddr
		copy(addr[:], node)
		d.Node = &addr
	}
	if len(appArgs) > 0 {
		if err := json.Unmarshal(appArgs, &d.AppArgs); err != nil {
			return nil, err
		}
	}
	if lastJoin.Valid {
		d.LastJoin = &lastJoin.Time
	}
	return d, nil
}

func (s *PostgresStore) PutDevice(ctx context.Context, d *models.Device) error {
	const q = `
		INSERT INTO devices (dev_eui, app_eui, app_key, profile, node, app_args, last_join, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dev_eui) DO UPDATE SET
			app_eui = EXCLUDED.app_eui, app_key = EXCLUDED.app_key, profile = EXCLUDED.profile,
			node = EXCLUDED.node, app_args = EXCLUDED.app_args, last_join = EXCLUDED.last_join,
			updated_at = EXCLUDED.updated_at`

	d.UpdatedAt = now()
	appArgs, err := json.Marshal(d.AppArgs)
	if err != nil {
		return err
	}

	var appEUI, node interface{}
	if d.AppEUI != nil {
		appEUI = d.AppEUI[:]
	}
	if d.Node != nil {
		node = d.Node[:]
	}

	_, err = s.getDB().ExecContext(ctx, q, d.DevEUI[:], appEUI, d.AppKey[:], d.Profile, node, appArgs, d.LastJoin, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error {
	return s.deleteByKey(ctx, "devices", "dev_eui", devEUI[:])
}

// ---------- node ----------

func (s *PostgresStore) GetNode(ctx context.Context, devAddr lorawan.DevAddr, lock LockMode) (*models.Node, error) {
	q := `
		SELECT dev_addr, profile, nwk_s_key, app_s_key, fcnt_up, fcnt_down, adr_use,
		       rx1_dr_offset, rx2_dr, rx2_freq, first_reset, last_reset, reset_count,
		       last_rx, dev_stat_fcnt, app_args, created_at, updated_at
		FROM nodes WHERE dev_addr = $1`
	if lock == LockWrite && s.tx != nil {
		q += " FOR UPDATE"
	}

	n := &models.Node{}
	var fcntUp, devStatFCnt sql.NullInt64
	var firstReset, lastReset, lastRX sql.NullTime
	var appArgs []byte

	err := s.getDB().QueryRowContext(ctx, q, devAddr[:]).Scan(
		&n.DevAddr, &n.Profile, &n.NwkSKey, &n.AppSKey, &fcntUp, &n.FCntDown, &n.ADRUse,
		&n.RXWinUse.RX1DROffset, &n.RXWinUse.RX2DR, &n.RXWinUse.RX2Freq,
		&firstReset, &lastReset, &n.ResetCount, &lastRX, &devStatFCnt, &appArgs,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if fcntUp.Valid {
		v := uint32(fcntUp.Int64)
		n.FCntUp = &v
	}
	if devStatFCnt.Valid {
		v := uint32(devStatFCnt.Int64)
		n.DevStatFCnt = &v
	}
	if firstReset.Valid {
		n.FirstReset = &firstReset.Time
	}
	if lastReset.Valid {
		n.LastReset = &lastReset.Time
	}
	if lastRX.Valid {
		n.LastRX = &lastRX.Time
	}
	if len(appArgs) > 0 {
		if err := json.Unmarshal(appArgs, &n.AppArgs); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (s *PostgresStore) PutNode(ctx context.Context, n *models.Node) error {
	const q = `
		INSERT INTO nodes (
			dev_addr, profile, nwk_s_key, app_s_key, fcnt_up, fcnt_down, adr_use,
			rx1_dr_offset, rx2_dr, rx2_freq, first_reset, last_reset, reset_count,
			last_rx, dev_stat_fcnt, app_args, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (dev_addr) DO UPDATE SET
			profile = EXCLUDED.profile, nwk_s_key = EXCLUDED.nwk_s_key, app_s_key = EXCLUDED.app_s_key,
			fcnt_up = EXCLUDED.fcnt_up, fcnt_down = EXCLUDED.fcnt_down, adr_use = EXCLUDED.adr_use,
			rx1_dr_offset = EXCLUDED.rx1_dr_offset, rx2_dr = EXCLUDED.rx2_dr, rx2_freq = EXCLUDED.rx2_freq,
			first_reset = EXCLUDED.first_reset, last_reset = EXCLUDED.last_reset, reset_count = EXCLUDED.reset_count,
			last_rx = EXCLUDED.last_rx, dev_stat_fcnt = EXCLUDED.dev_stat_fcnt, app_args = EXCLUDED.app_args,
			updated_at = EXCLUDED.updated_at`

	n.UpdatedAt = now()
	appArgs, err := json.Marshal(n.AppArgs)
	if err != nil {
		return err
	}

	_, err = s.getDB().ExecContext(ctx, q,
		n.DevAddr[:], n.Profile, n.NwkSKey[:], n.AppSKey[:], n.FCntUp, n.FCntDown, n.ADRUse,
		n.RXWinUse.RX1DROffset, n.RXWinUse.RX2DR, n.RXWinUse.RX2Freq,
		n.FirstReset, n.LastReset, n.ResetCount, n.LastRX, n.DevStatFCnt, appArgs,
		n.CreatedAt, n.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteNode(ctx context.Context, devAddr lorawan.DevAddr) error {
	return s.deleteByKey(ctx, "nodes", "dev_addr", devAddr[:])
}

func (s *PostgresStore) NodeExists(ctx context.Context, devAddr lorawan.DevAddr) (bool, error) {
	var exists bool
	err := s.getDB().QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM nodes WHERE dev_addr = $1)", devAddr[:]).Scan(&exists)
	return exists, err
}

// ---------- profile ----------

func (s *PostgresStore) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	const q = `SELECT id, network, can_join, fcnt_check, created_at, updated_at FROM profiles WHERE id = $1`
	p := &models.Profile{}
	err := s.getDB().QueryRowContext(ctx, q, id).Scan(&p.ID, &p.Network, &p.CanJoin, &p.FCntCheck, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) PutProfile(ctx context.Context, p *models.Profile) error {
	const q = `
		INSERT INTO profiles (id, network, can_join, fcnt_check, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			network = EXCLUDED.network, can_join = EXCLUDED.can_join,
			fcnt_check = EXCLUDED.fcnt_check, updated_at = EXCLUDED.updated_at`
	p.UpdatedAt = now()
	_, err := s.getDB().ExecContext(ctx, q, p.ID, p.Network, p.CanJoin, p.FCntCheck, p.CreatedAt, p.UpdatedAt)
	return err
}

// ---------- network ----------

func (s *PostgresStore) GetNetwork(ctx context.Context, name string) (*models.Network, error) {
	const q = `SELECT name, net_id, subid_bits, subid_width, region, created_at, updated_at FROM networks WHERE name = $1`
	n := &models.Network{}
	var netID []byte
	var subBits sql.NullInt64
	var subWidth sql.NullInt64
	err := s.getDB().QueryRowContext(ctx, q, name).Scan(&n.Name, &netID, &subBits, &subWidth, &n.Region, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	copy(n.NetID[:], netID)
	if subWidth.Valid {
		n.SubID = &models.SubID{Bits: uint32(subBits.Int64), Width: uint8(subWidth.Int64)}
	}
	return n, nil
}

func (s *PostgresStore) PutNetwork(ctx context.Context, n *models.Network) error {
	const q = `
		INSERT INTO networks (name, net_id, subid_bits, subid_width, region, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (name) DO UPDATE SET
			net_id = EXCLUDED.net_id, subid_bits = EXCLUDED.subid_bits, subid_width = EXCLUDED.subid_width,
			region = EXCLUDED.region, updated_at = EXCLUDED.updated_at`
	n.UpdatedAt = now()
	var subBits, subWidth interface{}
	if n.SubID != nil {
		subBits = n.SubID.Bits
		subWidth = n.SubID.Width
	}
	_, err := s.getDB().ExecContext(ctx, q, n.Name, n.NetID[:], subBits, subWidth, n.Region, n.CreatedAt, n.UpdatedAt)
	return err
}

func (s *PostgresStore) ListNetworks(ctx context.Context) ([]*models.Network, error) {
	const q = `SELECT name, net_id, subid_bits, subid_width, region, created_at, updated_at FROM networks`
	rows, err := s.getDB().QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Network
	for rows.Next() {
		n := &models.Network{}
		var netID []byte
		var subBits, subWidth sql.NullInt64
		if err := rows.Scan(&n.Name, &netID, &subBits, &subWidth, &n.Region, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		copy(n.NetID[:], netID)
		if subWidth.Valid {
			n.SubID = &models.SubID{Bits: uint32(subBits.Int64), Width: uint8(subWidth.Int64)}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ---------- ignored_nodes ----------

func (s *PostgresStore) ListIgnoredNodes(ctx context.Context) ([]*models.IgnoredNode, error) {
	const q = `SELECT dev_addr, mask FROM ignored_nodes`
	rows, err := s.getDB().QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.IgnoredNode
	for rows.Next() {
		in := &models.IgnoredNode{}
		var mask []byte
		if err := rows.Scan(&in.DevAddr, &mask); err != nil {
			return nil, err
		}
		if len(mask) == 4 {
			var m lorawan.DevAddr
			copy(m[:], mask)
			in.Mask = &m
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutIgnoredNode(ctx context.Context, n *models.IgnoredNode) error {
	const q = `
		INSERT INTO ignored_nodes (dev_addr, mask) VALUES ($1, $2)
		ON CONFLICT (dev_addr) DO UPDATE SET mask = EXCLUDED.mask`
	var mask interface{}
	if n.Mask != nil {
		mask = n.Mask[:]
	}
	_, err := s.getDB().ExecContext(ctx, q, n.DevAddr[:], mask)
	return err
}

func (s *PostgresStore) DeleteIgnoredNode(ctx context.Context, devAddr lorawan.DevAddr) error {
	return s.deleteByKey(ctx, "ignored_nodes", "dev_addr", devAddr[:])
}

// ---------- multicast_channel ----------

func (s *PostgresStore) GetMulticastChannel(ctx context.Context, devAddr lorawan.DevAddr, lock LockMode) (*models.MulticastChannel, error) {
	q := `SELECT dev_addr, nwk_s_key, app_s_key, fcnt_down, created_at, updated_at FROM multicast_channels WHERE dev_addr = $1`
	if lock == LockWrite && s.tx != nil {
		q += " FOR UPDATE"
	}
	ch := &models.MulticastChannel{}
	err := s.getDB().QueryRowContext(ctx, q, devAddr[:]).Scan(&ch.DevAddr, &ch.NwkSKey, &ch.AppSKey, &ch.FCntDown, &ch.CreatedAt, &ch.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ch, err
}

func (s *PostgresStore) PutMulticastChannel(ctx context.Context, ch *models.MulticastChannel) error {
	const q = `
		INSERT INTO multicast_channels (dev_addr, nwk_s_key, app_s_key, fcnt_down, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (dev_addr) DO UPDATE SET
			nwk_s_key = EXCLUDED.nwk_s_key, app_s_key = EXCLUDED.app_s_key,
			fcnt_down = EXCLUDED.fcnt_down, updated_at = EXCLUDED.updated_at`
	ch.UpdatedAt = now()
	_, err := s.getDB().ExecContext(ctx, q, ch.DevAddr[:], ch.NwkSKey[:], ch.AppSKey[:], ch.FCntDown, ch.CreatedAt, ch.UpdatedAt)
	return err
}

// ---------- pending ----------

func (s *PostgresStore) ListPending(ctx context.Context, devAddr lorawan.DevAddr) ([]*models.PendingFrame, error) {
	const q = `SELECT id, dev_addr, fcnt, payload, confirmed, fport, created_at FROM pending_frames WHERE dev_addr = $1 ORDER BY created_at`
	rows, err := s.getDB().QueryContext(ctx, q, devAddr[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PendingFrame
	for rows.Next() {
		f := &models.PendingFrame{}
		var fport sql.NullInt32
		if err := rows.Scan(&f.ID, &f.DevAddr, &f.FCnt, &f.Payload, &f.Confirmed, &fport, &f.CreatedAt); err != nil {
			return nil, err
		}
		if fport.Valid {
			v := uint8(fport.Int32)
			f.FPort = &v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutPending(ctx context.Context, f *models.PendingFrame) error {
	const q = `INSERT INTO pending_frames (id, dev_addr, fcnt, payload, confirmed, fport, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := s.getDB().ExecContext(ctx, q, f.ID, f.DevAddr[:], f.FCnt, f.Payload, f.Confirmed, f.FPort, f.CreatedAt)
	return err
}

func (s *PostgresStore) PurgePending(ctx context.Context, devAddr lorawan.DevAddr) error {
	_, err := s.getDB().ExecContext(ctx, "DELETE FROM pending_frames WHERE dev_addr = $1", devAddr[:])
	return err
}

func (s *PostgresStore) DeletePendingFrame(ctx context.Context, id uuid.UUID) error {
	return s.deleteByKey(ctx, "pending_frames", "id", id)
}

func (s *PostgresStore) deleteByKey(ctx context.Context, table, column string, key interface{}) error {
	res, err := s.getDB().ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table, column), key)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

