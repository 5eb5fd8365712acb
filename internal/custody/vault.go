package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const maxBusyTimeoutMs = 5000

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	asset   TEXT NOT NULL,
	account TEXT NOT NULL,
	balance TEXT NOT NULL,
	PRIMARY KEY (asset, account)
);
CREATE TABLE IF NOT EXISTS vaults (
	vault     TEXT NOT NULL,
	asset     TEXT NOT NULL,
	total     TEXT NOT NULL,
	earmarked TEXT NOT NULL,
	PRIMARY KEY (vault, asset)
);
CREATE TABLE IF NOT EXISTS holds (
	correlation_id TEXT PRIMARY KEY,
	vault          TEXT NOT NULL,
	asset          TEXT NOT NULL,
	kind           TEXT NOT NULL,
	account        TEXT NOT NULL,
	amount         TEXT NOT NULL,
	state          TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS holds_state ON holds(state);
`

// Vault is a SQLite-backed Custody. Amounts are uint64 per movement; account
// and vault totals are 256-bit so sums of deposits never wrap.
type Vault struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Custody = (*Vault)(nil)

// OpenVault opens or creates the custody database at path. An empty path
// keeps everything in memory.
func OpenVault(path string, logger *zap.Logger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	connStr := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", filepath.Clean(path))
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes movements and keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", maxBusyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Vault{db: db, log: logger.Named("custody")}, nil
}

// Close releases the underlying database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

func parseAmount(s string) (*uint256.Int, error) {
	n, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", s, err)
	}
	return n, nil
}

func readAccount(ctx context.Context, tx *sql.Tx, asset protocol.AssetID, account string) (*uint256.Int, error) {
	var bal string
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE asset = ? AND account = ?`, asset.Hex(), account).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(bal)
}

func writeAccount(ctx context.Context, tx *sql.Tx, asset protocol.AssetID, account string, bal *uint256.Int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts (asset, account, balance) VALUES (?, ?, ?)
		ON CONFLICT(asset, account) DO UPDATE SET balance = excluded.balance`, asset.Hex(), account, bal.Dec())
	return err
}

func readVault(ctx context.Context, tx *sql.Tx, vault string, asset protocol.AssetID) (total, earmarked *uint256.Int, err error) {
	var t, e string
	err = tx.QueryRowContext(ctx, `SELECT total, earmarked FROM vaults WHERE vault = ? AND asset = ?`, vault, asset.Hex()).Scan(&t, &e)
	if errors.Is(err, sql.ErrNoRows) {
		return new(uint256.Int), new(uint256.Int), nil
	}
	if err != nil {
		return nil, nil, err
	}
	if total, err = parseAmount(t); err != nil {
		return nil, nil, err
	}
	if earmarked, err = parseAmount(e); err != nil {
		return nil, nil, err
	}
	return total, earmarked, nil
}

func writeVault(ctx context.Context, tx *sql.Tx, vault string, asset protocol.AssetID, total, earmarked *uint256.Int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO vaults (vault, asset, total, earmarked) VALUES (?, ?, ?, ?)
		ON CONFLICT(vault, asset) DO UPDATE SET total = excluded.total, earmarked = excluded.earmarked`,
		vault, asset.Hex(), total.Dec(), earmarked.Dec())
	return err
}

// inTx runs fn in a transaction, committing on success.
func (v *Vault) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Credit mints amount into a cleartext account. It stands in for the token
// program that funds owner accounts.
func (v *Vault) Credit(ctx context.Context, asset protocol.AssetID, account string, amount uint64) error {
	return v.inTx(ctx, func(tx *sql.Tx) error {
		bal, err := readAccount(ctx, tx, asset, account)
		if err != nil {
			return err
		}
		bal.Add(bal, uint256.NewInt(amount))
		return writeAccount(ctx, tx, asset, account, bal)
	})
}

// Balance returns a cleartext account balance.
func (v *Vault) Balance(ctx context.Context, asset protocol.AssetID, account string) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = readAccount(ctx, tx, asset, account)
		return err
	})
	return out, err
}

// VaultBalance returns a vault's settled total and the part earmarked for
// pending withdrawals.
func (v *Vault) VaultBalance(ctx context.Context, vault string, asset protocol.AssetID) (total, earmarked *uint256.Int, err error) {
	err = v.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		total, earmarked, err = readVault(ctx, tx, vault, asset)
		return err
	})
	return total, earmarked, err
}

// Hold takes the optimistic side of a movement. A deposit debits the owner's
// account into escrow; a withdrawal earmarks vault funds.
func (v *Vault) Hold(ctx context.Context, h Hold) error {
	if h.CorrelationID == "" || h.Vault == "" || h.Account == "" {
		return fmt.Errorf("hold: correlation id, vault and account are required")
	}
	amount := uint256.NewInt(h.Amount)

	err := v.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM holds WHERE correlation_id = ?`, h.CorrelationID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return ErrHoldExists
		}

		switch h.Kind {
		case KindDeposit:
			bal, err := readAccount(ctx, tx, h.Asset, h.Account)
			if err != nil {
				return err
			}
			if bal.Lt(amount) {
				return fmt.Errorf("account %s holds %s, need %d: %w", h.Account, bal.Dec(), h.Amount, ErrInsufficientFunds)
			}
			bal.Sub(bal, amount)
			if err := writeAccount(ctx, tx, h.Asset, h.Account, bal); err != nil {
				return err
			}
		case KindWithdraw:
			total, earmarked, err := readVault(ctx, tx, h.Vault, h.Asset)
			if err != nil {
				return err
			}
			available := new(uint256.Int).Sub(total, earmarked)
			if available.Lt(amount) {
				return fmt.Errorf("vault %s has %s available, need %d: %w", h.Vault, available.Dec(), h.Amount, ErrInsufficientFunds)
			}
			earmarked.Add(earmarked, amount)
			if err := writeVault(ctx, tx, h.Vault, h.Asset, total, earmarked); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown hold kind %q", h.Kind)
		}

		now := time.Now().Unix()
		_, err := tx.ExecContext(ctx, `INSERT INTO holds
			(correlation_id, vault, asset, kind, account, amount, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.CorrelationID, h.Vault, h.Asset.Hex(), string(h.Kind), h.Account, amount.Dec(), string(StateHeld), now, now)
		return err
	})
	if err != nil {
		return err
	}
	v.log.Debug("hold taken", zap.String("request", h.CorrelationID), zap.String("kind", string(h.Kind)), zap.String("vault", h.Vault))
	return nil
}

func (v *Vault) loadHold(ctx context.Context, tx *sql.Tx, correlationID string) (*Hold, error) {
	var (
		h                          Hold
		asset, kind, amount, state string
	)
	err := tx.QueryRowContext(ctx, `SELECT correlation_id, vault, asset, kind, account, amount, state
		FROM holds WHERE correlation_id = ?`, correlationID).
		Scan(&h.CorrelationID, &h.Vault, &asset, &kind, &h.Account, &amount, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	if h.Asset, err = protocol.HexToAssetID(asset); err != nil {
		return nil, fmt.Errorf("stored asset: %w", err)
	}
	n, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	h.Amount = n.Uint64()
	h.Kind, h.State = Kind(kind), State(state)
	return &h, nil
}

func closeHold(ctx context.Context, tx *sql.Tx, correlationID string, state State) error {
	_, err := tx.ExecContext(ctx, `UPDATE holds SET state = ?, updated_at = ? WHERE correlation_id = ?`,
		string(state), time.Now().Unix(), correlationID)
	return err
}

// Settle finalizes a hold: escrowed deposits enter the vault, earmarked
// withdrawals are paid to the owner's account.
func (v *Vault) Settle(ctx context.Context, correlationID string) error {
	err := v.inTx(ctx, func(tx *sql.Tx) error {
		h, err := v.loadHold(ctx, tx, correlationID)
		if err != nil {
			return err
		}
		if h.State != StateHeld {
			return ErrHoldClosed
		}
		amount := uint256.NewInt(h.Amount)
		total, earmarked, err := readVault(ctx, tx, h.Vault, h.Asset)
		if err != nil {
			return err
		}

		switch h.Kind {
		case KindDeposit:
			total.Add(total, amount)
		case KindWithdraw:
			total.Sub(total, amount)
			earmarked.Sub(earmarked, amount)
			bal, err := readAccount(ctx, tx, h.Asset, h.Account)
			if err != nil {
				return err
			}
			bal.Add(bal, amount)
			if err := writeAccount(ctx, tx, h.Asset, h.Account, bal); err != nil {
				return err
			}
		}
		if err := writeVault(ctx, tx, h.Vault, h.Asset, total, earmarked); err != nil {
			return err
		}
		return closeHold(ctx, tx, correlationID, StateSettled)
	})
	if err != nil {
		return err
	}
	v.log.Debug("hold settled", zap.String("request", correlationID))
	return nil
}

// Revert undoes a hold: escrowed deposits return to the owner, earmarks are
// released.
func (v *Vault) Revert(ctx context.Context, correlationID string) error {
	err := v.inTx(ctx, func(tx *sql.Tx) error {
		h, err := v.loadHold(ctx, tx, correlationID)
		if err != nil {
			return err
		}
		if h.State != StateHeld {
			return ErrHoldClosed
		}
		amount := uint256.NewInt(h.Amount)

		switch h.Kind {
		case KindDeposit:
			bal, err := readAccount(ctx, tx, h.Asset, h.Account)
			if err != nil {
				return err
			}
			bal.Add(bal, amount)
			if err := writeAccount(ctx, tx, h.Asset, h.Account, bal); err != nil {
				return err
			}
		case KindWithdraw:
			total, earmarked, err := readVault(ctx, tx, h.Vault, h.Asset)
			if err != nil {
				return err
			}
			earmarked.Sub(earmarked, amount)
			if err := writeVault(ctx, tx, h.Vault, h.Asset, total, earmarked); err != nil {
				return err
			}
		}
		return closeHold(ctx, tx, correlationID, StateReverted)
	})
	if err != nil {
		return err
	}
	v.log.Debug("hold reverted", zap.String("request", correlationID))
	return nil
}

// OpenHolds lists holds still in the held state, oldest first.
func (v *Vault) OpenHolds(ctx context.Context) ([]Hold, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT correlation_id FROM holds WHERE state = ? ORDER BY created_at, correlation_id`, string(StateHeld))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Hold, 0, len(ids))
	err = v.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			h, err := v.loadHold(ctx, tx, id)
			if err != nil {
				return err
			}
			out = append(out, *h)
		}
		return nil
	})
	return out, err
}
