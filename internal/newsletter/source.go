package newsletter

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSource loads newsletter reference data from Postgres. Languages are
// stored as a comma-separated list, casing preserved as configured.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

func (s *PGSource) Load(ctx context.Context) ([]Newsletter, map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT slug, vendor_id, title, requires_double_optin, languages,
		       welcome_id, confirm_message, private, active
		FROM subgate.newsletters
		WHERE active`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var newsletters []Newsletter
	for rows.Next() {
		var nl Newsletter
		var languages string
		if err := rows.Scan(&nl.Slug, &nl.VendorID, &nl.Title, &nl.RequiresDoubleOptIn,
			&languages, &nl.WelcomeID, &nl.ConfirmMessage, &nl.Private, &nl.Active); err != nil {
			return nil, nil, err
		}
		nl.Languages = splitLanguages(languages)
		newsletters = append(newsletters, nl)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	sms := make(map[string]string)
	smsRows, err := s.pool.Query(ctx, `SELECT message_id, vendor_id FROM subgate.sms_messages`)
	if err != nil {
		return nil, nil, err
	}
	defer smsRows.Close()
	for smsRows.Next() {
		var id, vendorID string
		if err := smsRows.Scan(&id, &vendorID); err != nil {
			return nil, nil, err
		}
		sms[id] = vendorID
	}
	if err := smsRows.Err(); err != nil {
		return nil, nil, err
	}

	return newsletters, sms, nil
}

func splitLanguages(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StaticSource serves a fixed newsletter list; used in tests and local
// development where no database is around.
type StaticSource struct {
	Newsletters []Newsletter
	SMS         map[string]string
}

func (s *StaticSource) Load(ctx context.Context) ([]Newsletter, map[string]string, error) {
	return s.Newsletters, s.SMS, nil
}
