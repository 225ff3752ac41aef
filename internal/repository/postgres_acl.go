package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/defguard/core/internal/domain"
)

// PostgresAclRepository implements AclRepository.
type PostgresAclRepository struct {
	db dbExecutor
}

func NewPostgresAclRepository(db dbExecutor) *PostgresAclRepository {
	return &PostgresAclRepository{db: db}
}

const aclRuleColumns = `id, name, allow_all_users, deny_all_users, allowed_users, denied_users,
	allowed_groups, denied_groups, destinations, ports, protocols, expires, location_ids, alias_ids`

func (r *PostgresAclRepository) CreateRule(ctx context.Context, rule *domain.AclRule) error {
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO acl_rules (`+aclRuleColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`, args...)
	if err != nil {
		return fmt.Errorf("insert acl rule: %w", err)
	}
	return nil
}

func ruleArgs(rule *domain.AclRule) ([]interface{}, error) {
	allowedUsers, err := jsonEncode(rule.AllowedUsers)
	if err != nil {
		return nil, err
	}
	deniedUsers, err := jsonEncode(rule.DeniedUsers)
	if err != nil {
		return nil, err
	}
	allowedGroups, err := jsonEncode(rule.AllowedGroups)
	if err != nil {
		return nil, err
	}
	deniedGroups, err := jsonEncode(rule.DeniedGroups)
	if err != nil {
		return nil, err
	}
	destinations, err := jsonEncode(rule.Destinations)
	if err != nil {
		return nil, err
	}
	ports, err := jsonEncode(rule.Ports)
	if err != nil {
		return nil, err
	}
	protocols, err := jsonEncode(rule.Protocols)
	if err != nil {
		return nil, err
	}
	locationIDs, err := jsonEncode(rule.LocationIDs)
	if err != nil {
		return nil, err
	}
	aliasIDs, err := jsonEncode(rule.AliasIDs)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		rule.ID, rule.Name, rule.AllowAllUsers, rule.DenyAllUsers, allowedUsers, deniedUsers,
		allowedGroups, deniedGroups, destinations, ports, protocols, rule.Expires, locationIDs, aliasIDs,
	}, nil
}

func scanAclRule(row interface{ Scan(...interface{}) error }) (*domain.AclRule, error) {
	var rule domain.AclRule
	var allowedUsers, deniedUsers, allowedGroups, deniedGroups, destinations, ports, protocols, locationIDs, aliasIDs string
	if err := row.Scan(&rule.ID, &rule.Name, &rule.AllowAllUsers, &rule.DenyAllUsers,
		&allowedUsers, &deniedUsers, &allowedGroups, &deniedGroups, &destinations, &ports,
		&protocols, &rule.Expires, &locationIDs, &aliasIDs); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewError(domain.ErrNotFound, "acl rule not found", nil)
		}
		return nil, fmt.Errorf("scan acl rule: %w", err)
	}
	for _, pair := range []struct {
		raw string
		out interface{}
	}{
		{allowedUsers, &rule.AllowedUsers}, {deniedUsers, &rule.DeniedUsers},
		{allowedGroups, &rule.AllowedGroups}, {deniedGroups, &rule.DeniedGroups},
		{destinations, &rule.Destinations}, {ports, &rule.Ports}, {protocols, &rule.Protocols},
		{locationIDs, &rule.LocationIDs}, {aliasIDs, &rule.AliasIDs},
	} {
		if err := jsonDecode(pair.raw, pair.out); err != nil {
			return nil, err
		}
	}
	return &rule, nil
}

func (r *PostgresAclRepository) GetRule(ctx context.Context, id string) (*domain.AclRule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+aclRuleColumns+` FROM acl_rules WHERE id=$1`, id)
	return scanAclRule(row)
}

func (r *PostgresAclRepository) UpdateRule(ctx context.Context, rule *domain.AclRule) error {
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}
	// ruleArgs orders id first; UPDATE needs id last for the WHERE clause.
	res, err := r.db.ExecContext(ctx, `
		UPDATE acl_rules SET name=$2, allow_all_users=$3, deny_all_users=$4, allowed_users=$5,
			denied_users=$6, allowed_groups=$7, denied_groups=$8, destinations=$9, ports=$10,
			protocols=$11, expires=$12, location_ids=$13, alias_ids=$14
		WHERE id=$1`, args...)
	if err != nil {
		return fmt.Errorf("update acl rule: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "acl rule not found")
}

func (r *PostgresAclRepository) DeleteRule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM acl_rules WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete acl rule: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "acl rule not found")
}

// RulesForLocation filters in Go rather than with a JSONB containment
// operator, keeping the query portable across the Postgres/SQLite backends
// the Store Gateway supports.
func (r *PostgresAclRepository) RulesForLocation(ctx context.Context, locationID string) ([]*domain.AclRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+aclRuleColumns+` FROM acl_rules`)
	if err != nil {
		return nil, fmt.Errorf("list acl rules: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.AclRule, 0)
	for rows.Next() {
		rule, err := scanAclRule(rows)
		if err != nil {
			return nil, err
		}
		for _, id := range rule.LocationIDs {
			if id == locationID {
				out = append(out, rule)
				break
			}
		}
	}
	return out, rows.Err()
}

const aclAliasColumns = `id, name, destinations, ports, protocols`

func (r *PostgresAclRepository) CreateAlias(ctx context.Context, alias *domain.AclAlias) error {
	destinations, err := jsonEncode(alias.Destinations)
	if err != nil {
		return err
	}
	ports, err := jsonEncode(alias.Ports)
	if err != nil {
		return err
	}
	protocols, err := jsonEncode(alias.Protocols)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO acl_aliases (`+aclAliasColumns+`) VALUES ($1,$2,$3,$4,$5)`,
		alias.ID, alias.Name, destinations, ports, protocols)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.ErrConflict, "acl alias id already exists", nil)
		}
		return fmt.Errorf("insert acl alias: %w", err)
	}
	return nil
}

func scanAclAlias(row interface{ Scan(...interface{}) error }) (*domain.AclAlias, error) {
	var alias domain.AclAlias
	var destinations, ports, protocols string
	if err := row.Scan(&alias.ID, &alias.Name, &destinations, &ports, &protocols); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewError(domain.ErrNotFound, "acl alias not found", nil)
		}
		return nil, fmt.Errorf("scan acl alias: %w", err)
	}
	if err := jsonDecode(destinations, &alias.Destinations); err != nil {
		return nil, err
	}
	if err := jsonDecode(ports, &alias.Ports); err != nil {
		return nil, err
	}
	if err := jsonDecode(protocols, &alias.Protocols); err != nil {
		return nil, err
	}
	return &alias, nil
}

func (r *PostgresAclRepository) GetAlias(ctx context.Context, id string) (*domain.AclAlias, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+aclAliasColumns+` FROM acl_aliases WHERE id=$1`, id)
	return scanAclAlias(row)
}

func (r *PostgresAclRepository) ListAliases(ctx context.Context, ids []string) ([]*domain.AclAlias, error) {
	out := make([]*domain.AclAlias, 0, len(ids))
	for _, id := range ids {
		alias, err := r.GetAlias(ctx, id)
		if err != nil {
			if derr, ok := err.(*domain.Error); ok && derr.Code == domain.ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, alias)
	}
	return out, nil
}
