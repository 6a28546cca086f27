package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"clinicore.org/internal/authz"
)

type roleStore struct {
	db *sql.DB
}

func (s roleStore) Role(ctx context.Context, name string) (authz.Role, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `select permissions from roles where name=$1`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Role{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Role{}, err
	}
	role := authz.Role{Name: name}
	if err := json.Unmarshal(raw, &role.Permissions); err != nil {
		return authz.Role{}, fmt.Errorf("decode permissions: %w", err)
	}
	return role, nil
}

func (s roleStore) UpsertRole(ctx context.Context, role authz.Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles(name, permissions) values ($1,$2)
		on conflict (name) do update set permissions = excluded.permissions
	`, role.Name, perms)
	return err
}

func (s roleStore) Bind(ctx context.Context, b authz.Binding) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_bindings(identity_id, role_name, tenant)
		values ($1,$2,$3) on conflict do nothing
	`, b.IdentityID, b.Role, b.Tenant)
	return err
}

func (s roleStore) Unbind(ctx context.Context, b authz.Binding) error {
	_, err := s.db.ExecContext(ctx, `
		delete from role_bindings
		where identity_id=$1 and role_name=$2 and tenant=$3
	`, b.IdentityID, b.Role, b.Tenant)
	return err
}

func (s roleStore) BindingsFor(ctx context.Context, identityID string) ([]authz.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		select identity_id, role_name, tenant from role_bindings where identity_id=$1
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Binding
	for rows.Next() {
		var b authz.Binding
		if err := rows.Scan(&b.IdentityID, &b.Role, &b.Tenant); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
