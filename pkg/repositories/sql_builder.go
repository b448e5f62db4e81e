package repositories

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// statement is one parameterized SQL statement.
type statement struct {
	sql  string
	args []any
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

type placeholders struct {
	args []any
}

func (p *placeholders) add(v any) string {
	p.args = append(p.args, v)
	return fmt.Sprintf("$%d", len(p.args))
}

// buildSelect selects columns of t for every identifier in ids.
// Identifiers sharing a single field use IN; anything else falls back to OR'ed conjunctions.
func buildSelect(t entity.EntityType, columns []*entity.Field, ids []entity.Identifier) statement {
	var p placeholders
	cols := make([]string, 0, len(columns))
	for _, f := range columns {
		cols = append(cols, quote(f.Column()))
	}

	var where string
	if field, ok := singleField(ids); ok {
		params := make([]string, 0, len(ids))
		for _, id := range ids {
			v, _ := id.Get(field)
			params = append(params, p.add(v))
		}
		where = fmt.Sprintf("%s IN (%s)", quote(field.Column()), strings.Join(params, ", "))
	} else {
		clauses := make([]string, 0, len(ids))
		for _, id := range ids {
			clauses = append(clauses, "("+matchIdentifier(&p, id)+")")
		}
		where = strings.Join(clauses, " OR ")
	}

	return statement{
		sql:  fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), quote(t.Table()), where),
		args: p.args,
	}
}

// buildInsert inserts the values set on cmd. When returning is not nil, the
// generated value of that column is returned.
func buildInsert(cmd *entity.ChangeCommand, extra []entity.FieldValue, returning *entity.Field) statement {
	var p placeholders
	var cols, params []string
	for _, f := range cmd.ChangedFields() {
		cols = append(cols, quote(f.Column()))
		params = append(params, p.add(cmd.Get(f)))
	}
	for _, fv := range extra {
		cols = append(cols, quote(fv.Field.Column()))
		params = append(params, p.add(fv.Value))
	}

	var sql string
	if len(cols) == 0 {
		sql = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quote(cmd.EntityType().Table()))
	} else {
		sql = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quote(cmd.EntityType().Table()), strings.Join(cols, ", "), strings.Join(params, ", "))
	}
	if returning != nil {
		sql += " RETURNING " + quote(returning.Column())
	}
	return statement{sql: sql, args: p.args}
}

// buildUpdate sets the changed fields that are not part of the identifier.
// ok is false when there is nothing to set.
func buildUpdate(cmd *entity.ChangeCommand) (stmt statement, ok bool) {
	var p placeholders
	var sets []string
	for _, f := range cmd.ChangedFields() {
		if _, inID := cmd.Identifier().Get(f); inID {
			continue
		}
		sets = append(sets, quote(f.Column())+" = "+p.add(cmd.Get(f)))
	}
	if len(sets) == 0 {
		return statement{}, false
	}
	where := matchIdentifier(&p, cmd.Identifier())
	return statement{
		sql:  fmt.Sprintf("UPDATE %s SET %s WHERE %s", quote(cmd.EntityType().Table()), strings.Join(sets, ", "), where),
		args: p.args,
	}, true
}

func buildDelete(cmd *entity.ChangeCommand) statement {
	var p placeholders
	where := matchIdentifier(&p, cmd.Identifier())
	return statement{
		sql:  fmt.Sprintf("DELETE FROM %s WHERE %s", quote(cmd.EntityType().Table()), where),
		args: p.args,
	}
}

func matchIdentifier(p *placeholders, id entity.Identifier) string {
	parts := make([]string, 0, len(id.Values()))
	for _, fv := range id.Values() {
		if fv.Value == nil {
			parts = append(parts, quote(fv.Field.Column())+" IS NULL")
			continue
		}
		parts = append(parts, quote(fv.Field.Column())+" = "+p.add(fv.Value))
	}
	return strings.Join(parts, " AND ")
}

func singleField(ids []entity.Identifier) (*entity.Field, bool) {
	var field *entity.Field
	for _, id := range ids {
		values := id.Values()
		if len(values) != 1 || values[0].Value == nil {
			return nil, false
		}
		if field == nil {
			field = values[0].Field
		} else if field != values[0].Field {
			return nil, false
		}
	}
	return field, field != nil
}
