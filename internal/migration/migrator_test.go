package migration

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cinegen/internal/database"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		input   string
		want    DatabaseType
		wantErr bool
	}{
		{"postgres", DatabaseTypePostgres, false},
		{"postgresql", DatabaseTypePostgres, false},
		{"pg", DatabaseTypePostgres, false},
		{"mysql", DatabaseTypeMySQL, false},
		{"mariadb", DatabaseTypeMySQL, false},
		{"sqlite", DatabaseTypeSQLite, false},
		{"sqlite3", DatabaseTypeSQLite, false},
		{" POSTGRES ", DatabaseTypePostgres, false},
		{"oracle", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAvailableMigrations(t *testing.T) {
	for _, dt := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		t.Run(string(dt), func(t *testing.T) {
			files, err := availableMigrations(dt)
			require.NoError(t, err)
			require.Len(t, files, 4)
			assert.Equal(t, uint(1), files[0].version)
			assert.Equal(t, "create_personas", files[0].name)
			assert.Equal(t, "create_reference_embeddings", files[1].name)
			assert.Equal(t, "create_generation_jobs", files[2].name)
			assert.Equal(t, "unique_reference_embedding_seq", files[3].name)
		})
	}
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.Error(t, err)

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypeSQLite})
	assert.Error(t, err)

	_, err = NewMigrator(&Config{DatabaseType: "oracle", DatabaseURL: "x"})
	assert.Error(t, err)

	_, err = NewMigratorFromDatabaseConfig(database.Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func newSQLiteMigrator(t *testing.T) (*DefaultMigrator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cinegen.db")
	m, err := NewMigratorFromDatabaseConfig(database.Config{Driver: "sqlite", DSN: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, path
}

func TestMigrator_SQLite(t *testing.T) {
	ctx := context.Background()
	m, path := newSQLiteMigrator(t)

	v, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	// 重复执行不报错
	require.NoError(t, m.Up(ctx))

	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(4), v)

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 4)
	for _, s := range statuses {
		assert.True(t, s.Applied, s.Name)
	}

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`INSERT INTO generation_jobs (id, state, data, created_at, updated_at) VALUES ('j1', 'queued', '{}', '2026-01-01', '2026-01-01')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO generation_jobs (id, state, data, created_at, updated_at) VALUES ('j1', 'queued', '{}', '2026-01-01', '2026-01-01')`)
	assert.Error(t, err, "job id must be unique")

	_, err = db.Exec(`INSERT INTO reference_embeddings (id, persona_id, emotion, vector, seq) VALUES ('r1', 'p', 'neutral', '[1]', 1)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO reference_embeddings (id, persona_id, emotion, vector, seq) VALUES ('r2', 'p', 'neutral', '[1]', 1)`)
	assert.Error(t, err, "embedding seq must be unique")

	require.NoError(t, m.Down(ctx))
	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(3), info.CurrentVersion)
	assert.Equal(t, 3, info.AppliedMigrations)
	assert.Equal(t, 1, info.PendingMigrations)

	require.NoError(t, m.Goto(ctx, 1))
	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	require.NoError(t, m.DownAll(ctx))
	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestCLI_Run(t *testing.T) {
	ctx := context.Background()
	m, _ := newSQLiteMigrator(t)

	var buf bytes.Buffer
	cli := NewCLI(m)
	cli.SetOutput(&buf)

	require.NoError(t, cli.Run(ctx, "version", nil))
	assert.Contains(t, buf.String(), "No migrations applied yet.")

	buf.Reset()
	require.NoError(t, cli.Run(ctx, "steps", []string{"2"}))
	assert.Contains(t, buf.String(), "Current version: 2")

	buf.Reset()
	require.NoError(t, cli.Run(ctx, "status", nil))
	out := buf.String()
	assert.Contains(t, out, "create_personas")
	assert.Contains(t, out, "create_generation_jobs")
	assert.Contains(t, out, "2 applied, 2 pending")

	buf.Reset()
	require.NoError(t, cli.Run(ctx, "up", nil))
	require.NoError(t, cli.Run(ctx, "info", nil))
	assert.Contains(t, buf.String(), "pending:          0")

	assert.Error(t, cli.Run(ctx, "steps", nil))
	assert.Error(t, cli.Run(ctx, "goto", []string{"-1"}))
	assert.Error(t, cli.Run(ctx, "sideways", nil))
}
