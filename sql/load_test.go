package sql

import (
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	db := initDB(t)
	defer db.Instance.Close()

	t.Run("Initialize database extensions", func(t *testing.T) {
		err := Init(db.Instance)
		assert.NoError(t, err)

		// Verify pgvector extension is created
		var exists bool
		err = db.Instance.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector');").Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "pgvector extension should be created")

		// Verify pgcrypto extension is created
		err = db.Instance.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'pgcrypto');").Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "pgcrypto extension should be created")
	})

	t.Run("Initialize database extensions is idempotent", func(t *testing.T) {
		err := Init(db.Instance)
		assert.NoError(t, err)

		err = Init(db.Instance)
		assert.NoError(t, err)
	})
}

func TestLoadSqlGroups(t *testing.T) {
	db := initDB(t)
	defer db.Instance.Close()

	err := Init(db.Instance)
	require.NoError(t, err)

	groups := []struct {
		name      string
		load      func(*sql.DB, bool) error
		functions []string
	}{
		{"documents", LoadDocumentsSql, DocumentsFunctions},
		{"chunks", LoadChunksSql, ChunksFunctions},
		{"entities", LoadEntitiesSql, EntitiesFunctions},
		{"edges", LoadEdgesSql, EdgesFunctions},
		{"embeddings", LoadEmbeddingsSql, EmbeddingsFunctions},
		{"ingestions", LoadIngestionsSql, IngestionsFunctions},
	}

	for _, group := range groups {
		t.Run("Load "+group.name+" SQL functions", func(t *testing.T) {
			err := group.load(db.Instance, false)
			assert.NoError(t, err)

			for _, funcName := range group.functions {
				var exists bool
				err = db.Instance.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_proc WHERE proname = $1);", funcName).Scan(&exists)
				require.NoError(t, err)
				assert.True(t, exists, "Function %s should exist", funcName)
			}
		})

		t.Run("Load "+group.name+" SQL is idempotent without force", func(t *testing.T) {
			err := group.load(db.Instance, false)
			assert.NoError(t, err)
		})

		t.Run("Load "+group.name+" SQL with force reloads", func(t *testing.T) {
			err := group.load(db.Instance, true)
			assert.NoError(t, err)

			for _, funcName := range group.functions {
				var exists bool
				err = db.Instance.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_proc WHERE proname = $1);", funcName).Scan(&exists)
				require.NoError(t, err)
				assert.True(t, exists, "Function %s should exist after force reload", funcName)
			}
		})
	}
}

func TestLoadAllSql(t *testing.T) {
	db := initDB(t)
	defer db.Instance.Close()

	err := Init(db.Instance)
	require.NoError(t, err)

	t.Run("Load all SQL functions", func(t *testing.T) {
		err := LoadAllSql(db.Instance, false)
		assert.NoError(t, err)

		all := [][]string{
			DocumentsFunctions, ChunksFunctions, EntitiesFunctions,
			EdgesFunctions, EmbeddingsFunctions, IngestionsFunctions,
		}
		for _, functions := range all {
			for _, funcName := range functions {
				var exists bool
				err = db.Instance.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_proc WHERE proname = $1);", funcName).Scan(&exists)
				require.NoError(t, err)
				assert.True(t, exists, "Function %s should exist", funcName)
			}
		}
	})

	t.Run("Load all SQL is idempotent without force", func(t *testing.T) {
		err := LoadAllSql(db.Instance, false)
		assert.NoError(t, err)
	})

	t.Run("Load all SQL with force reloads", func(t *testing.T) {
		err := LoadAllSql(db.Instance, true)
		assert.NoError(t, err)
	})
}

func TestCheckFunctions(t *testing.T) {
	db := initDB(t)
	defer db.Instance.Close()

	err := Init(db.Instance)
	require.NoError(t, err)

	t.Run("Check functions returns false when functions don't exist", func(t *testing.T) {
		exists, err := checkFunctions(db.Instance, []string{"nonexistent_function"})
		assert.NoError(t, err)
		assert.False(t, exists, "Should return false for nonexistent function")
	})

	t.Run("Check functions returns true when all functions exist", func(t *testing.T) {
		err := LoadDocumentsSql(db.Instance, false)
		require.NoError(t, err)

		exists, err := checkFunctions(db.Instance, DocumentsFunctions)
		assert.NoError(t, err)
		assert.True(t, exists, "Should return true when all functions exist")
	})

	t.Run("Check functions returns false when some functions don't exist", func(t *testing.T) {
		mixedFunctions := append([]string{"init_documents"}, "nonexistent_function")
		exists, err := checkFunctions(db.Instance, mixedFunctions)
		assert.NoError(t, err)
		assert.False(t, exists, "Should return false when some functions don't exist")
	})
}

func TestEmbeddedSQL(t *testing.T) {
	t.Run("Init SQL is embedded", func(t *testing.T) {
		assert.NotEmpty(t, initSQL, "initSQL should be embedded")
		assert.Contains(t, initSQL, "CREATE EXTENSION", "Should contain CREATE EXTENSION")
	})

	t.Run("All function files are embedded", func(t *testing.T) {
		for name, content := range map[string]string{
			"documents":  documentsSQL,
			"chunks":     chunksSQL,
			"entities":   entitiesSQL,
			"edges":      edgesSQL,
			"embeddings": embeddingsSQL,
			"ingestions": ingestionsSQL,
		} {
			assert.NotEmpty(t, content, "%sSQL should be embedded", name)
			assert.Contains(t, content, "CREATE", "%sSQL should contain CREATE statements", name)
		}
	})
}
