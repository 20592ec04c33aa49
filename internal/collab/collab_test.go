package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&CodeSession{}, &Collaborator{}))
	return NewGormStore(db)
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Start(ctx, &CodeSession{
		SessionID:     "s1",
		RepositoryURL: "https://example.com/repo.git",
		OwnerID:       7,
	}))

	cs, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, DefaultBranch, cs.Branch)
	assert.True(t, cs.IsActive)
	assert.EqualValues(t, 7, cs.OwnerID)

	collabs, err := s.Collaborators(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, collabs, 1)
	assert.Equal(t, PermissionAdmin, collabs[0].Permissions)

	require.NoError(t, s.End(ctx, "s1"))
	cs, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, cs.IsActive)

	require.NoError(t, s.Start(ctx, &CodeSession{
		SessionID:     "s1",
		RepositoryURL: "https://example.com/other.git",
		Branch:        "dev",
		OwnerID:       7,
	}))
	cs, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, cs.IsActive)
	assert.Equal(t, "dev", cs.Branch)
	assert.Equal(t, "https://example.com/other.git", cs.RepositoryURL)

	collabs, err = s.Collaborators(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, collabs, 1)

	require.NoError(t, s.End(ctx, "unknown"))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestGormStore(t *testing.T) {
	testStore(t, newTestGormStore(t))
}
