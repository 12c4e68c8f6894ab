package recordstore

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/yutakatoz/cryptstore/pkg/identity"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(Config{Path: path, Logger: quietLogger()})
	require.NoError(t, err)
	return s
}

func TestNewRejectsEmptyPath(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.Error(t, err)
}

func TestAppendAndLoadPurchases(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "records"))
	defer s.Close()

	for i := uint64(0); i < 5; i++ {
		require.NoError(t, s.AppendPurchase(samplePurchase(t, i)))
	}

	records, err := s.LoadPurchases()
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, rec := range records {
		require.Equal(t, uint64(i), rec.ID, "record order must equal append order")
	}
}

func TestLoadPurchasesSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "records")

	s := openTestStore(t, path)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, s.AppendPurchase(samplePurchase(t, i)))
	}
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	defer reopened.Close()

	records, err := reopened.LoadPurchases()
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		require.Equal(t, uint64(i), rec.ID)
	}
}

func TestShopRole(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "records")
	s := openTestStore(t, path)

	_, found, err := s.LoadShop()
	require.NoError(t, err)
	require.False(t, found, "fresh store must not report a persisted shop")

	var shop identity.Identity
	_, err = rand.Read(shop[:])
	require.NoError(t, err)

	require.NoError(t, s.SaveShop(shop))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	defer reopened.Close()

	got, found, err := reopened.LoadShop()
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.Equal(shop), "persisted shop must round trip")
}
