package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"mem":  NewMemStore(),
		"bolt": bolt,
	}
}

func TestStoreGetMissingReturnsErrNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get("absent")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorePutThenGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put("k1", []byte("v1")))
			v, err := s.Get("k1")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), v)
		})
	}
}

func TestStoreCompareAndSwapRequiresExactMatch(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.CompareAndSwap("k1", nil, []byte("v1"))
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = s.CompareAndSwap("k1", []byte("wrong"), []byte("v2"))
			require.NoError(t, err)
			require.False(t, ok)

			ok, err = s.CompareAndSwap("k1", []byte("v1"), []byte("v2"))
			require.NoError(t, err)
			require.True(t, ok)

			v, err := s.Get("k1")
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), v)
		})
	}
}

func TestStoreCompareAndSwapDeleteOnNilNext(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put("k1", []byte("v1")))
			ok, err := s.CompareAndSwap("k1", []byte("v1"), nil)
			require.NoError(t, err)
			require.True(t, ok)

			_, err = s.Get("k1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreListByPrefix(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put("lrm_status/n1", []byte("a")))
			require.NoError(t, s.Put("lrm_status/n2", []byte("b")))
			require.NoError(t, s.Put("manager_status", []byte("c")))

			docs, err := s.List("lrm_status/")
			require.NoError(t, err)
			require.Len(t, docs, 2)
			require.Equal(t, []byte("a"), docs["lrm_status/n1"])
		})
	}
}

func TestStoreDeleteAbsentKeyIsNotAnError(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Delete("never-existed"))
		})
	}
}

func TestLRMStatusKey(t *testing.T) {
	require.Equal(t, "lrm_status/node1", LRMStatusKey("node1"))
}
