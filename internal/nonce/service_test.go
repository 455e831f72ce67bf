package nonce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/pkgdepot/internal/apperr"
	"github.com/hatemosphere/pkgdepot/internal/clock"
	"github.com/hatemosphere/pkgdepot/internal/storage"
)

func newTestService(t *testing.T, start int64, opts ...Option) (*Service, *clock.Manual, *storage.MemoryStore) {
	t.Helper()
	clk := clock.NewManualUnix(start)
	store := storage.NewMemoryStore()
	opts = append([]Option{WithClock(clk)}, opts...)
	return NewService(store, opts...), clk, store
}

func mustCreate(t *testing.T, svc *Service, p CreateParams) string {
	t.Helper()
	p.Persist = true
	res, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	return res.Token()
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, TokenPrefix))
	// "nce_" (4) + 64 hex chars = 68
	assert.Len(t, token, 68)

	other, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestCreate_ReturnVariants(t *testing.T) {
	svc, _, _ := newTestService(t, 1000)
	ctx := context.Background()

	tokRes, err := svc.Create(ctx, CreateParams{ExpirySeconds: 60, Data: map[string]any{"u": "alice"}, Persist: true})
	require.NoError(t, err)
	assert.Equal(t, ReturnToken, tokRes.Kind())
	tok, ok := tokRes.Value().(string)
	require.True(t, ok)
	assert.Equal(t, tokRes.Token(), tok)

	recRes, err := svc.Create(ctx, CreateParams{ExpirySeconds: 60, Data: map[string]any{"u": "alice"}, Return: ReturnRecord, Persist: true})
	require.NoError(t, err)
	rec, ok := recRes.Value().(*storage.NonceRecord)
	require.True(t, ok)
	assert.Equal(t, recRes.Token(), rec.Token)
	assert.Equal(t, int64(1000), rec.CreatedAt.Unix())
	assert.Equal(t, int64(1060), rec.ExpiresAt.Unix())
	assert.Equal(t, map[string]any{"u": "alice"}, rec.Data)

	// Both variants describe the same underlying data.
	assert.Equal(t, tokRes.Record.ExpiresAt, recRes.Record.ExpiresAt)
	assert.Equal(t, tokRes.Record.Data, recRes.Record.Data)
}

func TestCreate_UnknownReturnKind(t *testing.T) {
	svc, _, _ := newTestService(t, 1000)
	_, err := svc.Create(context.Background(), CreateParams{Return: ReturnKind(7)})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestCreate_NotPersisted(t *testing.T) {
	svc, _, store := newTestService(t, 1000)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateParams{TrueNonce: true, ExpirySeconds: 30, Return: ReturnRecord})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token())
	assert.Equal(t, 0, store.Len())

	_, err = svc.Validate(ctx, res.Token())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreate_LenientDefaults(t *testing.T) {
	svc, clk, _ := newTestService(t, 1000)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateParams{
		ExpirySeconds: -5,
		Data:          map[string]any{"cb": func() {}},
		Return:        ReturnRecord,
		Persist:       true,
	})
	require.NoError(t, err)
	assert.True(t, res.Record.NeverExpires())
	assert.Equal(t, map[string]any{}, res.Record.Data)

	clk.Advance(10 * 365 * 24 * time.Hour)
	_, err = svc.Validate(ctx, res.Token())
	assert.NoError(t, err)
}

func TestCreate_NilDataBecomesEmpty(t *testing.T) {
	svc, _, _ := newTestService(t, 1000)
	token := mustCreate(t, svc, CreateParams{ExpirySeconds: 30})

	data, err := svc.GetData(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, data)
}

func TestCreate_RecordDataMatchesLookups(t *testing.T) {
	svc, _, _ := newTestService(t, 1000)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateParams{
		ExpirySeconds: 30,
		Data:          map[string]any{"n": 1, "f": 2.5, "nested": map[string]any{"ids": []int{7, 8}}},
		Return:        ReturnRecord,
		Persist:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), res.Record.Data["n"])

	data, err := svc.GetData(ctx, res.Token())
	require.NoError(t, err)
	assert.Equal(t, res.Record.Data, data)

	rec, err := svc.Get(ctx, res.Token())
	require.NoError(t, err)
	assert.Equal(t, res.Record.Data, rec.Data)

	// Unpersisted records take the same shape.
	res, err = svc.Create(ctx, CreateParams{Data: map[string]any{"n": 1}, Return: ReturnRecord})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": json.Number("1")}, res.Record.Data)
}

func TestCreate_StrictArguments(t *testing.T) {
	svc, _, _ := newTestService(t, 1000, WithStrictArguments(true))
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{ExpirySeconds: -1, Persist: true})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = svc.Create(ctx, CreateParams{ExpirySeconds: 10, Data: map[string]any{"ch": make(chan int)}, Persist: true})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestCreate_TokenCollisionRetries(t *testing.T) {
	tokens := []string{"nce_taken", "nce_taken", "nce_fresh"}
	var i int
	gen := func() (string, error) {
		tok := tokens[i]
		i++
		return tok, nil
	}
	svc, _, store := newTestService(t, 1000, WithTokenGenerator(gen))
	require.NoError(t, store.CreateNonce(context.Background(), &storage.NonceRecord{Token: "nce_taken", CreatedAt: time.Unix(1, 0)}))

	res, err := svc.Create(context.Background(), CreateParams{Persist: true})
	require.NoError(t, err)
	assert.Equal(t, "nce_fresh", res.Token())
}

func TestCreate_TokenCollisionGivesUp(t *testing.T) {
	svc, _, store := newTestService(t, 1000, WithTokenGenerator(func() (string, error) { return "nce_same", nil }))
	require.NoError(t, store.CreateNonce(context.Background(), &storage.NonceRecord{Token: "nce_same", CreatedAt: time.Unix(1, 0)}))

	_, err := svc.Create(context.Background(), CreateParams{Persist: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "collided")
}

func TestCreate_ExpiryOutOfRange(t *testing.T) {
	svc, _, _ := newTestService(t, 1000)
	_, err := svc.Create(context.Background(), CreateParams{ExpirySeconds: 1<<63 - 1, Persist: true})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestExpiryBoundaries(t *testing.T) {
	for _, expiry := range []int64{1, 2, 30, 3600} {
		t.Run(fmt.Sprintf("expiry=%d", expiry), func(t *testing.T) {
			svc, clk, _ := newTestService(t, 1000)
			ctx := context.Background()
			token := mustCreate(t, svc, CreateParams{ExpirySeconds: expiry})

			clk.SetUnix(1000 + expiry - 1)
			_, err := svc.Validate(ctx, token)
			require.NoError(t, err)

			clk.SetUnix(1000 + expiry + 1)
			_, err = svc.Validate(ctx, token)
			assert.ErrorIs(t, err, apperr.ErrExpired)
		})
	}
}

func TestExpiredRecordIsDeletedLazily(t *testing.T) {
	svc, clk, store := newTestService(t, 1000)
	ctx := context.Background()
	token := mustCreate(t, svc, CreateParams{ExpirySeconds: 10})

	clk.SetUnix(1011)
	_, err := svc.Validate(ctx, token)
	require.ErrorIs(t, err, apperr.ErrExpired)
	assert.Equal(t, 0, store.Len())

	// Once removed, the token is simply unknown.
	_, err = svc.Validate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestZeroExpiryNeverExpires(t *testing.T) {
	svc, clk, _ := newTestService(t, 1000)
	ctx := context.Background()
	token := mustCreate(t, svc, CreateParams{ExpirySeconds: 0, Data: map[string]any{"k": "v"}})

	clk.SetUnix(1 << 40)
	rec, err := svc.Validate(ctx, token)
	require.NoError(t, err)
	assert.True(t, rec.NeverExpires())

	exp, err := svc.GetExpiry(ctx, token)
	require.NoError(t, err)
	assert.True(t, exp.IsZero())
}

func TestTrueNonceSingleUse(t *testing.T) {
	svc, _, _ := newTestService(t, 1000)
	ctx := context.Background()
	token := mustCreate(t, svc, CreateParams{TrueNonce: true, ExpirySeconds: 30, Data: map[string]any{"u": "alice"}})

	rec, err := svc.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"u": "alice"}, rec.Data)

	_, err = svc.Validate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReusableNonce(t *testing.T) {
	svc, clk, _ := newTestService(t, 1000)
	ctx := context.Background()
	token := mustCreate(t, svc, CreateParams{ExpirySeconds: 30, Data: map[string]any{"plan": "pro"}})

	for sec := int64(1000); sec <= 1030; sec += 5 {
		clk.SetUnix(sec)
		rec, err := svc.Validate(ctx, token)
		require.NoError(t, err, "at %d", sec)
		assert.Equal(t, map[string]any{"plan": "pro"}, rec.Data)
	}

	clk.SetUnix(1031)
	_, err := svc.Validate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrExpired)
}

func TestAliceScenario(t *testing.T) {
	svc, clk, _ := newTestService(t, 1000)
	ctx := context.Background()
	token := mustCreate(t, svc, CreateParams{TrueNonce: true, ExpirySeconds: 30, Data: map[string]any{"u": "alice"}})

	exp, err := svc.GetExpiry(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(1030), exp.Unix())

	clk.SetUnix(1010)
	data, err := svc.GetData(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"u": "alice"}, data)

	_, err = svc.Validate(ctx, token)
	require.NoError(t, err)

	clk.SetUnix(1011)
	_, err = svc.GetData(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLookupsDoNotConsume(t *testing.T) {
	svc, _, _ := newTestService(t, 1000)
	ctx := context.Background()
	token := mustCreate(t, svc, CreateParams{TrueNonce: true, ExpirySeconds: 30})

	for range 3 {
		_, err := svc.Get(ctx, token)
		require.NoError(t, err)
	}
	_, err := svc.Validate(ctx, token)
	assert.NoError(t, err)
}

func TestEmptyTokenIsInvalid(t *testing.T) {
	svc, _, _ := newTestService(t, 1000)
	ctx := context.Background()

	_, err := svc.Validate(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = svc.GetData(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = svc.Delete(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestDelete(t *testing.T) {
	svc, _, _ := newTestService(t, 1000)
	ctx := context.Background()
	token := mustCreate(t, svc, CreateParams{ExpirySeconds: 30})

	ok, err := svc.Delete(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Delete(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.GetExpiry(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestClearExpired(t *testing.T) {
	svc, clk, store := newTestService(t, 1000)
	ctx := context.Background()

	for range 4 {
		mustCreate(t, svc, CreateParams{ExpirySeconds: 10})
	}
	keep := []string{
		mustCreate(t, svc, CreateParams{ExpirySeconds: 100}),
		mustCreate(t, svc, CreateParams{ExpirySeconds: 0}),
		mustCreate(t, svc, CreateParams{TrueNonce: true, ExpirySeconds: 50}),
	}

	clk.SetUnix(1020)
	n, err := svc.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = svc.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	assert.Equal(t, len(keep), store.Len())
	for _, token := range keep {
		_, err := svc.Get(ctx, token)
		assert.NoError(t, err)
	}
}

func TestConcurrentValidateSingleWinner(t *testing.T) {
	stores := map[string]storage.NonceStore{
		"memory": storage.NewMemoryStore(),
	}
	sqlite, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "nonces.db"))
	require.NoError(t, err)
	defer sqlite.Close()
	stores["sqlite"] = sqlite

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			svc := NewService(store, WithClock(clock.NewManualUnix(1000)))
			token := mustCreate(t, svc, CreateParams{TrueNonce: true, ExpirySeconds: 30})

			var ok, notFound atomic.Int32
			var wg sync.WaitGroup
			for range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.Validate(context.Background(), token)
					switch {
					case err == nil:
						ok.Add(1)
					case errors.Is(err, apperr.ErrNotFound):
						notFound.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), ok.Load())
			assert.Equal(t, int32(49), notFound.Load())
		})
	}
}

// MockStore lets tests inject store failures.
type MockStore struct {
	mock.Mock
	storage.NonceStore
}

func (m *MockStore) GetNonce(ctx context.Context, token string) (*storage.NonceRecord, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.NonceRecord), args.Error(1)
}

func (m *MockStore) ConsumeNonce(ctx context.Context, token string) (*storage.NonceRecord, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.NonceRecord), args.Error(1)
}

func (m *MockStore) CreateNonce(ctx context.Context, rec *storage.NonceRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockStore) DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func TestStoreFailuresSurfaceAsStoreUnavailable(t *testing.T) {
	store := new(MockStore)
	svc := NewService(store, WithClock(clock.NewManualUnix(1000)))
	ctx := context.Background()
	ioErr := errors.New("database is locked")

	store.On("GetNonce", ctx, "nce_x").Return(nil, ioErr)
	store.On("CreateNonce", ctx, mock.Anything).Return(ioErr)
	store.On("DeleteExpiredNonces", ctx, time.Unix(1000, 0)).Return(int64(0), ioErr)

	_, err := svc.Validate(ctx, "nce_x")
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.ErrorIs(t, err, ioErr)

	_, err = svc.Create(ctx, CreateParams{Persist: true})
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)

	_, err = svc.ClearExpired(ctx)
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)

	store.AssertExpectations(t)
}

func TestValidateLosesConsumeRace(t *testing.T) {
	store := new(MockStore)
	svc := NewService(store, WithClock(clock.NewManualUnix(1000)))
	ctx := context.Background()

	rec := &storage.NonceRecord{Token: "nce_r", TrueNonce: true, CreatedAt: time.Unix(1000, 0), Data: map[string]any{}}
	store.On("GetNonce", ctx, "nce_r").Return(rec, nil)
	store.On("ConsumeNonce", ctx, "nce_r").Return(nil, nil)

	_, err := svc.Validate(ctx, "nce_r")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestParseReturnKind(t *testing.T) {
	k, err := ParseReturnKind("")
	require.NoError(t, err)
	assert.Equal(t, ReturnToken, k)

	k, err = ParseReturnKind("Record")
	require.NoError(t, err)
	assert.Equal(t, ReturnRecord, k)

	_, err = ParseReturnKind("bogus")
	assert.Error(t, err)
}
