package saga

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	"github.com/drblury/cqrsflow/internal/runtime/store/sqlstore"
	"github.com/drblury/cqrsflow/internal/runtime/uow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type checkout struct {
	Reserved []string `json:"reserved"`
	Paid     bool     `json:"paid"`
}

var checkoutSaga = envelopepkg.SagaInfo{SagaID: "saga-1", SagaType: "checkout"}

func newCoordinator(t *testing.T, repo Repository, locker Locker, retries int) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(repo, locker, retries, loggingpkg.NewNopLogger())
	require.NoError(t, err)
	return c
}

func openSQLRepository(t *testing.T) *SQLRepository {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: "file:" + name + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	repo := NewSQLRepository(st.DB(), st.Dialect())
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("load missing", func(t *testing.T) {
		_, err := newRepo(t).Load(context.Background(), "nope")
		assert.ErrorIs(t, err, errspkg.ErrSagaNotFound)
	})

	t.Run("save and reload", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		state := &State{SagaID: "s-1", SagaType: "checkout", Data: []byte(`{"paid":false}`)}
		require.NoError(t, repo.Save(ctx, state, 0))
		assert.Equal(t, int64(1), state.Version)

		loaded, err := repo.Load(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Version)
		assert.Equal(t, "checkout", loaded.SagaType)
		assert.JSONEq(t, `{"paid":false}`, string(loaded.Data))

		loaded.Data = []byte(`{"paid":true}`)
		require.NoError(t, repo.Save(ctx, loaded, 1))
		assert.Equal(t, int64(2), loaded.Version)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		require.NoError(t, repo.Save(ctx, &State{SagaID: "s-2"}, 0))

		assert.ErrorIs(t, repo.Save(ctx, &State{SagaID: "s-2"}, 0), errspkg.ErrVersionConflict)
		assert.ErrorIs(t, repo.Save(ctx, &State{SagaID: "s-2"}, 5), errspkg.ErrVersionConflict)
		require.NoError(t, repo.Save(ctx, &State{SagaID: "s-2"}, 1))
	})

	t.Run("missing id", func(t *testing.T) {
		assert.ErrorIs(t, newRepo(t).Save(context.Background(), &State{}, 0), errspkg.ErrPayloadRequired)
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository { return NewMemoryRepository() })
}

func TestSQLRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository { return openSQLRepository(t) })
}

func TestSQLRepositoryCreateConflictKeepsTransactionUsable(t *testing.T) {
	repo := openSQLRepository(t)
	u := uow.NewSQL(repo.db)

	err := u.Do(context.Background(), func(ctx context.Context) error {
		require.NoError(t, repo.Save(ctx, &State{SagaID: "s-race", Data: []byte(`{"n":1}`)}, 0))

		err := repo.Save(ctx, &State{SagaID: "s-race", Data: []byte(`{"n":9}`)}, 0)
		require.ErrorIs(t, err, errspkg.ErrVersionConflict)

		current, err := repo.Load(ctx, "s-race")
		require.NoError(t, err)
		current.Data = []byte(`{"n":2}`)
		return repo.Save(ctx, current, current.Version)
	})
	require.NoError(t, err)

	state, err := repo.Load(context.Background(), "s-race")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)
	assert.JSONEq(t, `{"n":2}`, string(state.Data))
}

func TestSQLRepositoryJoinsUnitOfWork(t *testing.T) {
	repo := openSQLRepository(t)
	u := uow.NewSQL(repo.db)
	boom := errors.New("abort")

	err := u.Do(context.Background(), func(ctx context.Context) error {
		require.NoError(t, repo.Save(ctx, &State{SagaID: "s-tx"}, 0))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.Load(context.Background(), "s-tx")
	assert.ErrorIs(t, err, errspkg.ErrSagaNotFound)
}

func TestUpdateCreatesAndReloadsState(t *testing.T) {
	c := newCoordinator(t, NewMemoryRepository(), nil, 0)
	ctx := context.Background()

	require.NoError(t, Update(ctx, c, checkoutSaga, func(ctx context.Context, data *checkout) error {
		data.Reserved = append(data.Reserved, "sku-1")
		return nil
	}))
	require.NoError(t, Update(ctx, c, checkoutSaga, func(ctx context.Context, data *checkout) error {
		assert.Equal(t, []string{"sku-1"}, data.Reserved)
		data.Paid = true
		return nil
	}))

	state, err := c.Load(ctx, checkoutSaga.SagaID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)
	assert.Equal(t, "checkout", state.SagaType)
	assert.JSONEq(t, `{"reserved":["sku-1"],"paid":true}`, string(state.Data))
}

func TestStepErrorDoesNotSave(t *testing.T) {
	c := newCoordinator(t, NewMemoryRepository(), nil, 0)
	boom := errors.New("payment declined")

	err := c.Handle(context.Background(), checkoutSaga, func(ctx context.Context, state *State) error {
		state.Data = []byte(`{}`)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = c.Load(context.Background(), checkoutSaga.SagaID)
	assert.ErrorIs(t, err, errspkg.ErrSagaNotFound)
}

func TestHandleRejectsMissingSaga(t *testing.T) {
	c := newCoordinator(t, NewMemoryRepository(), nil, 0)
	err := c.Handle(context.Background(), envelopepkg.SagaInfo{}, func(context.Context, *State) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrSagaNotFound)
}

// racingRepository lets another writer win the first conflicts saves.
type racingRepository struct {
	*MemoryRepository
	conflicts atomic.Int32
}

func (r *racingRepository) Save(ctx context.Context, state *State, expected int64) error {
	if r.conflicts.Add(-1) >= 0 {
		current, err := r.MemoryRepository.Load(ctx, state.SagaID)
		var version int64
		if err == nil {
			version = current.Version
		}
		if err := r.MemoryRepository.Save(ctx, &State{SagaID: state.SagaID, Data: []byte(`{"paid":true}`)}, version); err != nil {
			return err
		}
	}
	return r.MemoryRepository.Save(ctx, state, expected)
}

func TestConflictReloadsAndRetries(t *testing.T) {
	repo := &racingRepository{MemoryRepository: NewMemoryRepository()}
	repo.conflicts.Store(2)
	c := newCoordinator(t, repo, nil, 3)

	var seen []bool
	require.NoError(t, Update(context.Background(), c, checkoutSaga, func(ctx context.Context, data *checkout) error {
		seen = append(seen, data.Paid)
		data.Reserved = []string{"sku-2"}
		return nil
	}))
	assert.Equal(t, []bool{false, true, true}, seen)

	state, err := c.Load(context.Background(), checkoutSaga.SagaID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reserved":["sku-2"],"paid":true}`, string(state.Data))
}

func TestConflictBudgetExhausted(t *testing.T) {
	repo := &racingRepository{MemoryRepository: NewMemoryRepository()}
	repo.conflicts.Store(100)
	c := newCoordinator(t, repo, nil, 2)

	err := c.Handle(context.Background(), checkoutSaga, func(context.Context, *State) error { return nil })
	var concurrencyErr *errspkg.SagaConcurrencyError
	require.ErrorAs(t, err, &concurrencyErr)
	assert.Equal(t, 3, concurrencyErr.Attempts)
	assert.Equal(t, checkoutSaga.SagaID, concurrencyErr.SagaID)
	assert.ErrorIs(t, err, errspkg.ErrVersionConflict)
}

func TestStepsOfOneSagaAreExclusive(t *testing.T) {
	c := newCoordinator(t, NewMemoryRepository(), NewLocalLocker(), 0)

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Update(context.Background(), c, checkoutSaga, func(ctx context.Context, data *checkout) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				defer inside.Add(-1)
				time.Sleep(time.Millisecond)
				data.Reserved = append(data.Reserved, "sku")
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	state, err := c.Load(context.Background(), checkoutSaga.SagaID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), state.Version)
}

func TestDifferentSagasRunConcurrently(t *testing.T) {
	locker := NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), "saga-a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := locker.Lock(ctx, "saga-b")
	require.NoError(t, err)
	other()

	blocked, cancelBlocked := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelBlocked()
	_, err = locker.Lock(blocked, "saga-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLockerRequiresClient(t *testing.T) {
	_, err := NewRedisLocker(nil, RedisLockerConfig{})
	assert.Error(t, err)
	_, err = DialRedis(nil)
	assert.Error(t, err)
}

func TestRedisLockerExclusive(t *testing.T) {
	addr := os.Getenv("CQRSFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("CQRSFLOW_TEST_REDIS not set")
	}
	client, err := DialRedis([]string{addr})
	require.NoError(t, err)
	defer client.Close()

	locker, err := NewRedisLocker(client, RedisLockerConfig{
		Prefix:      fmt.Sprintf("cqrsflow:test:%d:", time.Now().UnixNano()),
		TTL:         time.Second,
		WaitTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	unlock, err := locker.Lock(context.Background(), "saga-r")
	require.NoError(t, err)
	_, err = locker.Lock(context.Background(), "saga-r")
	assert.ErrorIs(t, err, errspkg.ErrLockNotAcquired)

	unlock()
	again, err := locker.Lock(context.Background(), "saga-r")
	require.NoError(t, err)
	again()
}
