package result

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/schema"
)

func testResult(id int64) *QueryResult {
	return MustNew(Spec{
		ID:      id,
		Query:   fmt.Sprintf("select %d", id),
		Columns: []schema.Column{{Name: "n", Type: schema.Integer}},
		Rows:    [][]any{{id}},
	})
}

type recorder struct {
	seen []int64
}

func (r *recorder) handle(qr *QueryResult) error {
	r.seen = append(r.seen, qr.ID())
	return nil
}

func TestStore_AppendSelectsFirstResultOnce(t *testing.T) {
	store := NewStore()
	rec := &recorder{}
	store.Subscribe(rec.handle)

	r1, r2 := testResult(1), testResult(2)
	require.NoError(t, store.Append(r1))
	require.NoError(t, store.Append(r2))

	assert.Equal(t, []int64{1}, rec.seen)
	assert.Same(t, r1, store.Selected())
	assert.Equal(t, 2, store.Len())
}

func TestStore_SelectIsIdempotent(t *testing.T) {
	store := NewStore()
	r1, r2 := testResult(1), testResult(2)
	require.NoError(t, store.Append(r1))
	require.NoError(t, store.Append(r2))

	rec := &recorder{}
	store.Subscribe(rec.handle)

	require.NoError(t, store.Select(r2))
	require.NoError(t, store.Select(r2))

	assert.Equal(t, []int64{2}, rec.seen)
}

func TestStore_SubscribersNotifiedInOrder(t *testing.T) {
	store := NewStore()
	var order []string
	store.Subscribe(func(*QueryResult) error { order = append(order, "first"); return nil })
	store.Subscribe(func(*QueryResult) error { order = append(order, "second"); return nil })

	require.NoError(t, store.Append(testResult(1)))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestStore_NoReplayOnSubscribe(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Append(testResult(1)))

	rec := &recorder{}
	store.Subscribe(rec.handle)
	assert.Empty(t, rec.seen)
}

func TestStore_Unsubscribe(t *testing.T) {
	store := NewStore()
	rec := &recorder{}
	sub := store.Subscribe(rec.handle)
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, store.Append(testResult(1)))
	assert.Empty(t, rec.seen)
}

func TestStore_HandlerErrorsAreJoinedButSelectionStands(t *testing.T) {
	store := NewStore()
	boom := stderrors.New("boom")
	store.Subscribe(func(*QueryResult) error { return boom })
	rec := &recorder{}
	store.Subscribe(rec.handle)

	r1 := testResult(1)
	err := store.Append(r1)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Same(t, r1, store.Selected())
	assert.Equal(t, []int64{1}, rec.seen)
}

func TestStore_NestedSelectionDeliveredInOrder(t *testing.T) {
	store := NewStore()
	r1, r2 := testResult(1), testResult(2)
	require.NoError(t, store.Append(r1))
	require.NoError(t, store.Append(r2))

	first := &recorder{}
	store.Subscribe(func(qr *QueryResult) error {
		if qr == r2 {
			// reselect from inside a handler
			require.NoError(t, store.Select(r1))
		}
		return first.handle(qr)
	})
	second := &recorder{}
	store.Subscribe(second.handle)

	require.NoError(t, store.Select(r2))

	assert.Equal(t, []int64{2, 1}, first.seen)
	assert.Equal(t, []int64{2, 1}, second.seen)
	assert.Same(t, r1, store.Selected())
}

func TestStore_SelectUnknownResult(t *testing.T) {
	store := NewStore()
	err := store.Select(testResult(7))
	assert.ErrorIs(t, err, errors.ErrUnknownResult)
	assert.Nil(t, store.Selected())

	err = store.SelectID(7)
	assert.ErrorIs(t, err, errors.ErrUnknownResult)
}

func TestStore_SelectID(t *testing.T) {
	store := NewStore()
	r1, r2 := testResult(1), testResult(2)
	require.NoError(t, store.Append(r1))
	require.NoError(t, store.Append(r2))

	require.NoError(t, store.SelectID(2))
	assert.Same(t, r2, store.Selected())
}

func TestStore_MaxHistoryKeepsSelected(t *testing.T) {
	store := NewStore(WithMaxHistory(2))
	r1, r2, r3 := testResult(1), testResult(2), testResult(3)
	require.NoError(t, store.Append(r1))
	require.NoError(t, store.Append(r2))
	require.NoError(t, store.Append(r3))

	history := store.History()
	require.Len(t, history, 2)
	assert.Same(t, r1, history[0], "selected result survives eviction")
	assert.Same(t, r3, history[1])
}

func TestStore_HistoryIsSnapshot(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Append(testResult(1)))

	history := store.History()
	history[0] = nil
	assert.NotNil(t, store.History()[0])
}
