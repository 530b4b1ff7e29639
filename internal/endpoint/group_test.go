package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticGroupReadyImmediatelyWhenNonEmpty(t *testing.T) {
	e, _ := New("example.com", 80)
	g := NewStatic(NewRoundRobin(), e)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.WhenReady(ctx))

	got, err := g.Select("")
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestStaticGroupEmptyNeverReady(t *testing.T) {
	g := NewStatic(NewRoundRobin())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.WhenReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDynamicGroupRejectsEmptyUpdateUnlessAllowed(t *testing.T) {
	g := NewDynamic(NewRoundRobin(), false)
	err := g.Update(nil)
	assert.Error(t, err)

	g2 := NewDynamic(NewRoundRobin(), true)
	assert.NoError(t, g2.Update(nil))
}

func TestDynamicGroupBecomesReadyOnFirstNonEmptyUpdate(t *testing.T) {
	g := NewDynamic(NewRoundRobin(), false)
	e, _ := New("example.com", 80)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.WhenReady(ctx), context.DeadlineExceeded)

	require.NoError(t, g.Update([]Endpoint{e}))

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, g.WhenReady(ctx2))
}

func TestDynamicGroupNotifiesOnNonPermutationChange(t *testing.T) {
	g := NewDynamic(NewRoundRobin(), true)
	e1, _ := New("a.example.com", 80)
	e2, _ := New("b.example.com", 80)

	sub := g.Subscribe()
	defer sub.Close()

	require.NoError(t, g.Update([]Endpoint{e1}))
	select {
	case <-sub.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}

	require.NoError(t, g.Update([]Endpoint{e1, e2}))
	select {
	case <-sub.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected change notification for membership growth")
	}
}

func TestDynamicGroupDoesNotNotifyOnPermutation(t *testing.T) {
	g := NewDynamic(NewRoundRobin(), true)
	e1, _ := New("a.example.com", 80)
	e2, _ := New("b.example.com", 80)

	require.NoError(t, g.Update([]Endpoint{e1, e2}))

	sub := g.Subscribe()
	defer sub.Close()

	require.NoError(t, g.Update([]Endpoint{e2, e1}))
	select {
	case <-sub.Wait():
		t.Fatal("permutation should not notify listeners")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDynamicGroupSelectUsesCurrentSnapshot(t *testing.T) {
	g := NewDynamic(NewRoundRobin(), true)
	e, _ := New("example.com", 80)
	require.NoError(t, g.Update([]Endpoint{e}))

	got, err := g.Select("")
	require.NoError(t, err)
	assert.Equal(t, e, got)
}
