package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDoneClosesOnce(t *testing.T) {
	d := NewDone()
	assert.False(t, d.Done())
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close()) // idempotent
	assert.True(t, d.Done())

	select {
	case <-d.Wait():
	default:
		t.Fatal("Wait channel should be closed")
	}
}

func TestHotFlagConsumeClears(t *testing.T) {
	h := NewHotFlag()
	assert.False(t, h.ConsumeHot())
	h.Mark()
	assert.True(t, h.ConsumeHot())
	assert.False(t, h.ConsumeHot())
}

func TestPubSubDeliversToSubscribers(t *testing.T) {
	svc := NewService()
	sub := svc.Subscribe("baz.com4")
	defer sub.Close()

	svc.Publish("baz.com4", "1.1.1.1")

	select {
	case msg := <-sub.Wait():
		assert.Equal(t, "1.1.1.1", msg)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestPubSubCloseUnsubscribes(t *testing.T) {
	svc := NewService()
	sub := svc.Subscribe("t")
	sub.Close()

	svc.Publish("t", "ignored")

	select {
	case <-sub.Wait():
		t.Fatal("closed subscriber should not receive")
	case <-time.After(20 * time.Millisecond):
	}
}
