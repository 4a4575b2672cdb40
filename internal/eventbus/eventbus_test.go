package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishInRegistrationOrder(t *testing.T) {
	b := New()
	var order []int

	b.Subscribe("x", func(string, any) { order = append(order, 1) })
	b.Subscribe("x", func(string, any) { order = append(order, 2) })
	b.Subscribe("x", func(string, any) { order = append(order, 3) })

	b.Publish("x", nil)

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_PanicDoesNotBlockOthers(t *testing.T) {
	b := New()
	var ran []string

	b.Subscribe("x", func(string, any) { ran = append(ran, "first") })
	b.Subscribe("x", func(string, any) { panic("boom") })
	b.Subscribe("x", func(string, any) { ran = append(ran, "third") })

	assert.NotPanics(t, func() { b.Publish("x", nil) })
	assert.Equal(t, []string{"first", "third"}, ran)
}

func TestBus_UnrelatedEventNamesIsolated(t *testing.T) {
	b := New()
	var got any

	b.Subscribe("a", func(_ string, payload any) { got = payload })
	b.Publish("b", "payload-for-b")

	assert.Nil(t, got)
	assert.Equal(t, 1, b.SubscriberCount("a"))
	assert.Equal(t, 0, b.SubscriberCount("b"))
}

func TestBus_PayloadDelivered(t *testing.T) {
	b := New()
	var got any

	b.Subscribe("worker.added", func(_ string, payload any) { got = payload })
	b.Publish("worker.added", 42)

	assert.Equal(t, 42, got)
}
