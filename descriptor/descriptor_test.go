// SPDX-License-Identifier: GPL-3.0-or-later

package descriptor_test

import (
	"testing"

	"github.com/rbmk-project/simsock/descriptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/waiter"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		typ  descriptor.Type
		want string
	}{
		{descriptor.TypeStreamSocket, "stream"},
		{descriptor.TypeDatagramSocket, "datagram"},
		{descriptor.TypeLocalSocket, "local"},
		{descriptor.Type(0), "Type(0)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "NONE", descriptor.Status(0).String())
	assert.Equal(t, "ACTIVE|WRITABLE", (descriptor.StatusActive | descriptor.StatusWritable).String())
	assert.Equal(t, "EOF|ACCEPTABLE", (descriptor.StatusEOF | descriptor.StatusAcceptable).String())
}

func TestDescriptorLifecycle(t *testing.T) {
	var d descriptor.Descriptor
	d.Init(descriptor.TypeDatagramSocket, 7)
	assert.Equal(t, 7, d.Handle())
	assert.Equal(t, descriptor.TypeDatagramSocket, d.Type())
	assert.True(t, d.HasStatus(descriptor.StatusActive))

	d.AdjustStatus(descriptor.StatusReadable|descriptor.StatusWritable, true)
	assert.True(t, d.HasStatus(descriptor.StatusReadable|descriptor.StatusWritable))
	d.AdjustStatus(descriptor.StatusReadable, false)
	assert.False(t, d.HasStatus(descriptor.StatusReadable))
	assert.True(t, d.HasStatus(descriptor.StatusWritable))

	d.MarkClosed()
	assert.False(t, d.HasStatus(descriptor.StatusActive))
	assert.True(t, d.HasStatus(descriptor.StatusClosed))

	d.Free()
	assert.True(t, d.Freed())
	require.Panics(t, d.Free)
}

func TestDescriptorNotify(t *testing.T) {
	var d descriptor.Descriptor
	d.Init(descriptor.TypeStreamSocket, 3)

	entry, ch := waiter.NewChannelEntry(waiter.EventIn)
	d.EventRegister(&entry)
	defer d.EventUnregister(&entry)

	t.Run("writable does not wake a reader", func(t *testing.T) {
		d.AdjustStatus(descriptor.StatusWritable, true)
		select {
		case <-ch:
			t.Fatal("unexpected notification")
		default:
		}
	})

	t.Run("readable wakes a reader", func(t *testing.T) {
		d.AdjustStatus(descriptor.StatusReadable, true)
		select {
		case <-ch:
		default:
			t.Fatal("expected a notification")
		}
		assert.Equal(t, waiter.EventIn, d.Readiness(waiter.EventIn))
	})

	t.Run("setting an already set bit does not notify", func(t *testing.T) {
		d.AdjustStatus(descriptor.StatusReadable, true)
		select {
		case <-ch:
			t.Fatal("unexpected notification")
		default:
		}
	})

	t.Run("clearing does not notify", func(t *testing.T) {
		d.AdjustStatus(descriptor.StatusReadable, false)
		select {
		case <-ch:
			t.Fatal("unexpected notification")
		default:
		}
		assert.Equal(t, waiter.EventMask(0), d.Readiness(waiter.EventIn))
	})
}

func TestReadableEvents(t *testing.T) {
	for _, bit := range []descriptor.Status{
		descriptor.StatusReadable,
		descriptor.StatusEOF,
		descriptor.StatusAcceptable,
	} {
		t.Run(bit.String(), func(t *testing.T) {
			var d descriptor.Descriptor
			d.Init(descriptor.TypeStreamSocket, 3)
			entry, ch := waiter.NewChannelEntry(waiter.EventIn)
			d.EventRegister(&entry)
			defer d.EventUnregister(&entry)

			d.AdjustStatus(bit, true)
			select {
			case <-ch:
			default:
				t.Fatal("expected a notification")
			}
			assert.Equal(t, waiter.EventIn, d.Readiness(waiter.EventIn))
			assert.False(t, bit != descriptor.StatusReadable && d.HasStatus(descriptor.StatusReadable))
		})
	}
}
