package link

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	kind Kind
	opts *Options
}

func (s *stubTransport) Kind() Kind { return s.kind }

func (s *stubTransport) Connect(ctx context.Context) (Board, error) {
	return nil, ErrNotConnected
}

type stubFactory struct {
	typ  string
	kind Kind
	err  error
}

func (f *stubFactory) Type() string { return f.typ }
func (f *stubFactory) Kind() Kind   { return f.kind }

func (f *stubFactory) NewTransport(opts *Options) (Transport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &stubTransport{kind: f.kind, opts: opts}, nil
}

func TestRegistry_FactoriesKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry(
		&stubFactory{typ: "cable", kind: KindCable},
		&stubFactory{typ: "bluetooth", kind: KindRadio},
	)
	r.Register(&stubFactory{typ: "sim", kind: KindSimulated})

	assert.Equal(t, []string{"cable", "bluetooth", "sim"}, r.Types())

	// Re-registering keeps the original slot
	r.Register(&stubFactory{typ: "Cable", kind: KindHost})
	factories := r.Factories()
	require.Len(t, factories, 3)
	assert.Equal(t, KindHost, factories[0].Kind())
}

func TestRegistry_Discover(t *testing.T) {
	r := NewRegistry(
		&stubFactory{typ: "cable", kind: KindCable},
		&stubFactory{typ: "bluetooth", kind: KindRadio},
	)

	t.Run("selects matching factory", func(t *testing.T) {
		opts := &Options{Address: "AA:BB:CC:DD:EE:FF"}
		tr, err := r.Discover(" Bluetooth ", opts)

		require.NoError(t, err)
		assert.Equal(t, KindRadio, tr.Kind())
		assert.Same(t, opts, tr.(*stubTransport).opts)
	})

	t.Run("nil options are replaced", func(t *testing.T) {
		tr, err := r.Discover("cable", nil)

		require.NoError(t, err)
		assert.NotNil(t, tr.(*stubTransport).opts)
	})

	t.Run("miss reports no transport", func(t *testing.T) {
		tr, err := r.Discover("usb", nil)

		assert.Nil(t, tr)
		assert.ErrorIs(t, err, ErrNoTransport)
		assert.Contains(t, err.Error(), `no factory matches "usb"`)
		assert.Contains(t, err.Error(), "cable, bluetooth")
	})

	t.Run("factory failure is wrapped", func(t *testing.T) {
		boom := errors.New("adapter missing")
		r := NewRegistry(&stubFactory{typ: "host", kind: KindHost, err: boom})

		_, err := r.Discover("host", nil)

		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrNoTransport)
	})
}
