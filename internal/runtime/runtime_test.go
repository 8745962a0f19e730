package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMock("mock")))

	rt, err := r.Get("mock")
	require.NoError(t, err)
	assert.Equal(t, "mock", rt.Name())
	assert.True(t, r.Has("mock"))
	assert.Equal(t, "mock", r.DefaultType(), "first registration becomes default")
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMock("mock")))

	err := r.Register(NewMock("mock"))
	assert.ErrorIs(t, err, ErrDuplicateName)
}

// emptyNameRuntime reports an empty Name; Mock itself substitutes "mock" for
// an empty TypeName.
type emptyNameRuntime struct{ *Mock }

func (emptyNameRuntime) Name() string { return "" }

func TestRegistry_InvalidNames(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register(nil), ErrInvalidName)
	assert.ErrorIs(t, r.Register(emptyNameRuntime{NewMock("")}), ErrInvalidName)
	assert.ErrorIs(t, r.Register(NewMock("has space")), ErrInvalidName)
	assert.ErrorIs(t, r.Register(NewMock("-leading")), ErrInvalidName)
}

func TestRegistry_GetMissing(t *testing.T) {
	_, err := NewRegistry().Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_AvailableTypesSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMock("zeta")))
	require.NoError(t, r.Register(NewMock("alpha")))

	assert.Equal(t, []string{"alpha", "zeta"}, r.AvailableTypes())
}

func TestRegistry_SetDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMock("a")))
	require.NoError(t, r.Register(NewMock("b")))

	require.NoError(t, r.SetDefault("b"))
	assert.Equal(t, "b", r.DefaultType())
	assert.ErrorIs(t, r.SetDefault("ghost"), ErrNotFound)
}

func TestSelect(t *testing.T) {
	available := []string{"anthropic-sdk", "claude-cli"}

	tests := []struct {
		name       string
		preference []string
		want       string
		wantOK     bool
	}{
		{name: "first preference wins", preference: []string{"claude-cli", "anthropic-sdk"}, want: "claude-cli", wantOK: true},
		{name: "falls through missing", preference: []string{"gemini-cli", "anthropic-sdk"}, want: "anthropic-sdk", wantOK: true},
		{name: "empty entries skipped", preference: []string{"", "claude-cli"}, want: "claude-cli", wantOK: true},
		{name: "nothing matches", preference: []string{"gemini-cli"}, want: "anthropic-sdk", wantOK: false},
		{name: "no preference", preference: nil, want: "anthropic-sdk", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Select(available, tt.preference)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestSelect_NoRuntimes(t *testing.T) {
	got, ok := Select(nil, []string{"anything"})
	assert.Empty(t, got)
	assert.False(t, ok)
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.True(t, r.Has(ClaudeCLIName))
	assert.True(t, r.Has(AnthropicSDKName))
	assert.Equal(t, ClaudeCLIName, r.DefaultType())
}

func TestMock_RecordsCalls(t *testing.T) {
	m := NewMock("mock")
	_, err := m.Execute(context.Background(), Request{UserPrompt: "one"})
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), Request{UserPrompt: "two"})
	require.NoError(t, err)

	calls := m.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "one", calls[0].UserPrompt)
	assert.Equal(t, "two", calls[1].UserPrompt)
}

func TestMock_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMock("mock").Execute(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}
