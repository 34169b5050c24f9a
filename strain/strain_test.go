package strain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateValidation(t *testing.T) {
	for _, s := range []State{StateNormal, StateStrained, StateFatigued, StateImpaired, StateCritical} {
		assert.True(t, s.IsValid(), "state %s", s)
		assert.NoError(t, s.Validate())
	}

	bad := State("overclocked")
	assert.False(t, bad.IsValid())
	assert.ErrorIs(t, bad.Validate(), ErrInvalidState)
}

func TestSignalClamped(t *testing.T) {
	tests := []struct {
		name string
		in   Signal
		want Signal
	}{
		{
			name: "neutral passes through",
			in:   Signal{State: StateNormal, Factor: 1.0},
			want: Signal{State: StateNormal, Factor: 1.0},
		},
		{
			name: "factor floor",
			in:   Signal{State: StateStrained, Factor: 0.1},
			want: Signal{State: StateStrained, Factor: MinFactor},
		},
		{
			name: "factor ceiling",
			in:   Signal{State: StateImpaired, Factor: 9.0},
			want: Signal{State: StateImpaired, Factor: MaxFactor},
		},
		{
			name: "invalid state resets to normal",
			in:   Signal{State: "bogus", Factor: 1.2},
			want: Signal{State: StateNormal, Factor: 1.2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Clamped())
		})
	}
}

func TestCritical(t *testing.T) {
	assert.True(t, Signal{State: StateCritical, Factor: 1.5}.Critical())
	assert.False(t, Nominal().Critical())
}

func TestStaticProvider(t *testing.T) {
	p := Static{Signal: Signal{State: StateFatigued, Factor: 1.3}}
	sig, err := p.CurrentStrain(context.Background(), "memory")
	require.NoError(t, err)
	assert.Equal(t, StateFatigued, sig.State)
	assert.Equal(t, 1.3, sig.Factor)
}

func TestFuncProvider(t *testing.T) {
	var gotComponent string
	p := Func(func(ctx context.Context, component string) (Signal, error) {
		gotComponent = component
		return Nominal(), nil
	})

	sig, err := p.CurrentStrain(context.Background(), "tier:durable")
	require.NoError(t, err)
	assert.Equal(t, Nominal(), sig)
	assert.Equal(t, "tier:durable", gotComponent)
}
