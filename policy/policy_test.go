package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-sequencer/ledger"
)

func skipped(p SkipPolicy, n int) []int {
	var out []int
	for i := 1; i <= n; i++ {
		if p.Skip(i) {
			out = append(out, i)
		}
	}

	return out
}

func TestPolicies(t *testing.T) {
	t.Parallel()

	l := ledger.New()
	l.MarkSkipped(4)

	tests := []struct {
		name string
		give SkipPolicy
		want []int
	}{
		{name: "none", give: None(), want: nil},
		{name: "deny list", give: NewDenyList(2, 5), want: []int{2, 5}},
		{name: "empty deny list", give: NewDenyList(), want: nil},
		{name: "allow list", give: NewAllowList(1, 3), want: []int{2, 4, 5}},
		{name: "empty allow list", give: NewAllowList(), want: []int{1, 2, 3, 4, 5}},
		{name: "ledger markers", give: FromLedger(l), want: []int{4}},
		{name: "combine", give: Combine(NewDenyList(1), nil, FromLedger(l)), want: []int{1, 4}},
		{name: "combine nothing", give: Combine(), want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, skipped(tt.give, 5))
		})
	}
}

func TestFromLedger_ReadsMarkersAtCallTime(t *testing.T) {
	t.Parallel()

	l := ledger.New()
	p := FromLedger(l)
	assert.False(t, p.Skip(2))

	l.MarkSkipped(2)
	assert.True(t, p.Skip(2))
}

func TestParseIndices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		give    []string
		want    []int
		wantErr string
	}{
		{name: "nothing", give: nil, want: []int{}},
		{name: "single", give: []string{"3"}, want: []int{3}},
		{name: "list and range", give: []string{"7, 1,3-5"}, want: []int{1, 3, 4, 5, 7}},
		{name: "several values with overlap", give: []string{"1-2", "2", ""}, want: []int{1, 2}},
		{name: "zero", give: []string{"0"}, wantErr: `invalid step index: "0"`},
		{name: "not a number", give: []string{"a"}, wantErr: `invalid step index: "a"`},
		{name: "reversed range", give: []string{"5-3"}, wantErr: `invalid step index: "5-3"`},
		{name: "range up to the cap", give: []string{"9999-10000"}, want: []int{9999, 10000}},
		{name: "huge range", give: []string{"1-20000000"}, wantErr: `invalid step index: "1-20000000" is above 10000`},
		{
			name:    "range ending at max int",
			give:    []string{"9223372036854775806-9223372036854775807"},
			wantErr: `invalid step index: "9223372036854775806-9223372036854775807" is above 10000`,
		},
		{name: "single above the cap", give: []string{"10001"}, wantErr: `invalid step index: "10001" is above 10000`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseIndices(tt.give...)
			if tt.wantErr != "" {
				require.ErrorIs(t, err, ErrInvalidIndex)
				assert.EqualError(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
