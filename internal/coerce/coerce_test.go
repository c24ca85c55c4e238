package coerce

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestNumber(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"nil", nil, 0, false},
		{"float", 9.2, 9.2, true},
		{"int", 3, 3, true},
		{"int64", int64(7), 7, true},
		{"uint8", uint8(4), 4, true},
		{"json number", json.Number("12.5"), 12.5, true},
		{"numeric string", " 27.60 ", 27.6, true},
		{"empty string", "", 0, false},
		{"garbage", "abc", 0, false},
		{"nan", math.NaN(), 0, false},
		{"inf", math.Inf(1), 0, false},
		{"bool", true, 0, false},
		{"map", map[string]any{}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NumberOK(tc.in)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.want, Number(tc.in))
		})
	}
}

func TestInstant_AllEncodingsAgree(t *testing.T) {
	t.Parallel()

	want := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	inputs := map[string]any{
		"time":        want,
		"time ptr":    &want,
		"local time":  want.In(time.FixedZone("EST", -5*3600)),
		"protobuf":    timestamppb.New(want),
		"epoch ms":    want.UnixMilli(),
		"epoch float": float64(want.UnixMilli()),
		"epoch str":   "1741944413000",
		"rfc3339":     "2025-03-14T09:26:53Z",
		"offset":      "2025-03-14T05:26:53-04:00",
		"no zone":     "2025-03-14T09:26:53",
		"json secs":   map[string]any{"seconds": float64(want.Unix()), "nanos": float64(0)},
		"firestore":   map[string]any{"_seconds": want.Unix(), "_nanoseconds": 0},
	}
	for name, in := range inputs {
		got, ok := Instant(in)
		require.Truef(t, ok, "%s should parse", name)
		require.Truef(t, want.Equal(got), "%s: want %v got %v", name, want, got)
		require.Equal(t, time.UTC, got.Location())
	}
}

func TestInstant_Fractions(t *testing.T) {
	t.Parallel()

	got, ok := Instant("2025-03-14T09:26:53.900Z")
	require.True(t, ok)
	require.Equal(t, 900*time.Millisecond, time.Duration(got.Nanosecond()))

	got, ok = Instant(1741944413000.5)
	require.True(t, ok)
	require.Equal(t, 500*time.Microsecond, time.Duration(got.Nanosecond()))
}

func TestInstant_Unparseable(t *testing.T) {
	t.Parallel()

	var nilTime *time.Time
	var nilTS *timestamppb.Timestamp
	for _, in := range []any{
		nil, "", "   ", "yesterday", "2025-13-45", 0, int64(0), math.NaN(),
		time.Time{}, nilTime, nilTS, true, map[string]any{"nanos": 5}, []int{1},
	} {
		_, ok := Instant(in)
		require.Falsef(t, ok, "%#v should not parse", in)
	}
}

func TestStringsAndBool(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"a", "b"}, Strings([]any{"a", 1, "b"}))
	require.Equal(t, []string{"x"}, Strings([]string{"x"}))
	require.Nil(t, Strings("x"))

	require.True(t, Bool(true))
	require.True(t, Bool("TRUE"))
	require.False(t, Bool(1))
	require.Equal(t, "abc", String(" abc "))
	require.Equal(t, "", String(5))
}
