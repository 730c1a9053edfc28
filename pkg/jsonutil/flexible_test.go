package jsonutil

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexibleStringValue(t *testing.T) {
	tests := []struct {
		name  string
		input json.RawMessage
		want  string
	}{
		{name: "string value", input: json.RawMessage(`"hello"`), want: "hello"},
		{name: "integer value", input: json.RawMessage(`42`), want: "42"},
		{name: "float value", input: json.RawMessage(`3.14`), want: "3.14"},
		{name: "boolean true", input: json.RawMessage(`true`), want: "true"},
		{name: "null value", input: json.RawMessage(`null`), want: ""},
		{name: "empty input", input: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FlexibleStringValue(tt.input); got != tt.want {
				t.Errorf("FlexibleStringValue(%s) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFlexibleFloat(t *testing.T) {
	tests := []struct {
		name        string
		input       json.RawMessage
		want        float64
		wantPresent bool
		wantErr     bool
	}{
		{name: "number", input: json.RawMessage(`0.92`), want: 0.92, wantPresent: true},
		{name: "numeric string", input: json.RawMessage(`"0.4"`), want: 0.4, wantPresent: true},
		{name: "percent string", input: json.RawMessage(`"85%"`), want: 0.85, wantPresent: true},
		{name: "null", input: json.RawMessage(`null`)},
		{name: "blank string", input: json.RawMessage(`"  "`)},
		{name: "garbage string", input: json.RawMessage(`"high"`), wantPresent: true, wantErr: true},
		{name: "object", input: json.RawMessage(`{"v":1}`), wantPresent: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, present, err := FlexibleFloat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPresent, present)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestFlexibleFloat_NaNString(t *testing.T) {
	v, present, err := FlexibleFloat(json.RawMessage(`"NaN"`))
	require.NoError(t, err)
	assert.True(t, present)
	assert.True(t, math.IsNaN(v))
}

func TestFlexibleTime(t *testing.T) {
	ts, err := FlexibleTime(json.RawMessage(`"2025-03-01T10:00:00+02:00"`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), *ts)

	ts, err = FlexibleTime(json.RawMessage(`"2025-03-01"`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), *ts)

	ts, err = FlexibleTime(json.RawMessage(`1700000000`))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())

	ts, err = FlexibleTime(nil)
	require.NoError(t, err)
	assert.Nil(t, ts)

	_, err = FlexibleTime(json.RawMessage(`"last tuesday"`))
	assert.Error(t, err)
}

func TestDecodeStringOrObject(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}

	str, isObj, err := DecodeStringOrObject(json.RawMessage(`"ScriptX"`), &dst)
	require.NoError(t, err)
	assert.False(t, isObj)
	assert.Equal(t, "ScriptX", str)

	str, isObj, err = DecodeStringOrObject(json.RawMessage(` {"name":"CVE-2025-1","type":"vulnerability"}`), &dst)
	require.NoError(t, err)
	assert.True(t, isObj)
	assert.Empty(t, str)
	assert.Equal(t, "CVE-2025-1", dst.Name)

	str, _, err = DecodeStringOrObject(json.RawMessage(`1337`), &dst)
	require.NoError(t, err)
	assert.Equal(t, "1337", str)

	_, _, err = DecodeStringOrObject(json.RawMessage(`["a"]`), &dst)
	assert.ErrorIs(t, err, ErrNotObject)
}
