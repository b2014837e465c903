package variable

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToWireRoundTrip(t *testing.T) {
	cases := []Variable{
		String("hello"),
		Bool(true),
		Long(42),
		Double(3.14),
		Null(),
	}

	for _, v := range cases {
		wire := v.ToWire()
		b, err := json.Marshal(wire)
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(b, &raw))

		got, err := FromWireJSON(b)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestFromWireJSON_Long(t *testing.T) {
	got, err := FromWireJSON([]byte(`{"value":123,"type":"Long"}`))
	require.NoError(t, err)
	assert.Equal(t, Long(123), got)
}

func TestFromWireJSON_Null(t *testing.T) {
	got, err := FromWireJSON([]byte(`{"value":null,"type":"Null"}`))
	require.NoError(t, err)
	assert.Equal(t, Null(), got)
}

func TestFromWireJSON_ObjectTypeKeptAsJSON(t *testing.T) {
	got, err := FromWireJSON([]byte(`{"value":{"a":1},"type":"Object"}`))
	require.NoError(t, err)
	assert.Equal(t, KindJSON, got.Kind)
}

func TestFromNative(t *testing.T) {
	tests := []struct {
		in       interface{}
		wantKind Kind
	}{
		{nil, KindNull},
		{"s", KindString},
		{true, KindBoolean},
		{int64(5), KindLong},
		{3.5, KindDouble},
		{time.Now(), KindDate},
		{map[string]int{"a": 1}, KindJSON},
	}

	for _, tt := range tests {
		got, err := FromNative(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.wantKind, got.Kind)
	}
}

func TestBagRoundTrip(t *testing.T) {
	bag := Bag{
		"a": String("x"),
		"b": Long(1),
	}
	wire := bag.ToWireMap()
	b, err := json.Marshal(wire)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))

	got, err := FromWireMap(raw)
	require.NoError(t, err)
	assert.Equal(t, bag, got)
}

func TestDateRoundTrip(t *testing.T) {
	d := Date(time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC))
	wire := d.ToWire()
	b, err := json.Marshal(wire)
	require.NoError(t, err)

	got, err := FromWireJSON(b)
	require.NoError(t, err)
	assert.Equal(t, KindDate, got.Kind)
	assert.Equal(t, d.Date.Unix(), got.Date.Unix())
}

func TestAsString(t *testing.T) {
	assert.Equal(t, "hello", String("hello").AsString())
	assert.Equal(t, "true", Bool(true).AsString())
	assert.Equal(t, "42", Long(42).AsString())
	assert.Equal(t, "", Null().AsString())
}
