package changelog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareSequence(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1", "2", -1},
		{"10", "9", 1},
		{"000100", "100", 0},
		{"", "1", -1},
		{"1", "", 1},
		{"", "", 0},
		// Larger than uint64
		{"49590338271490256608559692538361571095921575989136588898", "49590338271490256608559692538361571095921575989136588899", -1},
		{"100000000000000000000000", "99999999999999999999999", 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareSequence(tt.a, tt.b), "CompareSequence(%q, %q)", tt.a, tt.b)
	}
}

func TestParseEventKind(t *testing.T) {
	cases := map[string]EventKind{
		"CREATE": EventCreate,
		"insert": EventCreate,
		"MODIFY": EventUpdate,
		"update": EventUpdate,
		"REMOVE": EventDelete,
		"Delete": EventDelete,
	}
	for in, want := range cases {
		got, err := ParseEventKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseEventKind("TRUNCATE")
	assert.Error(t, err)
}

func TestParseStartPosition(t *testing.T) {
	p, err := ParseStartPosition("latest")
	require.NoError(t, err)
	assert.Equal(t, PositionLatest, p)

	p, err = ParseStartPosition("TRIM_HORIZON")
	require.NoError(t, err)
	assert.Equal(t, PositionTrimHorizon, p)

	_, err = ParseStartPosition("AT_TIMESTAMP")
	assert.Error(t, err)
}

func TestStartHintString(t *testing.T) {
	assert.Equal(t, "TRIM_HORIZON", TrimHorizon().String())
	assert.Equal(t, "LATEST", Latest().String())
	assert.Equal(t, "AFTER(42)", After("42").String())
}

func TestShardDescriptor(t *testing.T) {
	open := ShardDescriptor{ID: "s1", StartingSequence: "1"}
	assert.True(t, open.IsOpen())
	assert.False(t, open.HasParent())

	closed := ShardDescriptor{ID: "s2", ParentID: "s1", StartingSequence: "1", EndingSequence: "9"}
	assert.False(t, closed.IsOpen())
	assert.True(t, closed.HasParent())
}

func TestImagePlain(t *testing.T) {
	img := Image{
		"id":    String("e1"),
		"count": Number("12.50"),
		"ok":    Bool(true),
		"gone":  Null(),
		"tags":  StringSet("a", "b"),
		"nums":  NumberSet("1", "2"),
		"propB": Map(map[string]Value{
			"propB1": String("b1"),
			"propB2": List(Number("1")),
		}),
	}

	plain := img.Plain()
	data, err := json.Marshal(plain)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "e1", decoded["id"])
	assert.Equal(t, 12.5, decoded["count"])
	assert.Equal(t, true, decoded["ok"])
	assert.Nil(t, decoded["gone"])
	assert.Equal(t, []any{"a", "b"}, decoded["tags"])
	assert.Equal(t, []any{1.0, 2.0}, decoded["nums"])
	assert.Equal(t, map[string]any{"propB1": "b1", "propB2": []any{1.0}}, decoded["propB"])
}

func TestImagePlainNil(t *testing.T) {
	var img Image
	assert.Nil(t, img.Plain())
	assert.NotNil(t, Image{}.Plain())
}

func TestImageCheckNumbers(t *testing.T) {
	assert.NoError(t, Image{"n": Number("-0.5E+3"), "ns": NumberSet("1", "2")}.CheckNumbers())
	assert.NoError(t, Image(nil).CheckNumbers())

	err := Image{"m": Map(map[string]Value{"l": List(Number("01"))})}.CheckNumbers()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m.l[0]")

	assert.Error(t, Image{"n": Number("NaN")}.CheckNumbers())
	assert.Error(t, Image{"n": Number("")}.CheckNumbers())
	assert.Error(t, Image{"ns": NumberSet("1", "two")}.CheckNumbers())
}

func TestImageKeyString(t *testing.T) {
	assert.Equal(t, "e1", Image{"id": String("e1")}.KeyString())
	assert.Equal(t, "tenant-a/7", Image{"sk": Number("7"), "pk": String("tenant-a")}.KeyString())
	assert.Equal(t, "", Image{}.KeyString())
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "shardId-0001:000042", IdempotencyKey("shardId-0001", "000042"))
}
