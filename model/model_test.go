package model

import (
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/schema"
)

var (
	connA = uuid.MustParse("6f1c2a8e-0c55-4c1e-9d35-0b7f7c1d9a01")
	connB = uuid.MustParse("0d8e3c47-7a51-4c9a-8f0e-5e2c1b6a9f02")
)

func plantSchema() *schema.Node {
	return schema.Group("Root",
		schema.Group("Line1",
			schema.Leaf("temp", "plant/line1/temp", schema.TypeFloat).WithEvents(),
			schema.BoundLeaf("count", connA, "plant/line1/count", schema.TypeInt).WithEvents(),
			schema.Leaf("running", "plant/line1/running", schema.TypeBool),
		),
		schema.Leaf("name", "plant/name", schema.TypeString),
		schema.Group("Spare"),
	)
}

func TestCompile_IndexMatchesLeaves(t *testing.T) {
	root := plantSchema()
	m, ix, err := Compile(root)
	require.NoError(t, err)

	leaves := schema.Leaves(root)
	assert.Equal(t, len(leaves), ix.Len())
	assert.Len(t, m.Fields(), len(leaves))

	seen := make(map[Address]bool)
	for _, a := range ix.Addresses() {
		assert.False(t, seen[a], "duplicate address %s", a)
		seen[a] = true
	}
	assert.True(t, seen[Address{ConnectionID: connA, Key: "plant/line1/count"}])
	assert.True(t, seen[Address{ConnectionID: schema.Wildcard, Key: "plant/line1/temp"}])
}

func TestCompile_ShapeAndZeroValues(t *testing.T) {
	m, _, err := Compile(plantSchema())
	require.NoError(t, err)

	line1 := m.Root().Group("Line1")
	require.NotNil(t, line1)
	assert.Equal(t, "Root/Line1", line1.Path())
	assert.Len(t, line1.Members(), 3)
	assert.NotNil(t, m.Root().Group("Spare"))
	assert.Nil(t, m.Root().Group("name"))

	assert.Equal(t, 0.0, line1.Field("temp").Value())
	assert.Equal(t, int64(0), line1.Field("count").Value())
	assert.Equal(t, false, line1.Field("running").Value())
	assert.Equal(t, "", m.Root().Field("name").Value())

	f, ok := m.Lookup("Line1/count")
	require.True(t, ok)
	assert.Equal(t, connA, f.ConnectionID())
	f, ok = m.Lookup("Root/name")
	require.True(t, ok)
	assert.Equal(t, schema.TypeString, f.Type())
	_, ok = m.Lookup("Line1/missing")
	assert.False(t, ok)

	assert.Equal(t, map[string]any{
		"Line1": map[string]any{"temp": 0.0, "count": int64(0), "running": false},
		"name":  "",
		"Spare": map[string]any{},
	}, m.Snapshot())
}

func TestModel_Find(t *testing.T) {
	m, _, err := Compile(plantSchema())
	require.NoError(t, err)

	root, ok := m.Find("")
	require.True(t, ok)
	assert.Same(t, m.Root(), root)

	for _, path := range []string{"Line1", "Root/Line1", "/Line1/"} {
		member, ok := m.Find(path)
		require.True(t, ok, path)
		group, isGroup := member.(*Group)
		require.True(t, isGroup, path)
		assert.Equal(t, "Root/Line1", group.Path())
		assert.Len(t, group.Snapshot(), 3)
	}

	member, ok := m.Find("Root/Line1/count")
	require.True(t, ok)
	_, isField := member.(Field)
	assert.True(t, isField)

	_, ok = m.Find("Line1/count/deeper")
	assert.False(t, ok)
	_, ok = m.Find("Nope")
	assert.False(t, ok)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		root    *schema.Node
		wantErr string
	}{
		{"leaf root", schema.Leaf("Root", "k", schema.TypeInt), "root must be a group"},
		{"unsupported type", schema.Group("Root", schema.Leaf("x", "k", schema.ValueType(42))), "unsupported value type"},
		{"duplicate address", schema.Group("Root",
			schema.Group("a", schema.Leaf("x", "same", schema.TypeInt)),
			schema.Group("b", schema.Leaf("y", "same", schema.TypeString)),
		), "already bound to Root/a/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ix, err := Compile(tt.root)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.Nil(t, ix)
			assert.ErrorIs(t, err, errors.ErrInvalidSchema)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompile_SameKeyDifferentConnections(t *testing.T) {
	root := schema.Group("Root",
		schema.BoundLeaf("a", connA, "k", schema.TypeInt),
		schema.BoundLeaf("b", connB, "k", schema.TypeInt),
		schema.Leaf("any", "k", schema.TypeInt),
	)
	_, ix, err := Compile(root)
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Len())

	f, ok := ix.Lookup(connA, "k")
	require.True(t, ok)
	assert.Equal(t, "Root/a", f.Path())

	f, ok = ix.Lookup(uuid.New(), "k")
	require.True(t, ok)
	assert.Equal(t, "Root/any", f.Path())
}

func TestCompile_DoesNotRetainSchema(t *testing.T) {
	root := plantSchema()
	m, _, err := Compile(root)
	require.NoError(t, err)

	root.Child("Line1").Child("temp").Key = "mutated"
	f, _ := m.Lookup("Line1/temp")
	assert.Equal(t, "plant/line1/temp", f.Key())
}

func TestIndex_Lookup(t *testing.T) {
	_, ix, err := Compile(plantSchema())
	require.NoError(t, err)

	_, ok := ix.Lookup(connA, "plant/line1/temp")
	assert.True(t, ok, "wildcard leaf resolves for any connection")

	_, ok = ix.Lookup(connB, "plant/line1/count")
	assert.False(t, ok, "bound leaf is not visible to other connections")

	_, ok = ix.Lookup(connA, "plant/unknown")
	assert.False(t, ok)
}

func TestField_SetSemantics(t *testing.T) {
	m, _, err := Compile(plantSchema())
	require.NoError(t, err)
	count, _ := m.Lookup("Line1/count")

	var changes []Change
	cancel, err := count.OnChange(func(c Change) { changes = append(changes, c) })
	require.NoError(t, err)

	assert.Equal(t, SetChanged, count.Set("plant/line1/count", "42"))
	assert.Equal(t, SetUnchanged, count.Set("plant/line1/count", "42"))
	assert.Equal(t, SetUnchanged, count.Set("plant/line1/count", 42))
	assert.Equal(t, SetRejected, count.Set("plant/line1/count", "not-a-number"))

	assert.Equal(t, int64(42), count.Value())
	assert.Equal(t, "plant/line1/count", count.LastKey())
	require.Len(t, changes, 1)
	assert.Equal(t, Change{Path: "Root/Line1/count", Key: "plant/line1/count", Value: int64(42)}, changes[0])

	cancel()
	cancel()
	assert.Equal(t, SetChanged, count.Set("plant/line1/count", 7))
	assert.Len(t, changes, 1)
	assert.Equal(t, 0, count.(*Cell[int64]).SinkCount())
}

func TestField_OnChangeRequiresEvents(t *testing.T) {
	m, _, err := Compile(plantSchema())
	require.NoError(t, err)

	running, _ := m.Lookup("Line1/running")
	assert.False(t, running.EventsEnabled())
	_, err = running.OnChange(func(Change) {})
	assert.ErrorIs(t, err, errors.ErrEventsDisabled)
}

func TestField_SinkMayReadField(t *testing.T) {
	m, _, err := Compile(plantSchema())
	require.NoError(t, err)
	temp, _ := m.Lookup("Line1/temp")

	var observed any
	_, err = temp.OnChange(func(Change) { observed = temp.Value() })
	require.NoError(t, err)

	temp.Set("plant/line1/temp", "21.5")
	assert.Equal(t, 21.5, observed)
}

func TestField_NaNIsNotAChange(t *testing.T) {
	m, _, err := Compile(plantSchema())
	require.NoError(t, err)
	temp, _ := m.Lookup("Line1/temp")

	assert.Equal(t, SetChanged, temp.Set("k", math.NaN()))
	assert.Equal(t, SetUnchanged, temp.Set("k", "NaN"))
}

func TestField_ConcurrentWritersNotifyInOrder(t *testing.T) {
	m, _, err := Compile(plantSchema())
	require.NoError(t, err)
	count, _ := m.Lookup("Line1/count")

	var (
		mu   sync.Mutex
		last any
		n    int
	)
	_, err = count.OnChange(func(c Change) {
		mu.Lock()
		last = c.Value
		n++
		mu.Unlock()
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			count.Set("k", v)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, count.Value(), last, "last notification carries the stored value")
	assert.LessOrEqual(t, n, 50)
	assert.GreaterOrEqual(t, n, 1)
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name string
		vt   schema.ValueType
		raw  any
		want any
		ok   bool
	}{
		{"bool true text", schema.TypeBool, "TRUE", true, true},
		{"bool off", schema.TypeBool, " off ", false, true},
		{"bool number", schema.TypeBool, 2, true, true},
		{"bool bytes", schema.TypeBool, []byte("1"), true, true},
		{"bool junk", schema.TypeBool, "maybe", false, false},
		{"int text", schema.TypeInt, " 42 ", int64(42), true},
		{"int integral float text", schema.TypeInt, "42.0", int64(42), true},
		{"int fractional", schema.TypeInt, "4.5", int64(0), false},
		{"int junk", schema.TypeInt, "not-a-number", int64(0), false},
		{"int float64", schema.TypeInt, float64(3), int64(3), true},
		{"int uint overflow", schema.TypeInt, uint64(math.MaxUint64), int64(0), false},
		{"int nil", schema.TypeInt, nil, int64(0), false},
		{"float text", schema.TypeFloat, "21.5", 21.5, true},
		{"float int", schema.TypeFloat, int32(7), 7.0, true},
		{"float junk", schema.TypeFloat, "warm", 0.0, false},
		{"string bytes", schema.TypeString, []byte("hello"), "hello", true},
		{"string number", schema.TypeString, 1.5, "1.5", true},
		{"string nil", schema.TypeString, nil, "", true},
		{"unsupported", schema.TypeUnset, "x", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Coerce(tt.vt, tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
