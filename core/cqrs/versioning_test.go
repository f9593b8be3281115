package cqrs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionRegistry_Validate(t *testing.T) {
	r := NewVersionRegistry()
	require.NoError(t, r.RegisterType("order.Created", 3))
	require.NoError(t, r.RegisterUpcaster("order.Created", 1, func(p json.RawMessage) (json.RawMessage, error) { return p, nil }))

	// chain 1->2 exists, 2->3 missing
	require.ErrorContains(t, r.Validate(), "missing upcaster order.Created v2->v3")

	require.NoError(t, r.RegisterUpcaster("order.Created", 2, func(p json.RawMessage) (json.RawMessage, error) { return p, nil }))
	require.NoError(t, r.Validate())
}

func TestVersionRegistry_RegisterErrors(t *testing.T) {
	r := NewVersionRegistry()
	require.NoError(t, r.RegisterType("a.B", 2))
	require.Error(t, r.RegisterType("a.B", 3))
	require.Error(t, r.RegisterType("", 1))
	require.Error(t, r.RegisterType("a.C", 0))

	up := func(p json.RawMessage) (json.RawMessage, error) { return p, nil }
	require.NoError(t, r.RegisterUpcaster("a.B", 1, up))
	require.Error(t, r.RegisterUpcaster("a.B", 1, up))
	require.Error(t, r.RegisterUpcaster("a.B", 0, up))
	require.Error(t, r.RegisterUpcaster("a.B", 1, nil))

	// upcaster at/beyond current version fails validation
	require.NoError(t, r.RegisterUpcaster("a.B", 2, up))
	require.ErrorContains(t, r.Validate(), "exceeds current version")
}

func TestVersionRegistry_UpcastChain(t *testing.T) {
	r := NewVersionRegistry()
	require.NoError(t, r.RegisterType("user.Signed", 3))
	require.NoError(t, r.RegisterUpcaster("user.Signed", 1, func(p json.RawMessage) (json.RawMessage, error) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(p, &m))
		m["email"] = "unknown@example.com"
		return json.Marshal(m)
	}))
	require.NoError(t, r.RegisterUpcaster("user.Signed", 2, func(p json.RawMessage) (json.RawMessage, error) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(p, &m))
		m["source"] = "import"
		return json.Marshal(m)
	}))
	require.NoError(t, r.Validate())

	ev := Event{Type: "user.Signed", SchemaVersion: 1, Payload: json.RawMessage(`{"name":"ada"}`)}
	up, err := r.Upcast(ev)
	require.NoError(t, err)
	require.Equal(t, 3, up.SchemaVersion)

	var m map[string]any
	require.NoError(t, json.Unmarshal(up.Payload, &m))
	require.Equal(t, "ada", m["name"])
	require.Equal(t, "unknown@example.com", m["email"])
	require.Equal(t, "import", m["source"])

	// an event at current version passes through untouched
	ev3 := Event{Type: "user.Signed", SchemaVersion: 3, Payload: json.RawMessage(`{"name":"bob"}`)}
	same, err := r.Upcast(ev3)
	require.NoError(t, err)
	require.Equal(t, ev3, same)

	// unregistered types pass through
	other := Event{Type: "x.Y", SchemaVersion: 1, Payload: json.RawMessage(`{}`)}
	same, err = r.Upcast(other)
	require.NoError(t, err)
	require.Equal(t, other, same)
}

func TestVersionRegistry_CurrentVersionDefault(t *testing.T) {
	r := NewVersionRegistry()
	require.Equal(t, 1, r.CurrentVersion("never.Seen"))
	require.NoError(t, r.RegisterType("a.B", 4))
	require.Equal(t, 4, r.CurrentVersion("a.B"))
}
