package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMappingResolveDefaultsToIdentity(t *testing.T) {
	var none MappingSet
	require.Equal(t, "orders", none.Resolve("orders").TargetTable)

	set := MappingSet{
		"orders": {TargetTable: "archive_orders"},
		"users":  {ColumnMapping: map[string]string{"name": "full_name"}},
	}
	require.Equal(t, "archive_orders", set.Resolve("orders").TargetTable)
	// Mapping present but target table unset: table name carries over.
	require.Equal(t, "users", set.Resolve("users").TargetTable)
	require.Equal(t, "customers", set.Resolve("customers").TargetTable)
}

func TestTargetColumnMapping(t *testing.T) {
	mapping := TableMapping{
		ColumnMapping: map[string]string{"name": "full_name"},
	}
	require.Equal(t, "full_name", mapping.TargetColumn("name"))
	require.Equal(t, "email", mapping.TargetColumn("email"))

	identity := TableMapping{}
	require.Equal(t, "name", identity.TargetColumn("name"))
}

func TestMappingSetJSONRoundTrip(t *testing.T) {
	set := MappingSet{
		"orders": {
			TargetTable:   "archive_orders",
			ColumnMapping: map[string]string{"name": "customer_name"},
			Transforms:    map[string]string{"email": "lower"},
		},
	}
	raw, err := set.ToJSON()
	require.NoError(t, err)

	got, err := MappingSetFromJSON(raw)
	require.NoError(t, err)
	require.Equal(t, set, got)

	// Empty storage forms decode to an empty set.
	got, err = MappingSetFromJSON("")
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = MappingSetFromJSON("{}")
	require.NoError(t, err)
	require.Empty(t, got)

	var nilSet MappingSet
	raw, err = nilSet.ToJSON()
	require.NoError(t, err)
	require.Equal(t, "{}", raw)
}
