package tablespec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndDeleteSQL(t *testing.T) {
	assert.Equal(t,
		"INSERT OR REPLACE INTO customers (id, customername, description, customercode) VALUES (?, ?, ?, ?)",
		Customers.PutSQL())
	assert.Equal(t, "DELETE FROM customers WHERE id = ?", Customers.DeleteSQL())
	assert.Equal(t, "SELECT id, productname, productcode FROM products WHERE id IN (?, ?)", Products.SelectByIDsSQL(2))
}

func TestTriggerPayloadExpr(t *testing.T) {
	spec := TableSpec{
		Type:     "notes",
		Table:    "notes",
		IDColumn: "id",
		Columns:  []string{"title", "pinned", "owner"},
		Defaults: map[string]any{"pinned": 0, "owner": "o'brien"},
	}

	assert.Equal(t,
		"json_object('id', NEW.id, 'title', COALESCE(NEW.title, ''), 'pinned', COALESCE(NEW.pinned, 0), 'owner', COALESCE(NEW.owner, 'o''brien'))",
		spec.TriggerPayloadExpr("NEW."))
	assert.Contains(t, spec.TriggerPayloadExpr("OLD."), "'id', OLD.id")
}

func TestUpsertSQL(t *testing.T) {
	want := "INSERT INTO products (id, productname, productcode)\n" +
		"VALUES ($1, $2, $3)\n" +
		"ON CONFLICT (id) DO UPDATE SET\n" +
		"  productname = EXCLUDED.productname,\n" +
		"  productcode = EXCLUDED.productcode"
	assert.Equal(t, want, Products.UpsertSQL())

	assert.Equal(t, "DELETE FROM products WHERE id = $1", Products.UpstreamDeleteSQL())

	idOnly := TableSpec{Type: "tags", Table: "tags", IDColumn: "id"}
	assert.Contains(t, idOnly.UpsertSQL(), "ON CONFLICT (id) DO NOTHING")
}

func TestValuesFollowColumnOrderWithDefaults(t *testing.T) {
	row := map[string]any{"customercode": "A1", "id": "c1", "customername": []byte("Acme"), "extra": "ignored"}

	assert.Equal(t, []any{"c1", "Acme", "", "A1"}, Customers.PutValues(row))
	assert.Equal(t, Customers.PutValues(row), Customers.UpsertValues(row))
	assert.Equal(t, []any{"", "", ""}, Products.PutValues(map[string]any{}))
}

func TestRecordMarshalsInSpecOrder(t *testing.T) {
	rec := Customers.Record(map[string]any{"id": "c1", "customername": "Acme", "customercode": "A1", "description": nil})

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"c1","customername":"Acme","description":"","customercode":"A1"}`, string(raw))

	v, ok := rec.Get("description")
	assert.True(t, ok)
	assert.Equal(t, "", v)
	assert.Equal(t, "Acme", rec.Map()["customername"])
}

func TestDecodeRecord(t *testing.T) {
	rec, err := Products.DecodeRecord(json.RawMessage(`{"id":"p1","productname":"Bolt","qty":3}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "p1", "productname": "Bolt", "productcode": ""}, rec.Map())

	_, err = Products.DecodeRecord(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestRecordFromScan(t *testing.T) {
	rec, err := Products.RecordFromScan([]any{"p1", "Bolt", nil})
	require.NoError(t, err)
	assert.Equal(t, "", rec.Map()["productcode"])

	_, err = Products.RecordFromScan([]any{"p1"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		spec TableSpec
	}{
		{"missing type", TableSpec{Table: "t", IDColumn: "id"}},
		{"bad table", TableSpec{Type: "t", Table: "t; DROP TABLE x", IDColumn: "id"}},
		{"id in columns", TableSpec{Type: "t", Table: "t", IDColumn: "id", Columns: []string{"ID"}}},
		{"duplicate column", TableSpec{Type: "t", Table: "t", IDColumn: "id", Columns: []string{"a", "A"}}},
		{"bad column", TableSpec{Type: "t", Table: "t", IDColumn: "id", Columns: []string{"a b"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.spec.Validate())
		})
	}
	assert.NoError(t, Customers.Validate())
}
