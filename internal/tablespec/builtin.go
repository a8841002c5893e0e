package tablespec

// Customers is the customer table of the demo application
var Customers = TableSpec{
	Type:     "customers",
	Table:    "customers",
	IDColumn: "id",
	Columns:  []string{"customername", "description", "customercode"},
}

// Products is the product table of the demo application
var Products = TableSpec{
	Type:     "products",
	Table:    "products",
	IDColumn: "id",
	Columns:  []string{"productname", "productcode"},
}

// DefaultRegistry returns a registry with every built-in spec
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Customers, Products)
	if err != nil {
		// Built-in specs are static; failing here is a programming error
		panic(err)
	}
	return r
}

// DemoTableDDL creates the physical tables of the built-in specs. Schema
// migrations are owned by the application; this exists for the CLI and tests
const DemoTableDDL = `
CREATE TABLE IF NOT EXISTS customers (
	id           TEXT NOT NULL PRIMARY KEY,
	customername TEXT NOT NULL,
	description  TEXT,
	customercode TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS products (
	id          TEXT NOT NULL PRIMARY KEY,
	productname TEXT NOT NULL,
	productcode TEXT NOT NULL
);
`
