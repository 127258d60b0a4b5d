// Package all registers every storage backend and the SQL Server driver.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "asanaetl/internal/storage/mssql"
	_ "asanaetl/internal/storage/postgres"
	_ "asanaetl/internal/storage/sqlite"
)
