// Package all registers every storage backend with the storage registry.
package all

import (
	_ "kobisetl/internal/storage/mssql"
	_ "kobisetl/internal/storage/mysql"
	_ "kobisetl/internal/storage/postgres"
	_ "kobisetl/internal/storage/sqlite"
)
