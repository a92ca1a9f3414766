// Package database opens the local SQLite store and applies its schema
// migrations.
//
// The store holds the delivered push event log. SQLite runs in WAL mode
// with a single writer connection; readers never block the push worker's
// inserts for long.
//
// Migrations are pairs of files named
//
//	YYYYMMDD_HHMMSS_description.up.sql
//	YYYYMMDD_HHMMSS_description.down.sql
//
// read from any fs.FS, normally the embedded migrations package:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a default.
package database
