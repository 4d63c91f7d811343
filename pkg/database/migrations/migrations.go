// Package migrations bundles the SQL migration files so they can be fed to
// golang-migrate's go_bindata source.
package migrations

import (
	"embed"
	"fmt"
)

//go:embed *.sql
var files embed.FS

// Asset returns the content of a migration file.
func Asset(name string) ([]byte, error) {
	data, err := files.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading migration %s: %s", name, err)
	}
	return data, nil
}

// AssetNames returns the names of all migration files.
func AssetNames() []string {
	entries, err := files.ReadDir(".")
	if err != nil {
		panic(fmt.Sprintf("reading embedded migrations: %s", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
