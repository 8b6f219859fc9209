//go:build db2

package db2

// The IBM driver needs the clidriver headers and libraries at build time.
import _ "github.com/ibmdb/go_ibm_db"
