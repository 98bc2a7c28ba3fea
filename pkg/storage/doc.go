// Package storage contains types and interfaces, so that different persistence layers can be implemented
// for deployments and the definitions parsed from them.
//
// Interfaces in this package must:
//   - return ErrNotFound if the method is looking for one exact item in the database and it is not found
//   - return empty array for methods that can return multiple results and no result is found
//   - return ErrVersionConflict when a definition with the same key, tenant and version already exists
//   - wrap failures of the underlying database (I/O, timeouts, locked database) with ErrTransient
//   - treat runtime.NoTenant as a regular tenant value, definitions without a tenant are never
//     returned for a query on a concrete tenant and vice versa
package storage
