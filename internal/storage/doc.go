// Package storage is the durable system of record for schedules, task
// instances, reminder delivery claims and device identities.
//
// Backends: sqlite (default), postgres, memory. All three enforce the
// same conditional-update guards, so the task status machine behaves
// identically regardless of driver.
package storage
