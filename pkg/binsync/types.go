package binsync

import (
	"binsync/internal/reconcile"
	"binsync/internal/rollback"
)

// The report types below are produced by the reconciler and consumed
// unchanged by the CLI's JSON output, so they are re-exported rather than
// copied.

// Report is the outcome of one reconciliation run.
type Report = reconcile.Report

// ChangeOutcome is one changeset entry plus what happened to it.
type ChangeOutcome = reconcile.ChangeOutcome

// StatusReport summarizes actual state and drift.
type StatusReport = reconcile.StatusReport

// BinaryStatus is one row of the status summary.
type BinaryStatus = reconcile.BinaryStatus

// InspectReport is the raw contract dump of every known binary.
type InspectReport = reconcile.InspectReport

// CleanupReport counts what cleanup removed.
type CleanupReport = reconcile.CleanupReport

// RollbackReport summarizes what a rollback did.
type RollbackReport = rollback.Report

// DefaultSnapshotKeep is how many old snapshots Cleanup retains by default.
const DefaultSnapshotKeep = reconcile.DefaultSnapshotKeep
