package veo

// ReportFromOperation exposes the operation mapping to tests.
var ReportFromOperation = reportFromOperation
