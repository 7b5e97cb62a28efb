// Package api hosts the HTTP handlers for video submission and job status.
//
// Uploads are staged to disk and handed to a Processor, which runs jobs on a
// bounded worker pool behind a bounded queue. The Processor owns no pipeline
// logic of its own; it delegates each job to an injected Runner and keeps
// track of in-flight jobs so they can be canceled by id.
//
// Handlers assume upstream middleware from internal/server has already
// enforced authentication and attached request-scoped logging and metrics.
package api
