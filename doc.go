// Package smartmeetos turns calendar meetings into structured, grouped
// knowledge records.
//
// It watches a calendar for upcoming meetings, dispatches a notetaker bot to
// each one (at most one active meeting at a time), supervises the bot through
// denials, kicks, and reconnects, harvests and merges the transcript
// fragments it produces, and runs the merged transcript through an LLM
// pipeline: chunking, fact extraction, grouping, and aggregation into final
// input records.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider]: LLM backend (chat with tool calling and structured output)
//   - [Store]: durable rows for meetings, chunks, facts, and inputs
//   - [Tool]: callable capability exposed to the model
//   - [Limiter]: shared request/token budget for extraction workers
//
// Providers compose with [WithRetry] and [WithRateLimit].
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs).
// Storage: store/sqlite (local, default), store/postgres.
//
// The calendar, notetaker, transcript, and pipeline packages build the
// end-to-end flow; cmd/smartmeetos is the daemon that runs it.
package smartmeetos
