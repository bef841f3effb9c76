// Package promptstore is the durable record of submitted prompts and their
// dispatch status.
//
// Every prompt is persisted as one independently atomic record, so a crash
// can never expose a half-applied multi-record change. Two backends are
// provided: FileStore keeps one JSON document per prompt, SQLiteStore keeps
// one row per prompt. Both implement Claim as a single conditional update
// so concurrent dispatch triggers cannot claim the same prompt or start two
// sessions in one scope.
package promptstore
