// Package client provides the `herald` command-line client.
//
// The CLI talks to the Herald HTTP API to perform common queue and
// dead-letter operations from a terminal. It is primarily intended for
// developers and operators.
//
// Installation
//
//	go install github.com/rzbill/herald/cmd/herald@latest
//
// Or build from this repo and use the embedded `herald` binary.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it is
// read from the HERALD_HTTP environment variable and defaults to
// http://127.0.0.1:8265.
//
// Usage
//
//	herald queue create --name orders --transport redis
//
//	herald queue publish \
//	    --queue orders \
//	    --data '{"order":42}' \
//	    --priority high --max-retries 5
//
//	herald queue pending --queue orders --limit 10
//
//	herald queue stats --queue orders
//	herald queue stats                 # all queues
//
//	herald queue pause --queue orders
//	herald queue resume --queue orders
//	herald queue purge --queue orders
//
//	# Dead-letter triage
//	herald dlq list --queue orders --limit 20
//	herald dlq replay --queue orders --id MSG_ID
//	herald dlq delete --queue orders --id MSG_ID
//
// Notes
//
//   - publish accepts JSON in --data and falls back to sending the raw
//     string when it does not parse.
//   - stats without --queue aggregates every registered queue.
package client
