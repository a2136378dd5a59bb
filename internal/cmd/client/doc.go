// Package client provides the `courier` command-line client.
//
// The CLI talks to the Courier HTTP API to perform common queue and
// dead-letter operations from a terminal. It is primarily intended for
// developers and operators.
//
// Installation
//
//	go install github.com/courier-mq/courier/cmd/courier@latest
//
// # Address configuration
//
// The HTTP base URL is read from the COURIER_HTTP environment variable
// (default http://127.0.0.1:8080). When the server is started with an
// admin token, set COURIER_ADMIN_TOKEN and the client attaches it as a
// bearer credential.
//
// Usage
//
//	courier queue list
//	courier queue enqueue --queue email --type email.send \
//	    --payload '{"to":"a@example.com"}' --priority high
//	courier queue stats --queue email
//
//	courier dlq list --queue email --limit 20
//	courier dlq list --queue email --filter 'type == "email.send" && attempt > 2'
//	courier dlq stats --queue email
//	courier dlq replay --queue email --id 0198f2...
//	courier dlq replay --queue email --ids 0198f2...,0198f3...
//	courier dlq delete --queue email --id 0198f2...
//	courier dlq purge --queue email --yes
//
// Notes
//
//   - dlq list filters run server-side as CEL expressions over the
//     message fields (type, attempt, last_error, json payload, ...).
//   - replay assigns a fresh message id and resets the attempt counter;
//     the old dead-lettered id is gone once replay succeeds.
package client
